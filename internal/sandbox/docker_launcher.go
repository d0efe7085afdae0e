package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// dockerSetupExitCode is what `docker run` exits with when the daemon could
// not create or start the container (bad image, bad profile path, ...).
// The program never ran, so it is reported as a setup failure.
const dockerSetupExitCode = 125

const (
	defaultMaxOutput   = 1 << 20
	defaultWaitDelay   = 2 * time.Second
	forceRemoveTimeout = 30 * time.Second
)

type DockerOptions struct {
	Binary       string        // docker CLI; defaults to "docker" on PATH
	Host         string        // DOCKER_HOST override; resolved from the docker context when empty
	ReapInterval time.Duration // 0 disables the periodic orphan sweep
	MaxOutput    int           // per-stream capture limit in bytes
	WaitDelay    time.Duration
}

// DockerLauncher runs each execution with `docker run`, one container per
// execution, and force-removes the container when the deadline passes.
type DockerLauncher struct {
	binary     string
	dockerHost string
	maxOutput  int
	waitDelay  time.Duration

	mu     sync.Mutex
	active map[string]struct{} // container names currently launching
	closed bool
	wg     sync.WaitGroup

	cancelReaper context.CancelFunc
}

func NewDockerLauncher(opts DockerOptions) *DockerLauncher {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	if opts.Host == "" {
		opts.Host = resolveDockerHost(opts.Binary)
	}

	d := &DockerLauncher{
		binary:     opts.Binary,
		dockerHost: opts.Host,
		maxOutput:  opts.MaxOutput,
		waitDelay:  opts.WaitDelay,
		active:     make(map[string]struct{}),
	}

	if opts.ReapInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancelReaper = cancel
		go d.reapLoop(ctx, opts.ReapInterval)
	}
	return d
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost(binary string) string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command(binary, "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output() // #nosec G204 -- no user input
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func (d *DockerLauncher) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.binary, args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// Ping checks that the CLI exists and the daemon answers.
func (d *DockerLauncher) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrRuntimeDown, d.binary, err)
	}
	if out, err := d.command(ctx, "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v: %s", ErrRuntimeDown, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerLauncher) Healthy(ctx context.Context) bool {
	return d.Ping(ctx) == nil
}

func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	name := containerName(spec.ExecID)
	logger := log.With().Str("exec_id", spec.ExecID).Str("container", name).Logger()

	if err := d.track(name); err != nil {
		return LaunchResult{}, err
	}
	defer d.untrack(name)

	args := spec.Policy.DockerArgs(name, spec.StagingDir, spec.Filename)

	stdout := newBoundedBuffer(d.maxOutput)
	stderr := newBoundedBuffer(d.maxOutput)
	cmd := d.command(ctx, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = d.waitDelay

	logger.Debug().Strs("args", args).Msg("starting docker container")

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Killing the CLI leaves the container running; remove it explicitly.
		d.forceRemove(name)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return LaunchResult{}, ErrTimeout
		}
		return LaunchResult{}, fmt.Errorf("%w: launch canceled: %v", ErrLaunchSetup, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return LaunchResult{}, fmt.Errorf("%w: %v", ErrLaunchSetup, err)
		}
		if exitErr.ExitCode() == dockerSetupExitCode {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return LaunchResult{}, fmt.Errorf("%w: %s", ErrLaunchSetup, msg)
		}
		return LaunchResult{
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil
	}

	return LaunchResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *DockerLauncher) track(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %w", ErrLaunchSetup, ErrClosed)
	}
	d.active[name] = struct{}{}
	d.wg.Add(1)
	return nil
}

func (d *DockerLauncher) untrack(name string) {
	d.mu.Lock()
	delete(d.active, name)
	d.mu.Unlock()
	d.wg.Done()
}

func (d *DockerLauncher) isActive(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[name]
	return ok
}

// forceRemove runs `docker rm -f` on a context of its own; the execution's
// context has already expired by the time this is needed.
func (d *DockerLauncher) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), forceRemoveTimeout)
	defer cancel()

	out, err := d.command(ctx, "rm", "-f", name).CombinedOutput()
	if err != nil {
		log.Warn().Err(err).Str("container", name).Str("output", strings.TrimSpace(string(out))).
			Msg("failed to remove timed out container")
		return
	}
	log.Info().Str("container", name).Msg("removed timed out container")
}

func (d *DockerLauncher) reapLoop(ctx context.Context, interval time.Duration) {
	// Run once on startup
	if _, err := d.ReapOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphan sweep failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := d.ReapOrphans(ctx); err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReapOrphans force-removes labelled sandbox containers that no in-flight
// execution of this launcher owns, typically survivors of a crashed process.
func (d *DockerLauncher) ReapOrphans(ctx context.Context) (int, error) {
	out, err := d.command(ctx, "ps", "-a",
		"--filter", "label="+ContainerLabel,
		"--filter", "name="+ContainerPrefix,
		"--format", "{{.Names}}",
	).Output()
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	var removed int
	for _, name := range strings.Fields(string(out)) {
		if !strings.HasPrefix(name, ContainerPrefix) || d.isActive(name) {
			continue
		}
		log.Warn().Str("container", name).Msg("removing orphaned sandbox container")
		if err := d.command(ctx, "rm", "-f", name).Run(); err != nil {
			log.Warn().Err(err).Str("container", name).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}

// Close stops the orphan sweep and waits up to 30s for in-flight launches.
func (d *DockerLauncher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelReaper != nil {
		d.cancelReaper()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker launches drained")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timed out waiting for docker launches to drain")
	}
	return nil
}
