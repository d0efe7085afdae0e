package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"secure-exec/pkg/seccomp"
)

// ContainerdLauncher talks to containerd directly, for Linux hosts without a
// Docker daemon. It enforces the same IsolationPolicy through the OCI spec.
type ContainerdLauncher struct {
	client    *containerd.Client
	namespace string
	maxOutput int

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

// DialContainerd connects to containerd at socket and verifies the
// connection with a version call.
func DialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeDown, socket, err)
	}
	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrRuntimeDown, err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")
	return client, nil
}

func NewContainerdLauncher(client *containerd.Client, namespace string, maxOutput int) *ContainerdLauncher {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &ContainerdLauncher{
		client:    client,
		namespace: namespace,
		maxOutput: maxOutput,
		active:    make(map[string]struct{}),
	}
}

func (c *ContainerdLauncher) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *ContainerdLauncher) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	_, err := c.client.Version(ctx)
	return err == nil
}

func (c *ContainerdLauncher) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	id := containerName(spec.ExecID)
	logger := log.With().Str("exec_id", spec.ExecID).Str("container", id).Logger()

	if err := c.track(id); err != nil {
		return LaunchResult{}, err
	}
	defer c.untrack(id)

	ctx = c.withNamespace(ctx)

	profile, err := seccomp.LoadProfile(spec.Policy.SeccompProfile)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("%w: %v", ErrLaunchSetup, err)
	}

	image, err := c.ensureImage(ctx, spec.Policy.Image)
	if err != nil {
		return LaunchResult{}, launchFailure(ctx, "pull image", err)
	}

	container, err := c.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{ContainerLabel: "true"}),
		containerd.WithNewSpec(
			oci.WithImageConfigArgs(image, []string{spec.Filename}),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				return ApplyIsolationPolicy(s, spec.Policy, profile, spec.StagingDir)
			},
		),
	)
	if err != nil {
		return LaunchResult{}, launchFailure(ctx, "create container", err)
	}
	// The execution context may be gone by now; clean up on our own.
	defer func() {
		if err := c.removeContainer(c.withNamespace(context.Background()), container); err != nil {
			logger.Error().Err(err).Msg("container cleanup failed")
		}
	}()

	stdout := newBoundedBuffer(c.maxOutput)
	stderr := newBoundedBuffer(c.maxOutput)
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return LaunchResult{}, launchFailure(ctx, "create task", err)
	}

	bg := c.withNamespace(context.Background())
	exitCh, err := task.Wait(bg)
	if err != nil {
		_, _ = task.Delete(bg, containerd.WithProcessKill)
		return LaunchResult{}, launchFailure(ctx, "wait task", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(bg, containerd.WithProcessKill)
		return LaunchResult{}, launchFailure(ctx, "start task", err)
	}

	logger.Debug().Msg("task started")

	select {
	case status := <-exitCh:
		// Delete waits for the IO copiers, so the buffers are complete after it.
		if _, err := task.Delete(bg); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
		code, _, err := status.Result()
		if err != nil {
			return LaunchResult{}, fmt.Errorf("%w: task exit status: %v", ErrLaunchSetup, err)
		}
		return LaunchResult{
			ExitCode: int(code),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil

	case <-ctx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		c.killTask(bg, task, exitCh, logger)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return LaunchResult{}, ErrTimeout
		}
		return LaunchResult{}, fmt.Errorf("%w: launch canceled: %v", ErrLaunchSetup, ctx.Err())
	}
}

func launchFailure(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %s: %v", ErrLaunchSetup, op, err)
}

// ensureImage uses the local image when present and pulls it otherwise.
func (c *ContainerdLauncher) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := c.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("looking up image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = c.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

func (c *ContainerdLauncher) killTask(ctx context.Context, task containerd.Task, exitCh <-chan containerd.ExitStatus, logger zerolog.Logger) {
	if err := task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to kill timed out task")
	}

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("timed out waiting for killed task to exit")
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn().Err(err).Msg("failed to delete killed task")
	}
}

// removeContainer kills any task still attached to container and deletes it
// along with its snapshot.
func (c *ContainerdLauncher) removeContainer(ctx context.Context, container containerd.Container) error {
	ctx, cancel := context.WithTimeout(ctx, forceRemoveTimeout)
	defer cancel()

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container", container.ID()).Msg("failed to delete leftover task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (c *ContainerdLauncher) CleanupOrphaned(ctx context.Context) (int, error) {
	ctx = c.withNamespace(ctx)

	list, err := c.client.Containers(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, container := range list {
		id := container.ID()
		if !strings.HasPrefix(id, ContainerPrefix) || c.isActive(id) {
			continue
		}
		log.Info().Str("container", id).Msg("cleaning up orphaned sandbox container")
		if err := c.removeContainer(ctx, container); err != nil {
			log.Error().Err(err).Str("container", id).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (c *ContainerdLauncher) track(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %w", ErrLaunchSetup, ErrClosed)
	}
	c.active[id] = struct{}{}
	c.wg.Add(1)
	return nil
}

func (c *ContainerdLauncher) untrack(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *ContainerdLauncher) isActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

func (c *ContainerdLauncher) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	return c.client.Close()
}
