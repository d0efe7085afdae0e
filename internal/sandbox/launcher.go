package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"secure-exec/internal/config"
)

// LaunchSpec is one request to run a staged file in an isolated environment.
type LaunchSpec struct {
	ExecID     string
	Policy     IsolationPolicy
	StagingDir string
	Filename   string
}

// LaunchResult is the raw outcome of a program that ran to completion.
type LaunchResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Launcher runs a staged file under an IsolationPolicy and blocks until it
// exits. When ctx expires the launcher must force-terminate the environment
// before returning an error wrapping ErrTimeout. Failures to start the
// program wrap ErrLaunchSetup. A program that exits non-zero is not an error.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// NewLauncher picks the configured backend: containerd on Linux when asked
// for or available under "auto", Docker otherwise.
func NewLauncher(ctx context.Context, cfg *config.Config) (Launcher, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdLauncher(ctx, cfg)
	case "docker":
		return newDockerLauncher(ctx, cfg)
	case "auto":
		if runtime.GOOS == "linux" && cfg.Sandbox.ContainerdSocket != "" {
			l, err := newContainerdLauncher(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd launcher")
				return l, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		l, err := newDockerLauncher(ctx, cfg)
		if err == nil {
			log.Info().Msg("using Docker launcher")
			return l, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRuntimeDown, err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdLauncher(ctx context.Context, cfg *config.Config) (Launcher, error) {
	client, err := DialContainerd(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	l := NewContainerdLauncher(client, cfg.Sandbox.Namespace, cfg.Sandbox.MaxOutputBytes)
	cleaned, err := l.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return l, nil
}

func newDockerLauncher(ctx context.Context, cfg *config.Config) (Launcher, error) {
	l := NewDockerLauncher(DockerOptions{
		Binary:       cfg.Sandbox.DockerBinary,
		Host:         cfg.Sandbox.DockerHost,
		ReapInterval: cfg.Sandbox.OrphanReapInterval,
		MaxOutput:    cfg.Sandbox.MaxOutputBytes,
	})
	if err := l.Ping(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// boundedBuffer keeps the first max bytes written to it and silently drops
// the rest so a chatty program cannot exhaust host memory.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... [output truncated]"
	}
	return b.buf.String()
}
