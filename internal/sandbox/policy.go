package sandbox

import (
	"fmt"
	"strconv"
)

// InputMountPath is where the staging directory appears inside the sandbox.
const InputMountPath = "/tmp/input"

// ContainerLabel marks containers this service created so orphans from a
// previous process can be found and removed.
const ContainerLabel = "secure-exec.sandbox"

// ContainerPrefix is prepended to the execution id to name each container.
const ContainerPrefix = "sandbox-"

type ResourceLimits struct {
	CPUShares int64 `yaml:"cpu_shares" json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `yaml:"memory_mb" json:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit" json:"pids_limit"` // fork bomb protection
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512, // 0.5 CPU
		MemoryMB:  256,
		PidsLimit: 64,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl == (ResourceLimits{}) {
		return nil
	}
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("cpu_shares must be 2-4096, got %d", rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 4096 {
		return fmt.Errorf("memory_mb must be 16-4096, got %d", rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 1000 {
		return fmt.Errorf("pids_limit must be 5-1000, got %d", rl.PidsLimit)
	}
	return nil
}

// IsolationPolicy is everything a launcher must enforce for one execution.
// The zero Limits value means "no cgroup limits beyond the runtime default".
type IsolationPolicy struct {
	Image          string
	SeccompProfile string // host path of a Docker-format profile
	Network        string
	CapDrop        []string
	NoNewPrivs     bool
	ReadOnlyRoot   bool
	AutoRemove     bool
	User           string // uid:gid; empty keeps the image's user
	Limits         ResourceLimits
}

// DefaultPolicy returns the hardened policy every execution runs under.
func DefaultPolicy(image, seccompProfile string) IsolationPolicy {
	return IsolationPolicy{
		Image:          image,
		SeccompProfile: seccompProfile,
		Network:        "none",
		CapDrop:        []string{"ALL"},
		NoNewPrivs:     true,
		ReadOnlyRoot:   true,
		AutoRemove:     true,
	}
}

// Validate rejects policies that would weaken isolation.
func (p IsolationPolicy) Validate() error {
	if p.Image == "" {
		return fmt.Errorf("isolation policy: image is required")
	}
	if p.SeccompProfile == "" {
		return fmt.Errorf("isolation policy: seccomp profile is required")
	}
	if p.Network != "none" {
		return fmt.Errorf("isolation policy: network must be none, got %q", p.Network)
	}
	if len(p.CapDrop) != 1 || p.CapDrop[0] != "ALL" {
		return fmt.Errorf("isolation policy: all capabilities must be dropped")
	}
	if !p.NoNewPrivs {
		return fmt.Errorf("isolation policy: no-new-privileges is required")
	}
	if !p.ReadOnlyRoot {
		return fmt.Errorf("isolation policy: root filesystem must be read-only")
	}
	if !p.AutoRemove {
		return fmt.Errorf("isolation policy: containers must be removed on exit")
	}
	if p.User != "" {
		if _, _, err := parseUser(p.User); err != nil {
			return fmt.Errorf("isolation policy: %w", err)
		}
	}
	if err := p.Limits.Validate(); err != nil {
		return fmt.Errorf("isolation policy: %w", err)
	}
	return nil
}

// DockerArgs renders the policy as `docker run` arguments. stagingDir is
// bind-mounted read-only at InputMountPath and filename is handed to the
// image's entrypoint.
func (p IsolationPolicy) DockerArgs(name, stagingDir, filename string) []string {
	args := []string{"run"}
	if p.AutoRemove {
		args = append(args, "--rm")
	}
	args = append(args,
		"--name", name,
		"--label", ContainerLabel+"=true",
		"--network", p.Network,
	)
	for _, c := range p.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	if p.NoNewPrivs {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	args = append(args, "--security-opt", "seccomp="+p.SeccompProfile)
	if p.ReadOnlyRoot {
		args = append(args, "--read-only")
	}

	if l := p.Limits; l != (ResourceLimits{}) {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", l.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", l.MemoryMB),
			"--pids-limit", strconv.FormatInt(l.PidsLimit, 10),
			"--cpus", strconv.FormatFloat(float64(l.CPUShares)/1024.0, 'f', 2, 64),
		)
	}
	if p.User != "" {
		args = append(args, "--user", p.User)
	}

	args = append(args,
		"-v", fmt.Sprintf("%s:%s:ro", stagingDir, InputMountPath),
		p.Image,
		filename,
	)
	return args
}

func containerName(execID string) string {
	return ContainerPrefix + execID
}
