package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var maskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// ApplyIsolationPolicy writes policy into an OCI spec: fresh namespaces with
// no network interfaces besides loopback, no capabilities, no privilege
// escalation, the seccomp filter, a read-only root and the staging
// directory bound read-only at InputMountPath.
func ApplyIsolationPolicy(s *specs.Spec, policy IsolationPolicy, profile *specs.LinuxSeccomp, stagingDir string) error {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	s.Linux.Seccomp = profile
	s.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	s.Linux.MaskedPaths = maskedPaths
	s.Linux.ReadonlyPaths = readonlyPaths

	// CapDrop is always ALL once the policy has been validated.
	caps := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    caps,
		Effective:   caps,
		Inheritable: caps,
		Permitted:   caps,
		Ambient:     caps,
	}
	s.Process.NoNewPrivileges = policy.NoNewPrivs

	if policy.User != "" {
		uid, gid, err := parseUser(policy.User)
		if err != nil {
			return err
		}
		s.Process.User = specs.User{UID: uid, GID: gid}
	}

	if s.Root == nil {
		s.Root = &specs.Root{Path: "rootfs"}
	}
	s.Root.Readonly = policy.ReadOnlyRoot

	s.Mounts = append(s.Mounts, specs.Mount{
		Destination: InputMountPath,
		Type:        "bind",
		Source:      stagingDir,
		Options:     []string{"rbind", "ro", "nosuid", "nodev"},
	})

	if policy.Limits != (ResourceLimits{}) {
		applyResourceLimits(s, policy.Limits)
	}
	return nil
}

func applyResourceLimits(s *specs.Spec, limits ResourceLimits) {
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard CPU cap; shares would only be a soft weight.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memoryBytes, Swap: &memoryBytes}
	pids := limits.PidsLimit
	s.Linux.Resources.Pids = &specs.LinuxPids{Limit: &pids}

	nproc := uint64(limits.PidsLimit)
	s.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: nproc, Soft: nproc},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

// parseUser accepts "uid" or "uid:gid".
func parseUser(user string) (uint32, uint32, error) {
	uidStr, gidStr, hasGID := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid user %q: uid must be numeric", user)
	}
	gid := uid
	if hasGID {
		gid, err = strconv.ParseUint(gidStr, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid user %q: gid must be numeric", user)
		}
	}
	return uint32(uid), uint32(gid), nil
}
