package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a deny-by-default seccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchX86,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names)
}

// BlockSyscalls returns EPERM for the named syscalls. Listing them explicitly
// keeps the intent visible even though the default action already denies.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names)
}

// KillSyscalls terminates the offending process outright.
func (b *ProfileBuilder) KillSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActKillProcess, names)
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

// Allowed reports whether name appears in an allow rule.
func Allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
