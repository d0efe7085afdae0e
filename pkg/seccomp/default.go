package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// runtimeSyscalls covers what CPython, the JVM and compiled C/C++ binaries
// need to start, run and exit. Nothing network related is listed.
func runtimeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"statfs", "fstatfs",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
			"sched_yield", "sched_getaffinity", "sched_getparam", "sched_getscheduler",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp",
			"getuid", "geteuid", "getgid", "getegid", "getgroups",
			"getresuid", "getresgid",
			"uname", "getcwd", "chdir", "fchdir",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl", "prctl",
			"sysinfo",
			"getrlimit", "prlimit64", "getrusage",
			"umask",
			"fsync", "fdatasync",
			"flock",
			"memfd_create",
		)
}

func deniedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		KillSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"mount", "umount2", "pivot_root", "chroot",
			"setns", "unshare",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"settimeofday", "adjtimex", "clock_adjtime",
			"acct", "personality",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns the deny-by-default profile applied to every
// submitted program. There is no network variant: execution never gets a
// network namespace.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = runtimeSyscalls(b)
	b = deniedSyscalls(b)
	return b.Build()
}
