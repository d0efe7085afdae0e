package monitor

import (
	"testing"
)

func TestScanSource(t *testing.T) {
	s := NewScanner()

	tests := []struct {
		name    string
		source  string
		pattern string
		line    int
	}{
		{"python shell", "import os\nos.system('id')", "shell_spawn", 2},
		{"java exec", `Runtime.getRuntime().exec("id");`, "shell_spawn", 1},
		{"c system", `int main() { system("id"); }`, "shell_spawn", 1},
		{"python socket", "import socket", "network_socket", 1},
		{"proc self", `open("/proc/self/maps")`, "proc_self_access", 1},
		{"cgroup escape", "echo 1 > /sys/fs/cgroup/x/notify_on_release", "container_breakout", 1},
		{"docker socket", `fopen("/var/run/docker.sock", "r")`, "runtime_socket", 1},
		{"metadata", `urlopen("http://169.254.169.254/")`, "metadata_service", 1},
		{"ctypes", "ctypes.CDLL('libc.so.6')", "native_code", 1},
		{"ptrace", "ptrace(PTRACE_ATTACH, pid, 0, 0);", "ptrace_attempt", 1},
		{"fork bomb", "while True: os.fork()", "fork_bomb", 1},
		{"miner", "pool = 'stratum+tcp://pool:3333'", "crypto_miner", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := s.ScanSource([]byte(tt.source))
			for _, f := range findings {
				if f.Pattern == tt.pattern {
					if f.Line != tt.line {
						t.Errorf("%s reported on line %d, want %d", tt.pattern, f.Line, tt.line)
					}
					return
				}
			}
			t.Errorf("expected %s finding, got %+v", tt.pattern, findings)
		})
	}
}

func TestScanSource_Clean(t *testing.T) {
	s := NewScanner()
	clean := []string{
		"print('hello world')",
		"#include <stdio.h>\nint main(void) { printf(\"%d\\n\", 42); return 0; }",
		"public class Main { public static void main(String[] a) { System.out.println(1); } }",
		`{"key": "value"}`,
	}
	for _, src := range clean {
		if findings := s.ScanSource([]byte(src)); len(findings) != 0 {
			t.Errorf("ScanSource(%q) = %+v, want none", src, findings)
		}
	}
}

func TestScanOutput(t *testing.T) {
	s := NewScanner()

	if findings := s.ScanOutput("hello\n"); len(findings) != 0 {
		t.Errorf("clean output flagged: %+v", findings)
	}

	findings := s.ScanOutput("srw-rw---- 1 root docker 0 /var/run/docker.sock")
	if len(findings) != 1 || findings[0].Pattern != "docker_socket" {
		t.Errorf("ScanOutput = %+v, want one docker_socket finding", findings)
	}
	if findings[0].Severity != "critical" {
		t.Errorf("severity = %q, want critical", findings[0].Severity)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "success", 1, 10, 10)
	m.RecordRejected("rate_limited")
	m.RecordLogWriteFailure()
	m.RecordCleanupFailure()
	m.RecordFinding(Finding{Pattern: "x", Severity: "low"})
	m.ExecutionStarted()()
}

func TestMetrics_Registered(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("python", "success", 0.5, 100, 20)
	m.RecordRejected("rate_limited")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := map[string]bool{
		"secure_exec_executions_total": false,
		"secure_exec_rejected_total":   false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
