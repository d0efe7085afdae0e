package seccomp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"socket", "connect", "bind", "listen", "accept4"} {
		if Allowed(p, name) {
			t.Errorf("default profile allows %q", name)
		}
	}
}

func TestDefaultProfile_ProcessBasicsAllowed(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"read", "write", "execve", "exit_group", "mmap", "futex"} {
		if !Allowed(p, name) {
			t.Errorf("default profile should allow %q", name)
		}
	}
}

func TestDefaultProfile_PtraceKills(t *testing.T) {
	p := DefaultProfile()
	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name == "ptrace" && rule.Action != specs.ActKillProcess {
				t.Errorf("ptrace action = %v, want ActKillProcess", rule.Action)
			}
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) == 0 || dp.Architectures[0] != "SCMP_ARCH_X86_64" {
		t.Errorf("architectures = %v, want SCMP_ARCH_X86_64 first", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestMarshalDocker_Nil(t *testing.T) {
	if _, err := MarshalDocker(nil); err == nil {
		t.Error("expected error for nil profile")
	}
}

func TestWriteDockerProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "seccomp.json")
	if err := WriteDockerProfile(path); err != nil {
		t.Fatalf("WriteDockerProfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := DockerProfileJSON()
	if string(data) != string(want) {
		t.Error("written profile does not match DockerProfileJSON output")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the profile in the dir, found %d entries", len(entries))
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").AllowSyscalls().Build()

	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1 (empty rule must be skipped)", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}

func TestLoadProfile_RoundTripsWrittenProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seccomp.json")
	if err := WriteDockerProfile(path); err != nil {
		t.Fatalf("WriteDockerProfile: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.DefaultAction != DefaultProfile().DefaultAction {
		t.Errorf("DefaultAction = %q", p.DefaultAction)
	}
	if Allowed(p, "connect") {
		t.Error("loaded profile should not allow connect")
	}
	if !Allowed(p, "read") {
		t.Error("loaded profile should allow read")
	}
}

func TestLoadProfile_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{filepath.Join(dir, "missing.json"), bad, empty} {
		if _, err := LoadProfile(path); err == nil {
			t.Errorf("LoadProfile(%s) should fail", filepath.Base(path))
		}
	}
}
