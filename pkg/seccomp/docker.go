package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DockerProfileJSON renders the default profile in the format accepted by
// `docker run --security-opt seccomp=<file>`. The OCI field names and action
// strings already match Docker's schema, so the OCI type marshals directly.
func DockerProfileJSON() ([]byte, error) {
	return MarshalDocker(DefaultProfile())
}

func MarshalDocker(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("seccomp: nil profile")
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("seccomp: marshal profile: %w", err)
	}
	return data, nil
}

// WriteDockerProfile writes the default profile to path, creating parent
// directories as needed. The file is written to a sibling temp file first and
// renamed so a concurrently starting launcher never reads a partial profile.
func WriteDockerProfile(path string) error {
	data, err := DockerProfileJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("seccomp: create profile dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".seccomp-*.json")
	if err != nil {
		return fmt.Errorf("seccomp: create temp profile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("seccomp: write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("seccomp: close profile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { // #nosec G302 -- read by the docker daemon
		return fmt.Errorf("seccomp: chmod profile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("seccomp: install profile: %w", err)
	}
	return nil
}

// LoadProfile reads a Docker-format profile so a non-Docker launcher can
// enforce the same filter the Docker launcher passes by path.
func LoadProfile(path string) (*specs.LinuxSeccomp, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	if err != nil {
		return nil, fmt.Errorf("seccomp: read profile: %w", err)
	}
	var p specs.LinuxSeccomp
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("seccomp: parse profile %s: %w", path, err)
	}
	if p.DefaultAction == "" {
		return nil, fmt.Errorf("seccomp: profile %s has no defaultAction", path)
	}
	return &p, nil
}
