package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const maxFilenameLen = 255

// ValidateFilename rejects names that could escape the staging directory or
// be mistaken for an option by the launcher. Unsafe names are rejected, not
// rewritten, so the logged filename is always what the caller sent.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: %w: empty", ErrValidation, ErrInvalidFilename)
	case len(name) > maxFilenameLen:
		return fmt.Errorf("%w: %w: longer than %d bytes", ErrValidation, ErrInvalidFilename, maxFilenameLen)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %w: %q is a directory name", ErrValidation, ErrInvalidFilename, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %w: %q contains a path separator", ErrValidation, ErrInvalidFilename, name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: %w: %q starts with -", ErrValidation, ErrInvalidFilename, name)
	}
	for _, r := range name {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return fmt.Errorf("%w: %w: %q contains control or invalid characters", ErrValidation, ErrInvalidFilename, name)
		}
	}
	return nil
}

// stagingArea is a private host directory holding exactly one submitted file.
type stagingArea struct {
	dir  string
	path string
}

func newStagingArea(root, execID, filename string, content []byte) (*stagingArea, error) {
	dir, err := os.MkdirTemp(root, "exec_"+execID+"_")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	s := &stagingArea{dir: dir, path: filepath.Join(dir, filename)}

	// Readable by whatever unprivileged user the image runs as.
	if err := os.Chmod(dir, 0o755); err != nil { // #nosec G302 -- mounted read-only into the sandbox
		_ = s.release()
		return nil, fmt.Errorf("chmod staging dir: %w", err)
	}
	if err := os.WriteFile(s.path, content, 0o444); err != nil { // #nosec G306 -- see above
		_ = s.release()
		return nil, fmt.Errorf("write staged file: %w", err)
	}
	return s, nil
}

func (s *stagingArea) release() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove staging dir %s: %w", s.dir, err)
	}
	return nil
}
