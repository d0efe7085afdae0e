// Package runtime maps uploaded source files to the languages the sandbox
// image knows how to run.
package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupported is returned for files whose extension is not registered.
var ErrUnsupported = errors.New("unsupported file type")

// Language describes one toolchain inside the sandbox image. The image's
// entrypoint picks the toolchain from the file extension; the name is used
// for logs and metric labels.
type Language struct {
	Name      string
	Extension string
}

// Registry maps file extensions to languages.
type Registry struct {
	byExt map[string]Language
}

// NewRegistry creates a registry with every language the sandbox image ships.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Language)}
	r.Register(Language{Name: "python", Extension: ".py"})
	r.Register(Language{Name: "c", Extension: ".c"})
	r.Register(Language{Name: "cpp", Extension: ".cpp"})
	r.Register(Language{Name: "java", Extension: ".java"})
	r.Register(Language{Name: "json", Extension: ".json"})
	return r
}

// Register adds or replaces a language. Extensions are matched case-sensitively.
func (r *Registry) Register(lang Language) {
	r.byExt[lang.Extension] = lang
}

// Lookup returns the language for filename.
func (r *Registry) Lookup(filename string) (Language, error) {
	ext := filepath.Ext(filename)
	lang, ok := r.byExt[ext]
	if !ok || ext == filename {
		return Language{}, fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupported, filename, strings.Join(r.Extensions(), " "))
	}
	return lang, nil
}

// Extensions returns the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Languages returns all registered language names in sorted order.
func (r *Registry) Languages() []string {
	names := make([]string, 0, len(r.byExt))
	for _, lang := range r.byExt {
		names = append(names, lang.Name)
	}
	sort.Strings(names)
	return names
}
