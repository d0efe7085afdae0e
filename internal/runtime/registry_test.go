package runtime

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		filename string
		want     string
		wantErr  bool
	}{
		{"hello.py", "python", false},
		{"main.c", "c", false},
		{"main.cpp", "cpp", false},
		{"Main.java", "java", false},
		{"data.json", "json", false},
		{"archive.tar.py", "python", false},
		{"script.sh", "", true},
		{"noext", "", true},
		{".py", "", true},
		{"upper.PY", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			lang, err := r.Lookup(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Lookup(%q) error = %v, want ErrUnsupported", tt.filename, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%q) = %v", tt.filename, err)
			}
			if lang.Name != tt.want {
				t.Errorf("Lookup(%q).Name = %q, want %q", tt.filename, lang.Name, tt.want)
			}
		})
	}
}

func TestRegistry_Extensions(t *testing.T) {
	got := NewRegistry().Extensions()
	want := []string{".c", ".cpp", ".java", ".json", ".py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extensions() = %v, want %v", got, want)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register(Language{Name: "ruby", Extension: ".rb"})

	lang, err := r.Lookup("x.rb")
	if err != nil {
		t.Fatalf("Lookup after Register: %v", err)
	}
	if lang.Name != "ruby" {
		t.Errorf("Name = %q, want ruby", lang.Name)
	}
	if len(r.Languages()) != 6 {
		t.Errorf("Languages() = %v, want 6 entries", r.Languages())
	}
}
