// Package prompts loads session prompts and application specs from the
// prompts directory and scaffolds that directory for new projects.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSpecFile is the spec name used when none is chosen, and the name
// the spec is always copied to inside the project.
const DefaultSpecFile = "app_spec.txt"

// ErrPromptMissing is returned when a prompt file does not exist or is empty.
var ErrPromptMissing = errors.New("prompt file missing")

// ErrSpecMissing is returned when an explicitly chosen spec file does not exist.
var ErrSpecMissing = errors.New("spec file missing")

//go:embed templates
var templates embed.FS

// Kind names the two session prompts.
type Kind string

const (
	KindInitializer Kind = "initializer"
	KindCoding      Kind = "coding"
)

// Set holds the text of both prompts.
type Set struct {
	Initializer string
	Coding      string
}

// For returns the prompt for a kind.
func (s Set) For(kind Kind) string {
	if kind == KindInitializer {
		return s.Initializer
	}
	return s.Coding
}

// Files names the prompt files on disk. Prompts are read on every Load so
// an operator may edit them between sessions.
type Files struct {
	Dir         string
	Initializer string
	Coding      string
}

// Load reads the prompt for a kind.
func (f Files) Load(kind Kind) (string, error) {
	if kind == KindInitializer {
		return Load(f.Dir, f.Initializer)
	}
	return Load(f.Dir, f.Coding)
}

// Load reads a prompt file. A relative name resolves against dir.
func Load(dir, name string) (string, error) {
	path := resolve(dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrPromptMissing, path)
	}
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrPromptMissing, path)
	}
	return string(data), nil
}

// LoadSet reads both prompts. Both must exist: a missing prompt is a
// structural problem that retrying cannot fix.
func LoadSet(dir, initializerName, codingName string) (Set, error) {
	initializer, err := Load(dir, initializerName)
	if err != nil {
		return Set{}, err
	}
	coding, err := Load(dir, codingName)
	if err != nil {
		return Set{}, err
	}
	return Set{Initializer: initializer, Coding: coding}, nil
}

// ListSpecs returns the .txt spec files in dir, sorted.
func ListSpecs(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	specs := make([]string, 0, len(matches))
	for _, m := range matches {
		specs = append(specs, filepath.Base(m))
	}
	sort.Strings(specs)
	return specs, nil
}

// CopySpec copies a spec into the project as app_spec.txt. An explicit
// specFile must exist and always overwrites the project copy. With no
// specFile the default spec is copied only when the project has none yet,
// and a missing default is not an error. Returns the destination when a
// copy was made.
func CopySpec(dir, projectDir, specFile string) (string, error) {
	dest := filepath.Join(projectDir, DefaultSpecFile)

	if specFile == "" {
		if _, err := os.Stat(dest); err == nil {
			return "", nil
		}
		src := filepath.Join(dir, DefaultSpecFile)
		if _, err := os.Stat(src); err != nil {
			return "", nil
		}
		return dest, copyFile(src, dest)
	}

	src := resolve(dir, specFile)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSpecMissing, src)
	}
	return dest, copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open spec: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create spec copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy spec: %w", err)
	}
	return out.Close()
}

// Scaffold writes the built-in prompt and spec templates into dir. Existing
// files are kept unless overwrite is set. Returns the files written.
func Scaffold(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create prompts directory: %w", err)
	}
	entries, err := templates.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var written []string
	for _, e := range entries {
		dest := filepath.Join(dir, e.Name())
		if !overwrite {
			if _, err := os.Stat(dest); err == nil {
				continue
			}
		}
		data, err := templates.ReadFile("templates/" + e.Name())
		if err != nil {
			return written, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return written, fmt.Errorf("write %s: %w", dest, err)
		}
		written = append(written, dest)
	}
	return written, nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}
