// Package language maps language identifiers to the runtime image, code path
// and command templates used to run submitted programs.
package language

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsupported is returned by Resolve for ids that are not registered.
	ErrUnsupported = errors.New("unsupported language")

	// ErrNoInstallCommand is returned when a language has no dependency
	// install template, or no libraries were requested.
	ErrNoInstallCommand = errors.New("unsupported language for library installation")
)

// Template placeholders.
const (
	PathPlaceholder = "{path}"
	LibsPlaceholder = "{libs}"
)

// Spec is the static configuration for one language.
type Spec struct {
	ID       string `yaml:"id" json:"id"`
	Image    string `yaml:"image" json:"image"`
	CodePath string `yaml:"path" json:"path"`
	Run      string `yaml:"run" json:"run"`
	Install  string `yaml:"install,omitempty" json:"install,omitempty"`
}

// RunCommand returns the run template with the code path substituted.
func (s Spec) RunCommand() string {
	return strings.ReplaceAll(s.Run, PathPlaceholder, s.CodePath)
}

// CanInstall reports whether the language has a dependency install template.
func (s Spec) CanInstall() bool {
	return s.Install != ""
}

// InstallCommand returns the install template with the libraries substituted.
// Library names are shell-quoted.
func (s Spec) InstallCommand(libs []string) (string, error) {
	if !s.CanInstall() {
		return "", fmt.Errorf("%s: %w", s.ID, ErrNoInstallCommand)
	}
	quoted := make([]string, 0, len(libs))
	for _, l := range libs {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		quoted = append(quoted, shellQuote(l))
	}
	if len(quoted) == 0 {
		return "", fmt.Errorf("%s: no libraries given: %w", s.ID, ErrNoInstallCommand)
	}
	r := strings.NewReplacer(
		LibsPlaceholder, strings.Join(quoted, " "),
		PathPlaceholder, s.CodePath,
	)
	return r.Replace(s.Install), nil
}

// Validate checks that the spec can be used to run code.
func (s Spec) Validate() error {
	switch {
	case s.ID == "":
		return errors.New("language id is required")
	case s.Image == "":
		return fmt.Errorf("language %q: image is required", s.ID)
	case s.CodePath == "":
		return fmt.Errorf("language %q: path is required", s.ID)
	case s.Run == "":
		return fmt.Errorf("language %q: run command is required", s.ID)
	case !strings.HasPrefix(s.CodePath, "/"):
		return fmt.Errorf("language %q: path %q must be absolute", s.ID, s.CodePath)
	}
	return nil
}

// Registry is an immutable set of language specs. It is safe for concurrent
// use once constructed.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a registry from the built-in table overlaid with extra
// entries. An extra entry with an existing id replaces the built-in one.
func NewRegistry(extra ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(builtin)+len(extra))}
	for _, s := range builtin {
		r.specs[s.ID] = s
	}
	for _, s := range extra {
		s.ID = normalize(s.ID)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		r.specs[s.ID] = s
	}
	return r, nil
}

// Resolve looks up a language by id. Lookups are case-insensitive.
func (r *Registry) Resolve(id string) (Spec, error) {
	s, ok := r.specs[normalize(id)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnsupported, id)
	}
	return s, nil
}

// IDs returns the registered language ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered spec, sorted by id.
func (r *Registry) All() []Spec {
	ids := r.IDs()
	out := make([]Spec, len(ids))
	for i, id := range ids {
		out[i] = r.specs[id]
	}
	return out
}

// Images returns the distinct runtime images used by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, s := range r.All() {
		if !seen[s.Image] {
			seen[s.Image] = true
			images = append(images, s.Image)
		}
	}
	return images
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
