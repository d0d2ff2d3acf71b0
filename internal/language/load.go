package language

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk format of a language extension file.
type File struct {
	Languages []Spec `yaml:"languages"`
}

// LoadFile reads extra language specs from a YAML file.
func LoadFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing languages file %s: %w", path, err)
	}

	for _, s := range f.Languages {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("languages file %s: %w", path, err)
		}
	}
	return f.Languages, nil
}

// Load builds a registry from the built-in table and, when path is not
// empty, the entries of the given extension file.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry()
	}
	extra, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(extra...)
}
