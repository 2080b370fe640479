package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a policy document from a YAML file on top of the
// defaults. A missing file yields the default set.
func LoadFromFile(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a YAML policy document on top of the defaults.
func Parse(data []byte, source string) (*Set, error) {
	doc := DefaultDocument()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", source, err)
	}
	s, err := NewSet(doc, source)
	if err != nil {
		return nil, fmt.Errorf("validate policy file %s: %w", source, err)
	}
	return s, nil
}
