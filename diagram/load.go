package diagram

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses a compiled diagram from YAML and validates it.
func LoadYAML(data []byte) (*Diagram, error) {
	var d Diagram
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("diagram: failed to parse YAML: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadJSON parses a compiled diagram from JSON and validates it.
func LoadJSON(data []byte) (*Diagram, error) {
	var d Diagram
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("diagram: failed to parse JSON: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadFile reads a diagram file and dispatches on its extension:
// .yaml/.yml are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Diagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("diagram: failed to read %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return LoadYAML(data)
	}
	return LoadJSON(data)
}
