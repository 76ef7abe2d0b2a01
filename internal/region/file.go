package region

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ReadDefinitionsFile loads region definitions from a JSON, YAML or TOML
// file. JSON and YAML files hold a list of definitions, a single one, or an
// object with a "regions" list. TOML files use [[regions]] tables. Every
// definition is checked against the region schema.
func ReadDefinitionsFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	return DecodeDefinitions(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// DecodeDefinitions decodes definitions in the given format ("json",
// "yaml", "yml" or "toml").
func DecodeDefinitions(data []byte, format string) ([]Definition, error) {
	var doc any
	switch strings.ToLower(format) {
	case "json", "":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &ValidationError{Field: "json", Message: err.Error()}
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &ValidationError{Field: "yaml", Message: err.Error()}
		}
	case "toml":
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, &ValidationError{Field: "toml", Message: err.Error()}
		}
		doc = m
	default:
		return nil, fmt.Errorf("unsupported regions file format: %q", format)
	}

	if m, ok := doc.(map[string]any); ok {
		if list, ok := m["regions"]; ok {
			doc = list
		}
	}
	if doc == nil {
		return nil, nil
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize regions: %w", err)
	}
	return ParseDefinitions(canonical)
}
