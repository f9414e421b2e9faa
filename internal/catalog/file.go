package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opflow/pkg/schema"
)

// LoadFile reads a definition from a .json, .yaml or .yml file.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Decode parses a definition. YAML documents are normalized to JSON first so
// that both formats share the step decoder.
func Decode(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML").WithCause(err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "YAML document cannot be represented as JSON").WithCause(err)
		}
		data = raw
	}
	return schema.ParseDefinition(data)
}
