package lookup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const columnConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["objects"],
  "properties": {
    "objects": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["supportedColumns"],
        "additionalProperties": false,
        "properties": {
          "supportedColumns": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "mandatoryColumns": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

type columnConfigFile struct {
	Objects map[string]*ColumnConfig `yaml:"objects"`
}

// FileProvider serves configurations loaded once from a YAML file:
//
//	objects:
//	  organisation:
//	    supportedColumns:
//	      Organisation Name: orgName
//	    mandatoryColumns: [orgName]
type FileProvider struct {
	*StaticProvider
}

func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read column config: %w", err)
	}
	configs, err := ParseColumnConfig(data)
	if err != nil {
		return nil, err
	}
	return &FileProvider{StaticProvider: NewStaticProvider(configs)}, nil
}

// ParseColumnConfig decodes and validates a YAML column configuration.
func ParseColumnConfig(data []byte) (map[string]*ColumnConfig, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("decode column config: %w", err)
	}
	if err := validateColumnConfig(document); err != nil {
		return nil, err
	}

	var file columnConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode column config: %w", err)
	}
	return file.Objects, nil
}

func validateColumnConfig(document any) error {
	// Round trip through JSON so the validator sees plain JSON types.
	encoded, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode column config: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("encode column config: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("column_config.json", bytes.NewReader([]byte(columnConfigSchema))); err != nil {
		return fmt.Errorf("add column config schema: %w", err)
	}
	schema, err := compiler.Compile("column_config.json")
	if err != nil {
		return fmt.Errorf("compile column config schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("column config does not match schema: %w", err)
	}
	return nil
}

var _ ColumnConfigProvider = (*FileProvider)(nil)
