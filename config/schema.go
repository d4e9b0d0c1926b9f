package config

import (
	"encoding/json"
	"sync"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/schema"
	"github.com/invopop/jsonschema"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// GenerateSchema generates the JSON Schema for preview.yml.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Expand struct references instead of using $ref for a flatter schema.
		ExpandedStruct: true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
	}

	s := r.Reflect(&Config{})
	s.Title = "Grove Preview Configuration"
	s.Description = "Schema for preview.yml and preview.toml."
	s.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(s, "", "  ")
}

func schemaValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			validatorErr = err
			return
		}
		validator, validatorErr = schema.NewValidator("preview.schema.json", data)
	})
	return validator, validatorErr
}

// ValidateDocument checks raw configuration data against the generated
// schema before any defaults are applied. Unknown keys are rejected.
func ValidateDocument(data []byte, isTOML bool) error {
	v, err := schemaValidator()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build configuration schema")
	}

	expanded := []byte(expandEnvVars(string(data)))
	var raw map[string]interface{}
	if isTOML {
		if err := toml.Unmarshal(expanded, &raw); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
	} else if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	if err := v.Validate(raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "configuration does not match schema")
	}
	return nil
}
