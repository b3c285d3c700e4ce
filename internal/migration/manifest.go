package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchema constrains migration manifests before any step reaches the
// registry: positive integer versions, non-empty up arrays, string SQL only.
const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["version", "description", "up"],
				"additionalProperties": false,
				"properties": {
					"version": {"type": "integer", "minimum": 1},
					"description": {"type": "string", "minLength": 1},
					"up": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					},
					"down": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

type manifestStep struct {
	Version     int64    `json:"version"`
	Description string   `json:"description"`
	Up          []string `json:"up"`
	Down        []string `json:"down"`
}

type manifest struct {
	Steps []manifestStep `json:"steps"`
}

// LoadManifest reads a JSON step manifest, validates it against the manifest
// schema, and returns the steps in file order. Checksums are computed by
// NewRegistry, never trusted from the file.
func LoadManifest(path string) ([]Step, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := validateManifest(raw); err != nil {
		return nil, err
	}

	var m manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	steps := make([]Step, 0, len(m.Steps))
	for _, ms := range m.Steps {
		steps = append(steps, Step{
			Version:     ms.Version,
			Description: ms.Description,
			Up:          ms.Up,
			Down:        ms.Down,
		})
	}
	return steps, nil
}

func validateManifest(raw []byte) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(manifestSchema)))
	if err != nil {
		return fmt.Errorf("unmarshal manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", schemaDoc); err != nil {
		return fmt.Errorf("add manifest schema resource: %w", err)
	}
	schema, err := c.Compile("manifest.json")
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("manifest is not valid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("manifest schema validation failed: %v", err)}
	}
	return nil
}
