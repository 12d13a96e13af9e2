package specdoc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSchemaJSON is the v2 specification schema. The artifact
// repository carries the same schema at schemas/spec-v2.json; this copy
// backs validation when the artifact is not routed.
const DefaultSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Component Specification v2",
  "type": "object",
  "required": ["name", "capability_id", "contract_version", "components"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "capability_id": {"type": "string", "minLength": 1},
    "contract_version": {"type": "string"},
    "components": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "props": {"type": "object"}
        }
      }
    },
    "interactions": {"type": "array", "items": {"type": "string"}},
    "accessibility": {
      "type": "object",
      "properties": {
        "keyboard_support": {"type": "boolean"},
        "contrast_ratio": {"type": "string"}
      }
    },
    "constraints": {"type": "object"}
  }
}`

// SchemaValidator validates specification documents against a compiled
// JSON Schema.
type SchemaValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

func NewSchemaValidator(schemaJSON []byte) (*SchemaValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

func NewDefaultSchemaValidator() (*SchemaValidator, error) {
	return NewSchemaValidator([]byte(DefaultSchemaJSON))
}

// SchemaJSON returns the raw schema bytes.
func (v *SchemaValidator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// Validate checks the document against the schema. The returned error
// carries the validator's full failure detail.
func (v *SchemaValidator) Validate(doc *Document) error {
	canonical, err := doc.Canonical()
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(canonical)))
	if err != nil {
		return fmt.Errorf("reparse specification: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
