// Package structured provides schema-validated structured output on top of
// the generation service. Every judgment call in the module (importance
// rating, reflection, validation verdicts, refinement, final judgment, task
// classification) goes through this package; free-text pattern matching on
// generation output is deliberately not supported.
package structured

import "encoding/json"

// SchemaType is a JSON Schema primitive type.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
)

// JSONSchema is the subset of JSON Schema the module generates and
// validates: enough for flat-to-moderately-nested result objects.
type JSONSchema struct {
	Type        SchemaType             `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []any                  `json:"enum,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`

	// AdditionalProperties, when non-nil and false, rejects unknown keys.
	AdditionalProperties *bool `json:"additionalProperties,omitempty"`
}

// NewObjectSchema creates an empty object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{Type: TypeObject, Properties: make(map[string]*JSONSchema)}
}

// NewStringSchema creates a string schema.
func NewStringSchema() *JSONSchema { return &JSONSchema{Type: TypeString} }

// NewNumberSchema creates a number schema.
func NewNumberSchema() *JSONSchema { return &JSONSchema{Type: TypeNumber} }

// NewIntegerSchema creates an integer schema.
func NewIntegerSchema() *JSONSchema { return &JSONSchema{Type: TypeInteger} }

// NewBooleanSchema creates a boolean schema.
func NewBooleanSchema() *JSONSchema { return &JSONSchema{Type: TypeBoolean} }

// NewArraySchema creates an array schema with the given item schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: TypeArray, Items: items}
}

// ToJSONIndent renders the schema as indented JSON for prompt embedding.
func (s *JSONSchema) ToJSONIndent() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
