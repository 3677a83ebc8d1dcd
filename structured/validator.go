package structured

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError is a single schema violation at a JSON path.
type ParseError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationErrors aggregates every violation found in one document.
type ValidationErrors struct {
	Errors []ParseError `json:"errors"`
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		if pe.Path == "" {
			msgs[i] = pe.Message
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", pe.Path, pe.Message)
		}
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks raw JSON against a schema and returns *ValidationErrors
// on any violation.
func Validate(data []byte, schema *JSONSchema) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationErrors{Errors: []ParseError{{Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}

	var errs []ParseError
	validateValue(doc, schema, "", &errs)
	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

func validateValue(v any, schema *JSONSchema, path string, errs *[]ParseError) {
	if schema == nil {
		return
	}

	switch schema.Type {
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			addErr(errs, path, "expected object, got %s", typeName(v))
			return
		}
		for _, req := range schema.Required {
			if _, present := obj[req]; !present {
				addErr(errs, joinPath(path, req), "required field missing")
			}
		}
		for key, val := range obj {
			propSchema, known := schema.Properties[key]
			if !known {
				if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
					addErr(errs, joinPath(path, key), "unexpected field")
				}
				continue
			}
			validateValue(val, propSchema, joinPath(path, key), errs)
		}

	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			addErr(errs, path, "expected array, got %s", typeName(v))
			return
		}
		for i, item := range arr {
			validateValue(item, schema.Items, fmt.Sprintf("%s[%d]", path, i), errs)
		}

	case TypeString:
		s, ok := v.(string)
		if !ok {
			addErr(errs, path, "expected string, got %s", typeName(v))
			return
		}
		if schema.MinLength != nil && len(s) < *schema.MinLength {
			addErr(errs, path, "string shorter than %d", *schema.MinLength)
		}
		if schema.MaxLength != nil && len(s) > *schema.MaxLength {
			addErr(errs, path, "string longer than %d", *schema.MaxLength)
		}
		validateEnum(s, schema, path, errs)

	case TypeNumber, TypeInteger:
		n, ok := v.(float64) // encoding/json decodes all numbers as float64
		if !ok {
			addErr(errs, path, "expected number, got %s", typeName(v))
			return
		}
		if schema.Type == TypeInteger && n != float64(int64(n)) {
			addErr(errs, path, "expected integer, got %v", n)
		}
		if schema.Minimum != nil && n < *schema.Minimum {
			addErr(errs, path, "value %v below minimum %v", n, *schema.Minimum)
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			addErr(errs, path, "value %v above maximum %v", n, *schema.Maximum)
		}

	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			addErr(errs, path, "expected boolean, got %s", typeName(v))
		}

	default:
		// Unconstrained schema: anything goes.
	}
}

func validateEnum(s string, schema *JSONSchema, path string, errs *[]ParseError) {
	if len(schema.Enum) == 0 {
		return
	}
	for _, allowed := range schema.Enum {
		if as, ok := allowed.(string); ok && as == s {
			return
		}
	}
	addErr(errs, path, "value %q not in enum", s)
}

func addErr(errs *[]ParseError, path, format string, args ...any) {
	*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
