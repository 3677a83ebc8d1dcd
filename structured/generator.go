package structured

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GenerateSchema builds a JSONSchema from a Go type using reflection.
// Struct fields use "json" tags for names and "jsonschema" tags for
// constraints:
//
//	required, enum=a|b|c, minimum=0, maximum=1,
//	minLength=1, maxLength=200, description=...
func GenerateSchema(t reflect.Type) (*JSONSchema, error) {
	return generateSchema(t, make(map[reflect.Type]bool))
}

// SchemaFor builds a JSONSchema from the type of the zero value of T.
func SchemaFor[T any]() (*JSONSchema, error) {
	var zero T
	return GenerateSchema(reflect.TypeOf(zero))
}

func generateSchema(t reflect.Type, visited map[reflect.Type]bool) (*JSONSchema, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot generate schema for nil type")
	}
	if t.Kind() == reflect.Ptr {
		return generateSchema(t.Elem(), visited)
	}
	if visited[t] {
		// Recursive types get an unconstrained object placeholder.
		return &JSONSchema{Type: TypeObject}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return NewStringSchema(), nil
	case reflect.Bool:
		return NewBooleanSchema(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewIntegerSchema(), nil
	case reflect.Float32, reflect.Float64:
		return NewNumberSchema(), nil
	case reflect.Slice, reflect.Array:
		items, err := generateSchema(t.Elem(), visited)
		if err != nil {
			return nil, fmt.Errorf("array element: %w", err)
		}
		return NewArraySchema(items), nil
	case reflect.Map:
		// Maps have open key sets; values stay unconstrained since the
		// validator only checks declared properties.
		allowed := true
		schema := NewObjectSchema()
		schema.AdditionalProperties = &allowed
		return schema, nil
	case reflect.Struct:
		return generateStructSchema(t, visited)
	case reflect.Interface:
		return &JSONSchema{}, nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", t.Kind())
	}
}

func generateStructSchema(t reflect.Type, visited map[reflect.Type]bool) (*JSONSchema, error) {
	visited[t] = true
	defer delete(visited, t)

	schema := NewObjectSchema()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := jsonFieldName(field)
		if name == "-" {
			continue
		}

		fieldSchema, err := generateSchema(field.Type, visited)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if err := applyConstraints(fieldSchema, field); err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if hasOption(field, "required") {
			schema.Required = append(schema.Required, name)
		}
		schema.Properties[name] = fieldSchema
	}
	return schema, nil
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return field.Name
	}
	return name
}

func hasOption(field reflect.StructField, option string) bool {
	_, ok := tagOptions(field.Tag.Get("jsonschema"))[option]
	return ok
}

func applyConstraints(schema *JSONSchema, field reflect.StructField) error {
	options := tagOptions(field.Tag.Get("jsonschema"))

	if desc, ok := options["description"]; ok {
		schema.Description = desc
	}
	if enumStr, ok := options["enum"]; ok {
		for _, v := range strings.Split(enumStr, "|") {
			schema.Enum = append(schema.Enum, strings.TrimSpace(v))
		}
	}
	if s, ok := options["minimum"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("minimum: %w", err)
		}
		schema.Minimum = &v
	}
	if s, ok := options["maximum"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("maximum: %w", err)
		}
		schema.Maximum = &v
	}
	if s, ok := options["minLength"]; ok {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("minLength: %w", err)
		}
		schema.MinLength = &v
	}
	if s, ok := options["maxLength"]; ok {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("maxLength: %w", err)
		}
		schema.MaxLength = &v
	}
	return nil
}

// tagOptions parses "required,enum=a|b,minimum=0" into a map. Enum values
// use "|" as the separator so commas stay available for option splitting.
func tagOptions(tag string) map[string]string {
	options := make(map[string]string)
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, "="); idx > 0 {
			options[part[:idx]] = part[idx+1:]
		} else {
			options[part] = ""
		}
	}
	return options
}
