package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/types"
)

// Output generates schema-validated values of type T from the generation
// service. The schema is derived from T once at construction.
type Output[T any] struct {
	schema   *JSONSchema
	provider llm.Provider
}

// NewOutput builds an Output handler for T, generating its schema by
// reflection.
func NewOutput[T any](provider llm.Provider) (*Output[T], error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	schema, err := SchemaFor[T]()
	if err != nil {
		var zero T
		return nil, fmt.Errorf("generate schema for %T: %w", zero, err)
	}
	return &Output[T]{schema: schema, provider: provider}, nil
}

// Schema returns the derived JSON Schema.
func (o *Output[T]) Schema() *JSONSchema { return o.schema }

// Generate runs a completion constrained to the schema and parses the
// result. A response that fails schema validation yields a MALFORMED_OUTPUT
// error; transport failures pass through as-is.
func (o *Output[T]) Generate(ctx context.Context, prompt string) (*T, error) {
	schemaJSON, err := o.schema.ToJSONIndent()
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: buildSchemaPrompt(schemaJSON)},
			{Role: llm.RoleUser, Content: prompt},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	return o.Parse(resp.Text())
}

// Parse extracts, validates, and decodes a raw generation response.
func (o *Output[T]) Parse(raw string) (*T, error) {
	jsonStr := extractJSON(raw)

	if err := Validate([]byte(jsonStr), o.schema); err != nil {
		return nil, types.NewError(types.ErrMalformedOutput, "generation output failed schema validation").
			WithCause(err)
	}

	var value T
	if err := json.Unmarshal([]byte(jsonStr), &value); err != nil {
		return nil, types.NewError(types.ErrMalformedOutput, "generation output is not decodable").
			WithCause(err)
	}
	return &value, nil
}

func buildSchemaPrompt(schemaJSON string) string {
	var sb strings.Builder
	sb.WriteString("You must respond with a single JSON object conforming to this JSON Schema.\n")
	sb.WriteString("Do not include any text before or after the JSON.\n\n")
	sb.WriteString(schemaJSON)
	return sb.String()
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON pulls the JSON body out of a response that may wrap it in a
// markdown code fence or surrounding prose.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.Contains(response, "```") {
		if matches := codeFenceRe.FindStringSubmatch(response); len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}

	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start >= 0 && end > start {
		return response[start : end+1]
	}
	if start, end := strings.Index(response, "["), strings.LastIndex(response, "]"); start >= 0 && end > start {
		return response[start : end+1]
	}
	return response
}
