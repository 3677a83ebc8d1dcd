package structured

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/types"
)

// stubProvider satisfies llm.Provider for Parse tests that never hit the
// generation service.
type stubProvider struct{}

func (stubProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{}, nil
}

func (stubProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (stubProvider) Name() string { return "stub" }

type verdictPayload struct {
	WouldImprove bool    `json:"would_improve" jsonschema:"required,description=Whether the guidance helps"`
	Confidence   float64 `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
	Category     string  `json:"category" jsonschema:"enum=good|bad|neutral"`
	Notes        string  `json:"notes,omitempty"`
}

func TestSchemaForAppliesTagConstraints(t *testing.T) {
	t.Parallel()

	schema, err := SchemaFor[verdictPayload]()
	require.NoError(t, err)

	require.Equal(t, TypeObject, schema.Type)
	require.ElementsMatch(t, []string{"would_improve", "confidence"}, schema.Required)

	conf := schema.Properties["confidence"]
	require.NotNil(t, conf)
	require.Equal(t, TypeNumber, conf.Type)
	require.Equal(t, 0.0, *conf.Minimum)
	require.Equal(t, 1.0, *conf.Maximum)

	cat := schema.Properties["category"]
	require.NotNil(t, cat)
	require.ElementsMatch(t, []any{"good", "bad", "neutral"}, cat.Enum)

	require.Contains(t, schema.Properties["would_improve"].Description, "guidance")
}

func TestParseAcceptsBareJSON(t *testing.T) {
	t.Parallel()

	out, err := NewOutput[verdictPayload](stubProvider{})
	require.NoError(t, err)

	got, err := out.Parse(`{"would_improve": true, "confidence": 0.8, "category": "good"}`)
	require.NoError(t, err)
	require.True(t, got.WouldImprove)
	require.InDelta(t, 0.8, got.Confidence, 1e-9)
}

func TestParseUnwrapsCodeFence(t *testing.T) {
	t.Parallel()

	out, err := NewOutput[verdictPayload](stubProvider{})
	require.NoError(t, err)

	raw := "Here is the verdict:\n```json\n{\"would_improve\": false, \"confidence\": 0.2}\n```\nHope that helps."
	got, err := out.Parse(raw)
	require.NoError(t, err)
	require.False(t, got.WouldImprove)
}

func TestParseExtractsObjectFromProse(t *testing.T) {
	t.Parallel()

	out, err := NewOutput[verdictPayload](stubProvider{})
	require.NoError(t, err)

	got, err := out.Parse(`The answer is {"would_improve": true, "confidence": 1} as requested.`)
	require.NoError(t, err)
	require.True(t, got.WouldImprove)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	out, err := NewOutput[verdictPayload](stubProvider{})
	require.NoError(t, err)

	// Missing required field.
	_, err = out.Parse(`{"confidence": 0.5}`)
	require.True(t, types.IsCode(err, types.ErrMalformedOutput))

	// Out-of-range value.
	_, err = out.Parse(`{"would_improve": true, "confidence": 1.5}`)
	require.True(t, types.IsCode(err, types.ErrMalformedOutput))

	// Not JSON at all.
	_, err = out.Parse(`I cannot answer that.`)
	require.True(t, types.IsCode(err, types.ErrMalformedOutput))
}
