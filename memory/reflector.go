package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/structured"
	"github.com/memloop/memloop/types"
)

type reflectionInsight struct {
	Insight    string  `json:"insight" jsonschema:"required,minLength=1,description=A higher-level conclusion drawn from the observations"`
	Importance float64 `json:"importance" jsonschema:"required,minimum=0,maximum=1"`
}

type reflectionBatch struct {
	Insights []reflectionInsight `json:"insights" jsonschema:"required,description=Between one and three insights"`
}

// Reflector condenses a window of recent observations into a small number
// of higher-level insights, which the caller records back into working
// memory as reflection observations.
type Reflector struct {
	out *structured.Output[reflectionBatch]
	log *zap.Logger
}

// NewReflector builds a reflector over the given provider.
func NewReflector(provider llm.Provider, log *zap.Logger) (*Reflector, error) {
	out, err := structured.NewOutput[reflectionBatch](provider)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reflector{
		out: out,
		log: log.With(zap.String("component", "reflector")),
	}, nil
}

// Insight is one synthesized conclusion ready to record.
type Insight struct {
	Text       string
	Importance float64
}

// Synthesize derives up to three insights from the window. An empty window
// yields no insights and no model call.
func (r *Reflector) Synthesize(ctx context.Context, agentID string, window []types.Observation) ([]Insight, error) {
	if len(window) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Recent observations for agent ")
	b.WriteString(agentID)
	b.WriteString(", oldest first:\n")
	for _, o := range window {
		b.WriteString("- [")
		b.WriteString(string(o.Kind))
		b.WriteString("] ")
		b.WriteString(o.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nDraw one to three higher-level insights that would help this agent in future interactions. Prefer conclusions about goals, preferences or recurring patterns over restatements of single observations.")

	batch, err := r.out.Generate(ctx, b.String())
	if err != nil {
		return nil, err
	}

	insights := make([]Insight, 0, len(batch.Insights))
	for _, in := range batch.Insights {
		if strings.TrimSpace(in.Insight) == "" {
			continue
		}
		insights = append(insights, Insight{
			Text:       in.Insight,
			Importance: clamp01(in.Importance),
		})
	}
	r.log.Debug("reflection synthesized",
		zap.String("agent_id", agentID),
		zap.Int("window_size", len(window)),
		zap.Int("insights", len(insights)))
	return insights, nil
}
