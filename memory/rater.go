package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/structured"
)

type importanceRating struct {
	Importance float64 `json:"importance" jsonschema:"required,minimum=0,maximum=1,description=How consequential this observation is for this agent's future decisions"`
	Reason     string  `json:"reason" jsonschema:"description=One sentence of justification"`
}

// ImportanceRater asks the generation service to rate a new observation.
// Rating failures never block recording: a broken rater yields a neutral
// 0.5 and the observation is kept.
type ImportanceRater struct {
	out *structured.Output[importanceRating]
	log *zap.Logger
}

// NewImportanceRater builds a rater over the given provider.
func NewImportanceRater(provider llm.Provider, log *zap.Logger) (*ImportanceRater, error) {
	out, err := structured.NewOutput[importanceRating](provider)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ImportanceRater{
		out: out,
		log: log.With(zap.String("component", "importance_rater")),
	}, nil
}

// Rate returns the model's importance estimate in [0,1], or 0.5 when the
// call fails for any reason.
func (r *ImportanceRater) Rate(ctx context.Context, text string) float64 {
	prompt := fmt.Sprintf(
		"Rate the importance of the following observation on a 0 to 1 scale, where 0 is trivial small talk and 1 is a decision-changing fact about the agent's task or counterpart.\n\nObservation:\n%s",
		text)
	rating, err := r.out.Generate(ctx, prompt)
	if err != nil {
		r.log.Warn("importance rating failed, using neutral default", zap.Error(err))
		return 0.5
	}
	return clamp01(rating.Importance)
}
