package types

import "time"

// ObservationKind classifies an observation in working memory.
type ObservationKind string

const (
	ObservationRaw        ObservationKind = "raw"        // recorded directly from the interaction
	ObservationReflection ObservationKind = "reflection" // synthesized from recent raw observations
	ObservationPlan       ObservationKind = "plan"       // an intent the agent committed to
)

// Observation is a single timestamped memory unit owned by one agent's
// working memory. Observations are never deleted; once their decayed weight
// falls below the retrieval floor they simply stop appearing in results.
type Observation struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	Text           string          `json:"text"`
	Kind           ObservationKind `json:"kind"`
	BaseImportance float64         `json:"base_importance"` // [0,1]
	Embedding      Vector          `json:"embedding,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
}

// ScoredObservation pairs an observation with its instantaneous retrieval
// score at query time.
type ScoredObservation struct {
	Observation Observation `json:"observation"`
	Score       float64     `json:"score"`
}
