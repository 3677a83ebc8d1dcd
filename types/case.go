package types

import "time"

// Outcome describes how a completed interaction went. The judgment itself
// (success vs failure, per-dimension scores) is supplied by the caller.
type Outcome struct {
	Success bool               `json:"success"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	Notes   string             `json:"notes,omitempty"`
}

// QualityScore returns the outcome's recorded quality metric, or 0 when
// none was reported.
func (o Outcome) QualityScore() float64 {
	return o.Scores["quality"]
}

// Case is a recorded successful interaction, retrievable by semantic
// similarity for case-based reasoning. Immutable once written except for
// LastAccessedAt. Outcome.Success is always true on a stored case; failed
// interactions become rule candidates instead.
type Case struct {
	ID             string    `json:"id"`
	TaskType       TaskType  `json:"task_type"`
	SituationText  string    `json:"situation_text"`
	GuidanceText   string    `json:"guidance_text"`
	Phase          string    `json:"phase,omitempty"` // conversation phase when recorded
	Outcome        Outcome   `json:"outcome"`
	Embedding      Vector    `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// ScoredCase pairs a case with its retrieval score.
type ScoredCase struct {
	Case  Case    `json:"case"`
	Score float64 `json:"score"`
}
