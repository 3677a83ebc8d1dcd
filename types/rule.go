package types

import "time"

// EvidenceKind tells what an evidence reference points at.
type EvidenceKind string

const (
	EvidenceCase        EvidenceKind = "case"
	EvidenceInteraction EvidenceKind = "interaction"
)

// EvidenceRef is an opaque handle to a case or interaction that supports a
// rule. References are identifiers, never embedded copies, so either side
// can be pruned independently.
type EvidenceRef struct {
	Kind EvidenceKind `json:"kind"`
	ID   string       `json:"id"`
}

// Rule is a validated natural-language principle distilled from a failed
// interaction. Rules are created only by the distillation pipeline's final
// accept step and are never physically deleted; a rule whose confidence
// falls below the visibility floor stops appearing in retrieval.
type Rule struct {
	ID            string        `json:"id"`
	PrincipleText string        `json:"principle_text"`
	Domain        string        `json:"domain"`
	Confidence    float64       `json:"confidence"` // [0,1]
	Evidence      []EvidenceRef `json:"evidence"`   // append-only
	Mandatory     bool          `json:"mandatory"`
	CreatedAt     time.Time     `json:"created_at"`
	LastRefinedAt time.Time     `json:"last_refined_at"`

	// Version guards the merge path: concurrent merges on the same rule
	// resolve by compare-and-swap with retry.
	Version int64 `json:"version"`
}

// ScoredRule pairs a rule with its retrieval score (similarity weighted by
// confidence).
type ScoredRule struct {
	Rule  Rule    `json:"rule"`
	Score float64 `json:"score"`
}
