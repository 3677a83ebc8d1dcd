package types

import "fmt"

// TaskType is the closed set of task labels a case or interaction can carry.
// Classification happens through one structured generation call, never
// through ordered substring checks on the situation text.
type TaskType string

const (
	TaskGeneral       TaskType = "general"
	TaskConsolidation TaskType = "consolidation"
	TaskWithdrawal    TaskType = "withdrawal"
	TaskContribution  TaskType = "contribution"
	TaskInvestment    TaskType = "investment"
	TaskCompliance    TaskType = "compliance"
)

// AllTaskTypes lists every valid task type, in a stable order.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskGeneral,
		TaskConsolidation,
		TaskWithdrawal,
		TaskContribution,
		TaskInvestment,
		TaskCompliance,
	}
}

// ParseTaskType validates a label against the closed set.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range AllTaskTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// ConversationContext is an optional situational descriptor used to re-rank
// case retrieval. All fields are free-form labels supplied by the caller.
type ConversationContext struct {
	Phase    string `json:"phase,omitempty"`    // e.g. "opening", "exploration", "resolution"
	Affect   string `json:"affect,omitempty"`   // e.g. "anxious", "neutral"
	Literacy string `json:"literacy,omitempty"` // e.g. "low", "high"
}

// Interaction describes one completed exchange as reported by the caller.
// It is the input to outcome routing: successes become cases, failures run
// the distillation pipeline.
type Interaction struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	TaskType      TaskType `json:"task_type"`
	SituationText string   `json:"situation_text"`
	GuidanceText  string   `json:"guidance_text"`
	Phase         string   `json:"phase,omitempty"`

	// ReferenceText is a superior reference answer for failed interactions.
	// When empty the pipeline derives one from the most similar stored case.
	ReferenceText string `json:"reference_text,omitempty"`
}
