package memory

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/memloop/memloop/types"
)

// ObservationRecord is the relational row behind a journaled observation.
type ObservationRecord struct {
	ID             string                `gorm:"primaryKey;size:36"`
	AgentID        string                `gorm:"index;size:128;not null"`
	Text           string                `gorm:"type:text;not null"`
	Kind           types.ObservationKind `gorm:"size:16;not null"`
	BaseImportance float64               `gorm:"not null"`
	Embedding      types.Vector          `gorm:"type:text"`
	CreatedAt      time.Time             `gorm:"index;not null"`
	LastAccessedAt time.Time             `gorm:"not null"`
}

// TableName maps the record to the observations table.
func (ObservationRecord) TableName() string { return "observations" }

// GormJournal persists observations in the relational store, for
// single-store deployments that skip Redis.
type GormJournal struct {
	db *gorm.DB
}

// NewGormJournal migrates the observations table and returns the journal.
func NewGormJournal(db *gorm.DB) (*GormJournal, error) {
	if err := db.AutoMigrate(&ObservationRecord{}); err != nil {
		return nil, err
	}
	return &GormJournal{db: db}, nil
}

// AppendObservations inserts a batch in one statement.
func (j *GormJournal) AppendObservations(ctx context.Context, obs []types.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	records := make([]ObservationRecord, len(obs))
	for i := range obs {
		records[i] = toRecord(&obs[i])
	}
	return j.db.WithContext(ctx).Create(&records).Error
}

// TouchObservations bulk-updates access times for the agent's entries.
func (j *GormJournal) TouchObservations(ctx context.Context, agentID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return j.db.WithContext(ctx).
		Model(&ObservationRecord{}).
		Where("agent_id = ? AND id IN ?", agentID, ids).
		Update("last_accessed_at", at.UTC()).
		Error
}

// LoadRecent fetches a recency-bounded window and re-ranks it in Go by the
// combined importance/recency key, keeping the SQL portable across drivers.
func (j *GormJournal) LoadRecent(ctx context.Context, agentID string, n int) ([]types.Observation, error) {
	if n <= 0 {
		return nil, nil
	}
	var records []ObservationRecord
	err := j.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(n * 4).
		Find(&records).
		Error
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(a, b int) bool {
		return recordRank(&records[a]) > recordRank(&records[b])
	})
	if len(records) > n {
		records = records[:n]
	}

	out := make([]types.Observation, len(records))
	for i := range records {
		out[i] = fromRecord(&records[i])
	}
	return out, nil
}

func recordRank(r *ObservationRecord) float64 {
	return float64(r.CreatedAt.Unix()) + r.BaseImportance*importanceBiasSeconds
}

func toRecord(o *types.Observation) ObservationRecord {
	return ObservationRecord{
		ID:             o.ID,
		AgentID:        o.AgentID,
		Text:           o.Text,
		Kind:           o.Kind,
		BaseImportance: o.BaseImportance,
		Embedding:      o.Embedding,
		CreatedAt:      o.CreatedAt.UTC(),
		LastAccessedAt: o.LastAccessedAt.UTC(),
	}
}

func fromRecord(r *ObservationRecord) types.Observation {
	return types.Observation{
		ID:             r.ID,
		AgentID:        r.AgentID,
		Text:           r.Text,
		Kind:           r.Kind,
		BaseImportance: r.BaseImportance,
		Embedding:      r.Embedding,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
	}
}
