// Package rulebase stores distilled principles and serves them by
// confidence-weighted similarity. Rules enter only through the distillation
// pipeline; this package guards the storage invariants (append-only
// evidence, versioned merges, visibility floor) rather than judging rule
// quality.
package rulebase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/types"
	"github.com/memloop/memloop/vecindex"
)

// RuleRecord is the relational row behind a rule.
type RuleRecord struct {
	ID            string       `gorm:"primaryKey;size:36"`
	PrincipleText string       `gorm:"type:text;not null"`
	Domain        string       `gorm:"index;size:64;not null"`
	Confidence    float64      `gorm:"not null"`
	Evidence      string       `gorm:"type:text"` // JSON-encoded []EvidenceRef
	Mandatory     bool         `gorm:"not null"`
	Embedding     types.Vector `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null"`
	LastRefinedAt time.Time    `gorm:"not null"`
	Version       int64        `gorm:"not null"`
}

// TableName maps the record to the rules table.
func (RuleRecord) TableName() string { return "rules" }

// Store is the semantic rules base.
type Store struct {
	cfg      config.RuleBaseConfig
	db       *gorm.DB
	index    vecindex.Index
	embedder embedding.Provider
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore migrates the rules table and returns the store.
func NewStore(cfg config.RuleBaseConfig, db *gorm.DB, index vecindex.Index, embedder embedding.Provider, opts ...Option) (*Store, error) {
	if err := db.AutoMigrate(&RuleRecord{}); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:      cfg,
		db:       db,
		index:    index,
		embedder: embedder,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "rule_base"))
	return s, nil
}

// Insert stores a new rule at version 1, embedding its principle text.
func (s *Store) Insert(ctx context.Context, r types.Rule) (types.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastRefinedAt.IsZero() {
		r.LastRefinedAt = now
	}
	r.Version = 1
	r.Confidence = clamp01(r.Confidence)

	vec, err := s.embedder.EmbedQuery(ctx, r.PrincipleText)
	if err != nil {
		return types.Rule{}, err
	}

	rec, err := toRuleRecord(&r, vec)
	if err != nil {
		return types.Rule{}, err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return types.Rule{}, err
	}
	if err := s.index.Upsert(ctx, r.ID, vec, map[string]any{"domain": r.Domain}); err != nil {
		s.db.WithContext(ctx).Delete(&RuleRecord{}, "id = ?", r.ID)
		return types.Rule{}, err
	}

	s.log.Info("rule inserted",
		zap.String("rule_id", r.ID),
		zap.String("domain", r.Domain),
		zap.Float64("confidence", r.Confidence))
	return r, nil
}

// Get fetches a rule by ID.
func (s *Store) Get(ctx context.Context, id string) (types.Rule, error) {
	var rec RuleRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Rule{}, types.NewError(types.ErrNotFound, "rule not found: "+id)
	}
	if err != nil {
		return types.Rule{}, err
	}
	return fromRuleRecord(&rec)
}

// Count reports how many rules are stored, including ones below the
// visibility floor.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RuleRecord{}).Count(&n).Error
	return n, err
}

// Retrieve returns up to topK rules scored by cosine similarity weighted by
// confidence. Rules under the confidence floor are invisible. When a
// priority domain is configured, its top rules are always represented even
// if the query never mentions the domain.
func (s *Store) Retrieve(ctx context.Context, queryVec types.Vector, topK int) ([]types.ScoredRule, error) {
	if topK <= 0 {
		return nil, nil
	}
	hits, err := s.index.Query(ctx, queryVec, nil, topK*4)
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredRule, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	if len(hits) > 0 {
		ids := make([]string, len(hits))
		simByID := make(map[string]float64, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
			simByID[h.ID] = h.Score
		}
		var records []RuleRecord
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
			return nil, err
		}
		for i := range records {
			rec := &records[i]
			if rec.Confidence < s.cfg.ConfidenceFloor {
				continue
			}
			rule, err := fromRuleRecord(rec)
			if err != nil {
				return nil, err
			}
			scored = append(scored, types.ScoredRule{
				Rule:  rule,
				Score: simByID[rec.ID] * rec.Confidence,
			})
			seen[rec.ID] = true
		}
	}

	sort.Slice(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	if s.cfg.PriorityDomain != "" && s.cfg.PriorityMinimum > 0 {
		have := 0
		for i := range scored {
			if scored[i].Rule.Domain == s.cfg.PriorityDomain {
				have++
			}
		}
		if have < s.cfg.PriorityMinimum {
			floor, err := s.TopRules(ctx, s.cfg.PriorityDomain, s.cfg.PriorityMinimum)
			if err != nil {
				return nil, err
			}
			for _, r := range floor {
				if have >= s.cfg.PriorityMinimum {
					break
				}
				if inScored(scored, r.ID) {
					continue
				}
				// Confidence alone scores floor entries so they sort after
				// genuinely similar rules but stay present.
				scored = append(scored, types.ScoredRule{Rule: r, Score: r.Confidence * s.cfg.ConfidenceFloor})
				have++
			}
			sort.Slice(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
		}
	}

	return scored, nil
}

// TopRules returns the domain's highest-confidence visible rules,
// mandatory rules first.
func (s *Store) TopRules(ctx context.Context, domain string, n int) ([]types.Rule, error) {
	if n <= 0 {
		return nil, nil
	}
	var records []RuleRecord
	err := s.db.WithContext(ctx).
		Where("domain = ? AND confidence >= ?", domain, s.cfg.ConfidenceFloor).
		Order("mandatory DESC").
		Order("confidence DESC").
		Limit(n).
		Find(&records).
		Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Rule, 0, len(records))
	for i := range records {
		rule, err := fromRuleRecord(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// FindSimilar returns the most similar existing rule and its cosine
// similarity, or found=false on an empty base. The distillation pipeline
// uses it to decide between merging and inserting.
func (s *Store) FindSimilar(ctx context.Context, principleVec types.Vector) (types.Rule, float64, bool, error) {
	hits, err := s.index.Query(ctx, principleVec, nil, 1)
	if err != nil {
		return types.Rule{}, 0, false, err
	}
	if len(hits) == 0 {
		return types.Rule{}, 0, false, nil
	}
	rule, err := s.Get(ctx, hits[0].ID)
	if err != nil {
		return types.Rule{}, 0, false, err
	}
	return rule, hits[0].Score, true, nil
}

// MergeInput carries the incoming near-duplicate being folded into an
// existing rule.
type MergeInput struct {
	Confidence float64
	Evidence   []types.EvidenceRef
	Mandatory  bool
}

// Merge folds an incoming rule into the stored one: confidence becomes the
// average of the two, evidence is appended, mandatory is sticky. Concurrent
// merges resolve by compare-and-swap on the version column; when retries
// are exhausted the caller gets CONSISTENCY_CONFLICT and no partial write.
func (s *Store) Merge(ctx context.Context, ruleID string, in MergeInput) (types.Rule, error) {
	retries := s.cfg.MergeRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		current, err := s.Get(ctx, ruleID)
		if err != nil {
			return types.Rule{}, err
		}

		merged := current
		merged.Confidence = clamp01((current.Confidence + clamp01(in.Confidence)) / 2)
		merged.Evidence = appendNewEvidence(current.Evidence, in.Evidence)
		merged.Mandatory = current.Mandatory || in.Mandatory
		merged.LastRefinedAt = s.now().UTC()
		merged.Version = current.Version + 1

		evidenceJSON, err := json.Marshal(merged.Evidence)
		if err != nil {
			return types.Rule{}, err
		}

		res := s.db.WithContext(ctx).
			Model(&RuleRecord{}).
			Where("id = ? AND version = ?", ruleID, current.Version).
			Updates(map[string]any{
				"confidence":      merged.Confidence,
				"evidence":        string(evidenceJSON),
				"mandatory":       merged.Mandatory,
				"last_refined_at": merged.LastRefinedAt,
				"version":         merged.Version,
			})
		if res.Error != nil {
			return types.Rule{}, res.Error
		}
		if res.RowsAffected == 1 {
			s.log.Info("rule merged",
				zap.String("rule_id", ruleID),
				zap.Int64("version", merged.Version),
				zap.Int("attempt", attempt+1))
			return merged, nil
		}
		// Lost the race; reread and retry.
	}

	return types.Rule{}, types.Errorf(types.ErrConsistencyConflict,
		"rule %s changed concurrently, gave up after %d attempts", ruleID, retries)
}

func appendNewEvidence(existing, incoming []types.EvidenceRef) []types.EvidenceRef {
	out := make([]types.EvidenceRef, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	known := make(map[types.EvidenceRef]bool, len(existing))
	for _, e := range existing {
		known[e] = true
	}
	for _, e := range incoming {
		if !known[e] {
			out = append(out, e)
			known[e] = true
		}
	}
	return out
}

func inScored(scored []types.ScoredRule, id string) bool {
	for i := range scored {
		if scored[i].Rule.ID == id {
			return true
		}
	}
	return false
}

func toRuleRecord(r *types.Rule, vec types.Vector) (RuleRecord, error) {
	evidence, err := json.Marshal(r.Evidence)
	if err != nil {
		return RuleRecord{}, err
	}
	return RuleRecord{
		ID:            r.ID,
		PrincipleText: r.PrincipleText,
		Domain:        r.Domain,
		Confidence:    r.Confidence,
		Evidence:      string(evidence),
		Mandatory:     r.Mandatory,
		Embedding:     vec,
		CreatedAt:     r.CreatedAt.UTC(),
		LastRefinedAt: r.LastRefinedAt.UTC(),
		Version:       r.Version,
	}, nil
}

func fromRuleRecord(rec *RuleRecord) (types.Rule, error) {
	var evidence []types.EvidenceRef
	if rec.Evidence != "" {
		if err := json.Unmarshal([]byte(rec.Evidence), &evidence); err != nil {
			return types.Rule{}, err
		}
	}
	return types.Rule{
		ID:            rec.ID,
		PrincipleText: rec.PrincipleText,
		Domain:        rec.Domain,
		Confidence:    rec.Confidence,
		Evidence:      evidence,
		Mandatory:     rec.Mandatory,
		CreatedAt:     rec.CreatedAt,
		LastRefinedAt: rec.LastRefinedAt,
		Version:       rec.Version,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
