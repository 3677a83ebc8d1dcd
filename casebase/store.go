// Package casebase stores successful interactions as retrievable cases.
// Situation and guidance are embedded together so two cases with the same
// situation but opposite resolutions land apart in vector space. Failed
// outcomes are never admitted; they belong to the distillation path.
package casebase

import (
	"context"
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

// CaseRecord is the relational row behind a case.
type CaseRecord struct {
	ID             string         `gorm:"primaryKey;size:36"`
	TaskType       types.TaskType `gorm:"index;size:32;not null"`
	SituationText  string         `gorm:"type:text;not null"`
	GuidanceText   string         `gorm:"type:text;not null"`
	Phase          string         `gorm:"size:64"`
	Success        bool           `gorm:"not null"`
	QualityScore   float64        `gorm:"not null"`
	OutcomeNotes   string         `gorm:"type:text"`
	Embedding      types.Vector   `gorm:"type:text"`
	CreatedAt      time.Time      `gorm:"not null"`
	LastAccessedAt time.Time      `gorm:"index;not null"`
}

// TableName maps the record to the cases table.
func (CaseRecord) TableName() string { return "cases" }

// Store is the episodic case base: relational rows plus a vector index
// keyed by case ID.
type Store struct {
	cfg      config.CaseBaseConfig
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

// NewStore migrates the cases table and returns the store.
func NewStore(cfg config.CaseBaseConfig, db *gorm.DB, index vecindex.Index, embedder embedding.Provider, opts ...Option) (*Store, error) {
	if err := db.AutoMigrate(&CaseRecord{}); err != nil {
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
	s.log = s.log.With(zap.String("component", "case_base"))
	return s, nil
}

// embeddingText is what gets vectorized: the situation and its resolution
// together, separated so the halves stay distinguishable.
func embeddingText(situation, guidance string) string {
	return situation + "\n---\n" + guidance
}

// Add records one successful case. A failed outcome or a case missing its
// required fields is rejected with INVALID_OUTCOME and the store is left
// unchanged.
func (s *Store) Add(ctx context.Context, c types.Case) (types.Case, error) {
	if !c.Outcome.Success {
		return types.Case{}, types.NewError(types.ErrInvalidOutcome,
			"case base only admits successful outcomes")
	}
	if c.SituationText == "" || c.GuidanceText == "" {
		return types.Case{}, types.NewError(types.ErrInvalidOutcome,
			"case requires situation and guidance text")
	}
	if c.TaskType == "" {
		return types.Case{}, types.NewError(types.ErrInvalidOutcome,
			"case requires a task type")
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.LastAccessedAt = now

	if len(c.Embedding) == 0 {
		vec, err := s.embedder.EmbedQuery(ctx, embeddingText(c.SituationText, c.GuidanceText))
		if err != nil {
			return types.Case{}, err
		}
		c.Embedding = vec
	}

	rec := toCaseRecord(&c)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return types.Case{}, err
	}
	if err := s.index.Upsert(ctx, c.ID, c.Embedding, map[string]any{
		"task_type": string(c.TaskType),
	}); err != nil {
		// Keep row and index consistent: a case invisible to similarity
		// search is not a stored case.
		s.db.WithContext(ctx).Delete(&CaseRecord{}, "id = ?", c.ID)
		return types.Case{}, err
	}

	s.log.Debug("case added",
		zap.String("case_id", c.ID),
		zap.String("task_type", string(c.TaskType)))
	return c, nil
}

// Import bulk-seeds cases, typically from an export of another deployment.
// Each case passes the same outcome gate as Add; the first failure aborts
// and reports how many were admitted.
func (s *Store) Import(ctx context.Context, cases []types.Case) (int, error) {
	for i := range cases {
		if _, err := s.Add(ctx, cases[i]); err != nil {
			return i, err
		}
	}
	return len(cases), nil
}

// Query describes one retrieval against the case base.
type Query struct {
	Text     string
	Vector   types.Vector // used instead of Text when non-empty
	TaskType types.TaskType
	// Phase, when set, boosts cases recorded in the same conversation phase.
	Phase string
	TopK  int
}

// Retrieve returns the top-k cases by boosted similarity. Base score is
// cosine similarity; matching phase and high-quality outcomes each add a
// configured boost. Ties break toward the most recently accessed case.
func (s *Store) Retrieve(ctx context.Context, q Query) ([]types.ScoredCase, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	qv := q.Vector
	if len(qv) == 0 {
		var err error
		if qv, err = s.embedder.EmbedQuery(ctx, q.Text); err != nil {
			return nil, err
		}
	}

	var filter map[string]any
	if q.TaskType != "" {
		filter = map[string]any{"task_type": string(q.TaskType)}
	}
	// Over-fetch so boosts and staleness filtering can reorder past k.
	hits, err := s.index.Query(ctx, qv, filter, q.TopK*4)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	simByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		simByID[h.ID] = h.Score
	}

	var records []CaseRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}

	now := s.now().UTC()
	scored := make([]types.ScoredCase, 0, len(records))
	for i := range records {
		rec := &records[i]
		if s.cfg.StaleAfter > 0 && now.Sub(rec.LastAccessedAt) > s.cfg.StaleAfter {
			continue
		}
		score := simByID[rec.ID]
		if q.Phase != "" && rec.Phase == q.Phase {
			score += s.cfg.PhaseBoost
		}
		if rec.QualityScore >= s.cfg.QualityThreshold {
			score += s.cfg.QualityBoost
		}
		scored = append(scored, types.ScoredCase{Case: fromCaseRecord(rec), Score: score})
	}

	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return scored[a].Case.LastAccessedAt.After(scored[b].Case.LastAccessedAt)
	})
	if len(scored) > q.TopK {
		scored = scored[:q.TopK]
	}

	s.touch(ctx, scored, now)
	return scored, nil
}

// Get fetches a single case by ID without refreshing its access time.
func (s *Store) Get(ctx context.Context, id string) (types.Case, error) {
	var rec CaseRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Case{}, types.NewError(types.ErrNotFound, "case not found: "+id)
	}
	if err != nil {
		return types.Case{}, err
	}
	return fromCaseRecord(&rec), nil
}

// Count reports how many cases are stored.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&CaseRecord{}).Count(&n).Error
	return n, err
}

// PruneStale deletes cases unaccessed for longer than the configured
// staleness window. A zero window makes this a no-op.
func (s *Store) PruneStale(ctx context.Context) (int64, error) {
	if s.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.cfg.StaleAfter)

	var victims []CaseRecord
	if err := s.db.WithContext(ctx).
		Select("id").
		Where("last_accessed_at < ?", cutoff).
		Find(&victims).Error; err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("last_accessed_at < ?", cutoff).Delete(&CaseRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	for i := range victims {
		if err := s.index.Delete(ctx, victims[i].ID); err != nil {
			s.log.Warn("failed to drop pruned case from index",
				zap.String("case_id", victims[i].ID), zap.Error(err))
		}
	}
	s.log.Info("pruned stale cases", zap.Int64("count", res.RowsAffected))
	return res.RowsAffected, nil
}

// touch refreshes access times for returned cases. Retrieval results carry
// the pre-touch timestamps; durable access times may lag one retrieval.
func (s *Store) touch(ctx context.Context, scored []types.ScoredCase, now time.Time) {
	if len(scored) == 0 {
		return
	}
	ids := make([]string, len(scored))
	for i := range scored {
		ids[i] = scored[i].Case.ID
	}
	if err := s.db.WithContext(ctx).
		Model(&CaseRecord{}).
		Where("id IN ?", ids).
		Update("last_accessed_at", now).Error; err != nil {
		s.log.Warn("case touch failed", zap.Error(err))
	}
}

func toCaseRecord(c *types.Case) CaseRecord {
	return CaseRecord{
		ID:             c.ID,
		TaskType:       c.TaskType,
		SituationText:  c.SituationText,
		GuidanceText:   c.GuidanceText,
		Phase:          c.Phase,
		Success:        c.Outcome.Success,
		QualityScore:   c.Outcome.QualityScore(),
		OutcomeNotes:   c.Outcome.Notes,
		Embedding:      c.Embedding,
		CreatedAt:      c.CreatedAt.UTC(),
		LastAccessedAt: c.LastAccessedAt.UTC(),
	}
}

func fromCaseRecord(r *CaseRecord) types.Case {
	scores := map[string]float64{}
	if r.QualityScore != 0 {
		scores["quality"] = r.QualityScore
	}
	return types.Case{
		ID:            r.ID,
		TaskType:      r.TaskType,
		SituationText: r.SituationText,
		GuidanceText:  r.GuidanceText,
		Phase:         r.Phase,
		Outcome: types.Outcome{
			Success: r.Success,
			Scores:  scores,
			Notes:   r.OutcomeNotes,
		},
		Embedding:      r.Embedding,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
	}
}
