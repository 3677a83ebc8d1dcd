package rulebase

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/testutil/mocks"
	"github.com/memloop/memloop/types"
	"github.com/memloop/memloop/vecindex"
)

func newTestStore(t *testing.T, cfg config.RuleBaseConfig) (*Store, *mocks.HashEmbedder, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	embedder := mocks.NewHashEmbedder(64)
	index := vecindex.NewMemoryIndex(vecindex.MemoryIndexConfig{Dimension: 64}, nil)
	s, err := NewStore(cfg, db, index, embedder)
	require.NoError(t, err)
	return s, embedder, db
}

func rule(text, domain string, confidence float64) types.Rule {
	return types.Rule{
		PrincipleText: text,
		Domain:        domain,
		Confidence:    confidence,
		Evidence:      []types.EvidenceRef{{Kind: types.EvidenceInteraction, ID: "int-1"}},
	}
}

func embed(t *testing.T, e *mocks.HashEmbedder, text string) types.Vector {
	t.Helper()
	v, err := e.EmbedQuery(context.Background(), text)
	require.NoError(t, err)
	return v
}

func TestRetrieveWeighsSimilarityByConfidence(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	cfg.PriorityMinimum = 0
	s, embedder, _ := newTestStore(t, cfg)
	ctx := context.Background()

	weak, err := s.Insert(ctx, rule("When quoting fees, always cite the current schedule", "fees", 0.4))
	require.NoError(t, err)
	strong, err := s.Insert(ctx, rule("When quoting fees, always cite the current schedule", "fees", 0.9))
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, embed(t, embedder, "quoting fees current schedule"), 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, strong.ID, got[0].Rule.ID)
	require.Equal(t, weak.ID, got[1].Rule.ID)
	// Identical similarity, so the score ratio is the confidence ratio.
	require.InDelta(t, 0.9/0.4, got[0].Score/got[1].Score, 1e-6)
}

func TestConfidenceFloorHidesButKeepsRules(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	cfg.ConfidenceFloor = 0.3
	cfg.PriorityMinimum = 0
	s, embedder, _ := newTestStore(t, cfg)
	ctx := context.Background()

	hidden, err := s.Insert(ctx, rule("When unsure, escalate to a human advisor", "general", 0.1))
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, embed(t, embedder, "unsure escalate human advisor"), 5)
	require.NoError(t, err)
	require.Empty(t, got)

	// Still stored: refinement can resurface it later.
	stored, err := s.Get(ctx, hidden.ID)
	require.NoError(t, err)
	require.Equal(t, hidden.PrincipleText, stored.PrincipleText)
}

func TestPriorityDomainFloorAlwaysRepresented(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	cfg.PriorityDomain = "compliance"
	cfg.PriorityMinimum = 1
	s, embedder, _ := newTestStore(t, cfg)
	ctx := context.Background()

	compliance, err := s.Insert(ctx, rule(
		"When a customer requests a withdrawal, verify identity documents first",
		"compliance", 0.95))
	require.NoError(t, err)
	_, err = s.Insert(ctx, rule(
		"When discussing funds, mention the expense ratio",
		"fees", 0.8))
	require.NoError(t, err)

	// Query has nothing to do with compliance.
	got, err := s.Retrieve(ctx, embed(t, embedder, "discussing funds expense ratio"), 5)
	require.NoError(t, err)

	var found bool
	for _, r := range got {
		if r.Rule.ID == compliance.ID {
			found = true
		}
	}
	require.True(t, found, "priority-domain rule missing from results")
	require.NotEqual(t, compliance.ID, got[0].Rule.ID, "floor entry should not outrank topical match")
}

func TestTopRulesOrdersMandatoryFirst(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	s, _, _ := newTestStore(t, cfg)
	ctx := context.Background()

	_, err := s.Insert(ctx, rule("When asked about tax, defer to a licensed professional", "compliance", 0.9))
	require.NoError(t, err)
	mandatory := rule("When processing transfers, log the authorization reference", "compliance", 0.6)
	mandatory.Mandatory = true
	want, err := s.Insert(ctx, mandatory)
	require.NoError(t, err)

	got, err := s.TopRules(ctx, "compliance", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, want.ID, got[0].ID)
}

func TestMergeAveragesConfidenceAndAppendsEvidence(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	s, _, _ := newTestStore(t, cfg)
	ctx := context.Background()

	base, err := s.Insert(ctx, rule("When a customer mentions retirement age, confirm the payout horizon", "planning", 0.6))
	require.NoError(t, err)

	merged, err := s.Merge(ctx, base.ID, MergeInput{
		Confidence: 0.8,
		Evidence:   []types.EvidenceRef{{Kind: types.EvidenceInteraction, ID: "int-2"}},
	})
	require.NoError(t, err)
	require.InDelta(t, 0.7, merged.Confidence, 1e-9)
	require.Len(t, merged.Evidence, 2)
	require.Equal(t, base.Version+1, merged.Version)

	// Re-merging the same evidence must not duplicate it.
	again, err := s.Merge(ctx, base.ID, MergeInput{
		Confidence: 0.7,
		Evidence:   []types.EvidenceRef{{Kind: types.EvidenceInteraction, ID: "int-2"}},
	})
	require.NoError(t, err)
	require.Len(t, again.Evidence, 2)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMergeMandatoryIsSticky(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	s, _, _ := newTestStore(t, cfg)
	ctx := context.Background()

	mandatory := rule("When handling disputes, capture a written summary", "compliance", 0.7)
	mandatory.Mandatory = true
	base, err := s.Insert(ctx, mandatory)
	require.NoError(t, err)

	merged, err := s.Merge(ctx, base.ID, MergeInput{Confidence: 0.5, Mandatory: false})
	require.NoError(t, err)
	require.True(t, merged.Mandatory)
}

func TestMergeConflictAfterRetriesExhausted(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	cfg.MergeRetries = 2
	s, _, db := newTestStore(t, cfg)
	ctx := context.Background()

	base, err := s.Insert(ctx, rule("When confirming orders, restate the amount", "general", 0.5))
	require.NoError(t, err)

	// Bump the version under every attempt so the compare-and-swap always
	// loses, as if another writer kept winning the race. The bump goes
	// through the update's own session: with in-memory sqlite every pooled
	// connection is a separate database, so a raw Exec would miss the store.
	require.NoError(t, db.Callback().Update().Before("gorm:update").
		Register("test_concurrent_bump", func(tx *gorm.DB) {
			_ = tx.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE rules SET version = version + 1 WHERE id = ?", base.ID).Error
		}))

	_, err = s.Merge(ctx, base.ID, MergeInput{Confidence: 0.9})
	require.Error(t, err)
	require.True(t, types.IsCode(err, types.ErrConsistencyConflict))
}

func TestFindSimilarReturnsNearestRule(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().RuleBase
	s, embedder, _ := newTestStore(t, cfg)
	ctx := context.Background()

	_, found, err := findSimilarHelper(ctx, s, embed(t, embedder, "anything"))
	require.NoError(t, err)
	require.False(t, found)

	inserted, err := s.Insert(ctx, rule("When closing a call, summarize agreed next steps", "general", 0.8))
	require.NoError(t, err)

	got, sim, found, err := s.FindSimilar(ctx, embed(t, embedder, "When closing a call, summarize agreed next steps"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, inserted.ID, got.ID)
	require.InDelta(t, 1.0, sim, 1e-6)
}

func findSimilarHelper(ctx context.Context, s *Store, v types.Vector) (types.Rule, bool, error) {
	r, _, found, err := s.FindSimilar(ctx, v)
	return r, found, err
}
