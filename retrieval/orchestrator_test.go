package retrieval

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/memory"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/testutil/mocks"
	"github.com/memloop/memloop/types"
	"github.com/memloop/memloop/vecindex"
)

type countingEmbedder struct {
	embedding.Provider
	queries atomic.Int64
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) (types.Vector, error) {
	c.queries.Add(1)
	return c.Provider.EmbedQuery(ctx, text)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type fixture struct {
	orch     *Orchestrator
	memories *memory.WorkingMemory
	cases    *casebase.Store
	rules    *rulebase.Store
	caseDB   *gorm.DB
	embedder *countingEmbedder
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newFixture(t *testing.T, cfg config.RetrievalConfig) *fixture {
	t.Helper()
	embedder := &countingEmbedder{Provider: mocks.NewHashEmbedder(64)}

	wm := memory.NewWorkingMemory(config.DefaultConfig().Memory, embedder, nil)

	caseDB := openDB(t)
	cases, err := casebase.NewStore(config.DefaultConfig().CaseBase, caseDB,
		vecindex.NewMemoryIndex(vecindex.MemoryIndexConfig{Dimension: 64}, nil), embedder)
	require.NoError(t, err)

	ruleCfg := config.DefaultConfig().RuleBase
	ruleCfg.PriorityMinimum = 0
	rules, err := rulebase.NewStore(ruleCfg, openDB(t),
		vecindex.NewMemoryIndex(vecindex.MemoryIndexConfig{Dimension: 64}, nil), embedder)
	require.NoError(t, err)

	orch := NewOrchestrator(cfg, embedder, wm, cases, rules, WithTokenCounter(wordCounter{}))
	return &fixture{orch: orch, memories: wm, cases: cases, rules: rules, caseDB: caseDB, embedder: embedder}
}

func seed(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	imp := 0.8
	_, err := f.memories.Add(ctx, memory.AddRequest{
		AgentID:    "agent-1",
		Text:       "customer mentioned early withdrawal concerns",
		Importance: &imp,
	})
	require.NoError(t, err)

	_, err = f.cases.Add(ctx, types.Case{
		TaskType:      types.TaskWithdrawal,
		SituationText: "customer asked about early withdrawal penalties",
		GuidanceText:  "explained the penalty schedule first",
		Outcome:       types.Outcome{Success: true, Scores: map[string]float64{"quality": 0.9}},
	})
	require.NoError(t, err)

	_, err = f.rules.Insert(ctx, types.Rule{
		PrincipleText: "When a customer asks about early withdrawal, state the penalty before any benefit, because omitting it misleads them.",
		Domain:        "withdrawal",
		Confidence:    0.9,
	})
	require.NoError(t, err)
}

func request() Request {
	return Request{
		AgentID:  "agent-1",
		Query:    "early withdrawal penalty question",
		TaskType: types.TaskWithdrawal,
	}
}

func TestRetrieveContextBlendsAllStores(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DefaultConfig().Retrieval)
	seed(t, f)

	bundle, err := f.orch.RetrieveContext(context.Background(), request())
	require.NoError(t, err)
	require.False(t, bundle.Degraded)
	require.Empty(t, bundle.FailedSources)
	require.Len(t, bundle.Memories, 1)
	require.Len(t, bundle.Cases, 1)
	require.Len(t, bundle.Rules, 1)
}

func TestQueryEmbeddedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DefaultConfig().Retrieval)
	seed(t, f)
	before := f.embedder.queries.Load()

	_, err := f.orch.RetrieveContext(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, before+1, f.embedder.queries.Load())
}

func TestDegradedWhenOneStoreFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DefaultConfig().Retrieval)
	seed(t, f)

	sqlDB, err := f.caseDB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	bundle, err := f.orch.RetrieveContext(context.Background(), request())
	require.NoError(t, err)
	require.True(t, bundle.Degraded)
	require.Equal(t, []string{SourceCases}, bundle.FailedSources)
	require.Empty(t, bundle.Cases)
	// The healthy stores still answered.
	require.Len(t, bundle.Memories, 1)
	require.Len(t, bundle.Rules, 1)
}

func TestCancelledRetrievalReturnsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DefaultConfig().Retrieval)
	seed(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bundle, err := f.orch.RetrieveContext(ctx, request())
	require.Error(t, err)
	require.Nil(t, bundle)
}

func TestTokenBudgetSpendsRulesFirst(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().Retrieval
	cfg.TokenBudget = 20 // the 18-word rule fits, nothing else does
	f := newFixture(t, cfg)
	seed(t, f)

	bundle, err := f.orch.RetrieveContext(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, bundle.Rules, 1)
	require.Empty(t, bundle.Cases)
	require.Empty(t, bundle.Memories)
	require.LessOrEqual(t, bundle.TokensUsed, cfg.TokenBudget)
	require.Positive(t, bundle.TokensUsed)
}

func TestZeroBudgetDisablesTrimming(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().Retrieval
	cfg.TokenBudget = 0
	f := newFixture(t, cfg)
	seed(t, f)

	bundle, err := f.orch.RetrieveContext(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, bundle.Memories, 1)
	require.Len(t, bundle.Cases, 1)
	require.Len(t, bundle.Rules, 1)
	require.Zero(t, bundle.TokensUsed)
}
