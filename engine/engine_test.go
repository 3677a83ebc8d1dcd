package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/distill"
	"github.com/memloop/memloop/internal/metrics"
	"github.com/memloop/memloop/memory"
	"github.com/memloop/memloop/retrieval"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/testutil/mocks"
	"github.com/memloop/memloop/types"
	"github.com/memloop/memloop/vecindex"
)

func newTestEngine(t *testing.T, cfg *config.Config, provider *mocks.ScriptedProvider) (*Engine, *rulebase.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	embedder := mocks.NewHashEmbedder(64)
	wm := memory.NewWorkingMemory(cfg.Memory, embedder, nil)
	reflector, err := memory.NewReflector(provider, nil)
	require.NoError(t, err)

	cases, err := casebase.NewStore(cfg.CaseBase, db,
		vecindex.NewMemoryIndex(vecindex.MemoryIndexConfig{Dimension: 64}, nil), embedder)
	require.NoError(t, err)
	rules, err := rulebase.NewStore(cfg.RuleBase, db,
		vecindex.NewMemoryIndex(vecindex.MemoryIndexConfig{Dimension: 64}, nil), embedder)
	require.NoError(t, err)

	pipeline, err := distill.NewPipeline(cfg.Distill, provider, cases, rules, embedder)
	require.NoError(t, err)

	orch := retrieval.NewOrchestrator(cfg.Retrieval, embedder, wm, cases, rules,
		retrieval.WithTokenCounter(flatCounter{}))

	collector := metrics.NewCollector("memloop_test", prometheus.NewRegistry())

	e, err := New(cfg.Memory, Deps{
		Memories:  wm,
		Reflector: reflector,
		Cases:     cases,
		Rules:     rules,
		Pipeline:  pipeline,
		Orch:      orch,
		Provider:  provider,
		Collector: collector,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, rules
}

type flatCounter struct{}

func (flatCounter) Count(string) int { return 1 }

func interaction(id string) types.Interaction {
	return types.Interaction{
		ID:            id,
		AgentID:       "agent-1",
		TaskType:      types.TaskWithdrawal,
		SituationText: "customer asked about early withdrawal",
		GuidanceText:  "led with the flexible access benefits",
		ReferenceText: "led with the penalty disclosure",
	}
}

func TestReportOutcomeSuccessRecordsCase(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, defaultTestConfig(), mocks.NewScriptedProvider())

	report, err := e.ReportOutcome(context.Background(), interaction("int-1"),
		types.Outcome{Success: true, Scores: map[string]float64{"quality": 0.9}})
	require.NoError(t, err)
	require.NotEmpty(t, report.CaseID)
	require.Nil(t, report.Distillation)

	bundle, err := e.RetrieveContext(context.Background(), retrieval.Request{
		AgentID:  "agent-1",
		Query:    "early withdrawal",
		TaskType: types.TaskWithdrawal,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Cases, 1)
	require.Equal(t, report.CaseID, bundle.Cases[0].Case.ID)
}

func TestReportOutcomeFailureLearnsRule(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"problem": "p", "root_cause": "r", "principle": "state penalties before benefits"}`),
		mocks.Reply(`{"would_improve": true, "reason": "yes"}`),
		mocks.Reply(`{"condition": "a customer asks about early withdrawal", "action": "state the penalty first", "reason": "it prevents misleading guidance"}`),
		mocks.Reply(`{"compliant": true, "general": true, "ambiguous": false, "reason": "ok"}`),
	)
	e, rules := newTestEngine(t, defaultTestConfig(), provider)

	report, err := e.ReportOutcome(context.Background(), interaction("int-1"), types.Outcome{Success: false})
	require.NoError(t, err)
	require.NotNil(t, report.Distillation)
	require.Equal(t, distill.StatusInserted, report.Distillation.Status)

	n, err := rules.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestReportOutcomeFailureDegradesSilently(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(mocks.Fail(errors.New("generation down")))
	e, rules := newTestEngine(t, defaultTestConfig(), provider)

	report, err := e.ReportOutcome(context.Background(), interaction("int-1"), types.Outcome{Success: false})
	require.NoError(t, err)
	require.Equal(t, distill.StatusAborted, report.Distillation.Status)

	n, err := rules.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAddCaseRejectsFailedOutcome(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, defaultTestConfig(), mocks.NewScriptedProvider())

	_, err := e.AddCase(context.Background(), types.Case{
		TaskType:      types.TaskGeneral,
		SituationText: "s",
		GuidanceText:  "g",
		Outcome:       types.Outcome{Success: false},
	})
	require.True(t, types.IsCode(err, types.ErrInvalidOutcome))
}

func TestReflectionTriggeredByAccumulatedImportance(t *testing.T) {
	t.Parallel()
	cfg := defaultTestConfig()
	cfg.Memory.ReflectionThreshold = 1.0
	provider := mocks.NewScriptedProvider(mocks.Reply(
		`{"insights": [{"insight": "The customer is penalty-averse above all.", "importance": 0.9}]}`))
	e, _ := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	imp := 0.8
	_, err := e.AddObservation(ctx, memory.AddRequest{
		AgentID: "agent-1", Text: "worried about penalties", Importance: &imp,
	})
	require.NoError(t, err)
	_, err = e.AddObservation(ctx, memory.AddRequest{
		AgentID: "agent-1", Text: "asked about penalty waivers", Importance: &imp,
	})
	require.NoError(t, err)

	// Close waits for the background synthesis.
	require.NoError(t, e.Close(ctx))

	bundle, err := e.RetrieveContext(ctx, retrieval.Request{
		AgentID: "agent-1",
		Query:   "penalty averse customer",
	})
	require.NoError(t, err)

	var sawReflection bool
	for _, m := range bundle.Memories {
		if m.Observation.Kind == types.ObservationReflection {
			sawReflection = true
			require.Contains(t, m.Observation.Text, "penalty-averse")
		}
	}
	require.True(t, sawReflection, "expected a synthesized reflection observation")
}

func TestClassifyTask(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"task_type": "withdrawal"}`),
		mocks.Fail(errors.New("model down")),
	)
	e, _ := newTestEngine(t, defaultTestConfig(), provider)
	ctx := context.Background()

	require.Equal(t, types.TaskWithdrawal, e.ClassifyTask(ctx, "I want to take money out early"))
	// Failures degrade to the general type.
	require.Equal(t, types.TaskGeneral, e.ClassifyTask(ctx, "anything"))
}

func defaultTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	// Keep reflection quiet unless a test opts in.
	cfg.Memory.ReflectionThreshold = 1000
	cfg.RuleBase.PriorityMinimum = 0
	return cfg
}
