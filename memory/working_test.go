package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/testutil/mocks"
	"github.com/memloop/memloop/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingJournal struct {
	mu       sync.Mutex
	appended []types.Observation
	touched  map[string]time.Time
	warm     []types.Observation
	failNext error
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{touched: make(map[string]time.Time)}
}

func (j *recordingJournal) AppendObservations(_ context.Context, obs []types.Observation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failNext != nil {
		err := j.failNext
		j.failNext = nil
		return err
	}
	j.appended = append(j.appended, obs...)
	return nil
}

func (j *recordingJournal) TouchObservations(_ context.Context, _ string, ids []string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range ids {
		j.touched[id] = at
	}
	return nil
}

func (j *recordingJournal) LoadRecent(_ context.Context, agentID string, n int) ([]types.Observation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.Observation
	for _, o := range j.warm {
		if o.AgentID == agentID && len(out) < n {
			out = append(out, o)
		}
	}
	return out, nil
}

func (j *recordingJournal) appendedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.appended)
}

func testMemoryConfig() config.MemoryConfig {
	cfg := config.DefaultConfig().Memory
	cfg.MaxPerAgent = 100
	return cfg
}

func newTestMemory(t *testing.T, cfg config.MemoryConfig, journal Journal, clk *fakeClock) *WorkingMemory {
	t.Helper()
	return NewWorkingMemory(cfg, mocks.NewHashEmbedder(64), journal, WithClock(clk.Now))
}

func addObs(t *testing.T, wm *WorkingMemory, agentID, text string, importance float64) types.Observation {
	t.Helper()
	obs, err := wm.Add(context.Background(), AddRequest{
		AgentID:    agentID,
		Text:       text,
		Importance: &importance,
	})
	require.NoError(t, err)
	return obs
}

func TestRetrieveOrdersByDecayScore(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), nil, clk)

	addObs(t, wm, "agent-1", "the customer asked about withdrawal fees", 0.8)
	clk.Advance(30 * time.Hour)
	addObs(t, wm, "agent-1", "the customer asked about withdrawal timing", 0.8)
	clk.Advance(time.Hour)

	got, err := wm.Retrieve(context.Background(), "agent-1", "customer withdrawal question", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	require.Equal(t, "the customer asked about withdrawal timing", got[0].Observation.Text)
}

func TestOldObservationStillRetrievableButRanksFar(t *testing.T) {
	t.Parallel()
	// With the default decay rate an entry two days old keeps roughly 2%
	// of its recency weight: present in results, never near the top.
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), nil, clk)

	addObs(t, wm, "agent-1", "contribution limits discussion", 0.9)
	clk.Advance(48 * time.Hour)
	fresh := addObs(t, wm, "agent-1", "contribution limits discussion", 0.9)

	got, err := wm.Retrieve(context.Background(), "agent-1", "contribution limits", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, fresh.ID, got[0].Observation.ID)
	require.Greater(t, got[0].Score, got[1].Score*10)
}

func TestScoreFloorHidesDecayedEntries(t *testing.T) {
	t.Parallel()
	cfg := testMemoryConfig()
	cfg.ScoreFloor = 0.05
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, cfg, nil, clk)

	addObs(t, wm, "agent-1", "stale pricing note", 0.9)
	clk.Advance(48 * time.Hour)
	addObs(t, wm, "agent-1", "current pricing note", 0.9)

	got, err := wm.Retrieve(context.Background(), "agent-1", "pricing note", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "current pricing note", got[0].Observation.Text)
}

func TestAddIsVisibleBeforeFlush(t *testing.T) {
	t.Parallel()
	journal := newRecordingJournal()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), journal, clk)

	obs := addObs(t, wm, "agent-1", "fresh unflushed note", 0.7)
	require.Zero(t, journal.appendedCount())

	got, err := wm.Retrieve(context.Background(), "agent-1", "unflushed note", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, obs.ID, got[0].Observation.ID)

	require.NoError(t, wm.flushOnce(context.Background()))
	require.Equal(t, 1, journal.appendedCount())
}

func TestFlushRequeuesFailedBatch(t *testing.T) {
	t.Parallel()
	journal := newRecordingJournal()
	journal.failNext = errors.New("journal down")
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), journal, clk)

	addObs(t, wm, "agent-1", "must not be lost", 0.7)
	require.Error(t, wm.flushOnce(context.Background()))
	require.Zero(t, journal.appendedCount())

	require.NoError(t, wm.flushOnce(context.Background()))
	require.Equal(t, 1, journal.appendedCount())
}

func TestCloseWithoutStartDoesNotBlock(t *testing.T) {
	t.Parallel()
	journal := newRecordingJournal()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), journal, clk)

	addObs(t, wm, "agent-1", "buffered before any start", 0.6)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wm.Close(ctx))
	require.Equal(t, 1, journal.appendedCount())

	// No journal at all: still returns, still no error.
	bare := newTestMemory(t, testMemoryConfig(), nil, clk)
	require.NoError(t, bare.Close(ctx))
}

func TestEvictionDropsLowestWeight(t *testing.T) {
	t.Parallel()
	cfg := testMemoryConfig()
	cfg.MaxPerAgent = 2
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, cfg, nil, clk)

	addObs(t, wm, "agent-1", "low value aside", 0.1)
	keepOld := addObs(t, wm, "agent-1", "critical compliance detail", 0.95)
	clk.Advance(time.Hour)
	keepNew := addObs(t, wm, "agent-1", "new question about fees", 0.6)

	got, err := wm.Retrieve(context.Background(), "agent-1", "compliance fees aside", 10)
	require.NoError(t, err)
	ids := []string{got[0].Observation.ID}
	for _, s := range got[1:] {
		ids = append(ids, s.Observation.ID)
	}
	require.ElementsMatch(t, []string{keepOld.ID, keepNew.ID}, ids)
}

func TestRetrieveRefreshesAccessTimeInProcessOnly(t *testing.T) {
	t.Parallel()
	journal := newRecordingJournal()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), journal, clk)

	obs := addObs(t, wm, "agent-1", "note to be touched", 0.7)
	clk.Advance(2 * time.Hour)

	got, err := wm.Retrieve(context.Background(), "agent-1", "touched note", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Durable access time lags until the next flush.
	journal.mu.Lock()
	_, durablySeen := journal.touched[obs.ID]
	journal.mu.Unlock()
	require.False(t, durablySeen)

	require.NoError(t, wm.flushOnce(context.Background()))
	journal.mu.Lock()
	at := journal.touched[obs.ID]
	journal.mu.Unlock()
	require.Equal(t, clk.Now().UTC(), at)
}

func TestAccumulatedImportanceWindowsAndKinds(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, testMemoryConfig(), nil, clk)
	ctx := context.Background()

	imp := 0.8
	_, err := wm.Add(ctx, AddRequest{AgentID: "agent-1", Text: "outside window", Importance: &imp})
	require.NoError(t, err)
	clk.Advance(3 * time.Hour)

	_, err = wm.Add(ctx, AddRequest{AgentID: "agent-1", Text: "inside window", Importance: &imp})
	require.NoError(t, err)
	_, err = wm.Add(ctx, AddRequest{
		AgentID: "agent-1", Text: "a reflection", Kind: types.ObservationReflection, Importance: &imp,
	})
	require.NoError(t, err)

	got := wm.AccumulatedImportance("agent-1", 2*time.Hour)
	require.InDelta(t, 0.8, got, 1e-9)
}

func TestWarmLoadFromJournal(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	embedder := mocks.NewHashEmbedder(64)
	vec, err := embedder.EmbedQuery(context.Background(), "prior session conclusion")
	require.NoError(t, err)

	journal := newRecordingJournal()
	journal.warm = []types.Observation{{
		ID:             "warm-1",
		AgentID:        "agent-1",
		Text:           "prior session conclusion",
		Kind:           types.ObservationRaw,
		BaseImportance: 0.9,
		Embedding:      vec,
		CreatedAt:      clk.Now().Add(-time.Hour),
		LastAccessedAt: clk.Now().Add(-time.Hour),
	}}

	wm := NewWorkingMemory(testMemoryConfig(), embedder, journal, WithClock(clk.Now))
	got, err := wm.Retrieve(context.Background(), "agent-1", "prior session conclusion", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "warm-1", got[0].Observation.ID)
}

func TestRecencyDecayIsMonotonic(t *testing.T) {
	t.Parallel()
	cfg := testMemoryConfig()
	clk := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	wm := newTestMemory(t, cfg, nil, clk)

	rapid.Check(t, func(t *rapid.T) {
		younger := rapid.Float64Range(0, 200).Draw(t, "youngerHours")
		gap := rapid.Float64Range(0.001, 200).Draw(t, "gapHours")
		importance := rapid.Float64Range(0.01, 1).Draw(t, "importance")

		now := clk.Now()
		a := &types.Observation{
			BaseImportance: importance,
			CreatedAt:      now.Add(-time.Duration(younger * float64(time.Hour))),
		}
		b := &types.Observation{
			BaseImportance: importance,
			CreatedAt:      now.Add(-time.Duration((younger + gap) * float64(time.Hour))),
		}
		sa := wm.compositeScore(a, 1, now)
		sb := wm.compositeScore(b, 1, now)
		if sb > sa {
			t.Fatalf("older observation scored higher: %v > %v", sb, sa)
		}
		if math.IsNaN(sa) || math.IsNaN(sb) {
			t.Fatalf("score is NaN")
		}
	})
}

func TestRaterFailsClosedToNeutral(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(mocks.Fail(errors.New("model unavailable")))
	rater, err := NewImportanceRater(provider, nil)
	require.NoError(t, err)

	got := rater.Rate(context.Background(), "anything")
	require.InDelta(t, 0.5, got, 1e-9)
}

func TestRaterParsesRating(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"importance": 0.85, "reason": "changes the recommendation"}`))
	rater, err := NewImportanceRater(provider, nil)
	require.NoError(t, err)

	got := rater.Rate(context.Background(), "the customer plans to retire next year")
	require.InDelta(t, 0.85, got, 1e-9)
}

func TestReflectorSynthesizesInsights(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider(mocks.Reply(
		`{"insights": [{"insight": "The customer consistently prioritizes low fees over returns.", "importance": 0.9}]}`))
	reflector, err := NewReflector(provider, nil)
	require.NoError(t, err)

	window := []types.Observation{
		{Text: "asked about index fund fees", Kind: types.ObservationRaw},
		{Text: "rejected the managed portfolio due to cost", Kind: types.ObservationRaw},
	}
	insights, err := reflector.Synthesize(context.Background(), "agent-1", window)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	require.Contains(t, insights[0].Text, "low fees")
	require.InDelta(t, 0.9, insights[0].Importance, 1e-9)
}

func TestReflectorEmptyWindowSkipsModel(t *testing.T) {
	t.Parallel()
	provider := mocks.NewScriptedProvider()
	reflector, err := NewReflector(provider, nil)
	require.NoError(t, err)

	insights, err := reflector.Synthesize(context.Background(), "agent-1", nil)
	require.NoError(t, err)
	require.Empty(t, insights)
	require.Zero(t, provider.CallCount())
}
