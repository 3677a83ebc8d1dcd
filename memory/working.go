package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/types"
)

// WorkingMemory is the per-agent short-term store. New observations are
// visible to retrieval immediately and journaled asynchronously in batches.
type WorkingMemory struct {
	cfg      config.MemoryConfig
	embedder embedding.Provider
	journal  Journal
	rater    *ImportanceRater
	log      *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentSet

	flushMu      sync.Mutex
	pendingAdds  []types.Observation
	pendingTouch map[string]map[string]time.Time // agentID -> observation ID -> access time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type agentSet struct {
	obs map[string]*types.Observation
}

// Option configures a WorkingMemory.
type Option func(*WorkingMemory)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *WorkingMemory) { w.log = log }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *WorkingMemory) { w.now = now }
}

// WithRater sets the model-backed importance rater. Without one, unrated
// observations default to 0.5.
func WithRater(r *ImportanceRater) Option {
	return func(w *WorkingMemory) { w.rater = r }
}

// NewWorkingMemory builds a working memory over the given embedder and
// journal. A nil journal disables durable flushing.
func NewWorkingMemory(cfg config.MemoryConfig, embedder embedding.Provider, journal Journal, opts ...Option) *WorkingMemory {
	w := &WorkingMemory{
		cfg:          cfg,
		embedder:     embedder,
		journal:      journal,
		log:          zap.NewNop(),
		now:          time.Now,
		agents:       make(map[string]*agentSet),
		pendingTouch: make(map[string]map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(zap.String("component", "working_memory"))
	return w
}

// Start launches the background flush loop. Safe to call once; without a
// journal it is a no-op.
func (w *WorkingMemory) Start() {
	w.startOnce.Do(func() {
		if w.journal == nil {
			close(w.doneCh)
			return
		}
		go w.flushLoop()
	})
}

// Close stops the flush loop and performs a final synchronous flush. Safe
// to call without a prior Start.
func (w *WorkingMemory) Close(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		// Ensure doneCh has an owner even when Start was never called.
		w.Start()
		close(w.stopCh)
		select {
		case <-w.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = w.flushOnce(ctx)
	})
	return err
}

// AddRequest describes one observation to record.
type AddRequest struct {
	AgentID string
	Text    string
	Kind    types.ObservationKind
	// Importance overrides model rating when non-nil. Must be in [0,1].
	Importance *float64
}

// Add records an observation. The entry is retrievable as soon as Add
// returns, before any journal flush. Importance rating failures degrade to
// a neutral 0.5 rather than dropping the observation.
func (w *WorkingMemory) Add(ctx context.Context, req AddRequest) (types.Observation, error) {
	if req.Kind == "" {
		req.Kind = types.ObservationRaw
	}
	importance := 0.5
	switch {
	case req.Importance != nil:
		importance = clamp01(*req.Importance)
	case w.rater != nil:
		importance = w.rater.Rate(ctx, req.Text)
	}

	vec, err := w.embedder.EmbedQuery(ctx, req.Text)
	if err != nil {
		return types.Observation{}, err
	}

	now := w.now().UTC()
	obs := types.Observation{
		ID:             uuid.NewString(),
		AgentID:        req.AgentID,
		Text:           req.Text,
		Kind:           req.Kind,
		BaseImportance: importance,
		Embedding:      vec,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	set := w.getAgent(ctx, req.AgentID)
	w.mu.Lock()
	set.obs[obs.ID] = &obs
	w.evictLocked(set, now)
	w.mu.Unlock()

	if w.journal != nil {
		w.flushMu.Lock()
		w.pendingAdds = append(w.pendingAdds, obs)
		w.flushMu.Unlock()
	}

	w.log.Debug("observation added",
		zap.String("agent_id", req.AgentID),
		zap.String("kind", string(req.Kind)),
		zap.Float64("importance", importance))
	return obs, nil
}

// Retrieve returns up to k observations for the agent ranked by the decay
// score, highest first. Entries scoring below the configured floor are
// omitted. Returned entries have their access time refreshed.
func (w *WorkingMemory) Retrieve(ctx context.Context, agentID, query string, k int) ([]types.ScoredObservation, error) {
	if k <= 0 {
		return nil, nil
	}
	qv, err := w.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return w.retrieveByVector(agentID, qv, k), nil
}

// RetrieveByVector ranks against an already-computed query embedding. The
// retrieval orchestrator uses this to embed a query once across stores.
func (w *WorkingMemory) RetrieveByVector(_ context.Context, agentID string, qv types.Vector, k int) ([]types.ScoredObservation, error) {
	if k <= 0 {
		return nil, nil
	}
	return w.retrieveByVector(agentID, qv, k), nil
}

func (w *WorkingMemory) retrieveByVector(agentID string, qv types.Vector, k int) []types.ScoredObservation {
	now := w.now().UTC()

	w.mu.RLock()
	set := w.agents[agentID]
	var scored []types.ScoredObservation
	if set != nil {
		scored = make([]types.ScoredObservation, 0, len(set.obs))
		for _, o := range set.obs {
			rel := math.Max(0, types.CosineSimilarity(qv, o.Embedding))
			s := w.compositeScore(o, rel, now)
			if s < w.cfg.ScoreFloor {
				continue
			}
			scored = append(scored, types.ScoredObservation{Observation: *o, Score: s})
		}
	}
	w.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}

	w.touch(agentID, scored, now)
	return scored
}

// AccumulatedImportance sums the base importance of non-reflection
// observations created inside the window. The engine uses it to decide when
// enough has happened to warrant a reflection pass.
func (w *WorkingMemory) AccumulatedImportance(agentID string, window time.Duration) float64 {
	cutoff := w.now().UTC().Add(-window)
	w.mu.RLock()
	defer w.mu.RUnlock()
	set := w.agents[agentID]
	if set == nil {
		return 0
	}
	var sum float64
	for _, o := range set.obs {
		if o.Kind == types.ObservationReflection {
			continue
		}
		if o.CreatedAt.Before(cutoff) {
			continue
		}
		sum += o.BaseImportance
	}
	return sum
}

// Recent returns the agent's observations created inside the window, oldest
// first. Reflection input is drawn from here.
func (w *WorkingMemory) Recent(agentID string, window time.Duration) []types.Observation {
	cutoff := w.now().UTC().Add(-window)
	w.mu.RLock()
	set := w.agents[agentID]
	var out []types.Observation
	if set != nil {
		for _, o := range set.obs {
			if !o.CreatedAt.Before(cutoff) {
				out = append(out, *o)
			}
		}
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// compositeScore is recency^wr * importance^wi * relevance^wv with
// recency = exp(-decayRate * hoursSinceCreated). With unit weights this is
// the geometric combination of the three signals.
func (w *WorkingMemory) compositeScore(o *types.Observation, relevance float64, now time.Time) float64 {
	recency := math.Exp(-w.cfg.DecayRate * now.Sub(o.CreatedAt).Hours())
	return math.Pow(recency, w.cfg.RecencyWeight) *
		math.Pow(o.BaseImportance, w.cfg.ImportanceWeight) *
		math.Pow(relevance, w.cfg.RelevanceWeight)
}

// retentionWeight ignores relevance; it orders eviction.
func (w *WorkingMemory) retentionWeight(o *types.Observation, now time.Time) float64 {
	recency := math.Exp(-w.cfg.DecayRate * now.Sub(o.CreatedAt).Hours())
	return math.Pow(recency, w.cfg.RecencyWeight) *
		math.Pow(o.BaseImportance, w.cfg.ImportanceWeight)
}

// evictLocked drops the lowest-weighted entries once the per-agent bound is
// exceeded. Evicted entries survive in the journal; only the cache forgets.
func (w *WorkingMemory) evictLocked(set *agentSet, now time.Time) {
	for len(set.obs) > w.cfg.MaxPerAgent && w.cfg.MaxPerAgent > 0 {
		var victimID string
		victimWeight := math.Inf(1)
		for id, o := range set.obs {
			if wgt := w.retentionWeight(o, now); wgt < victimWeight {
				victimWeight = wgt
				victimID = id
			}
		}
		delete(set.obs, victimID)
	}
}

func (w *WorkingMemory) getAgent(ctx context.Context, agentID string) *agentSet {
	w.mu.RLock()
	set := w.agents[agentID]
	w.mu.RUnlock()
	if set != nil {
		return set
	}

	// First sight of this agent in-process: warm the cache from the journal
	// before exposing the empty set. Warm failures degrade to an empty set.
	var warmed []types.Observation
	if w.journal != nil {
		loaded, err := w.journal.LoadRecent(ctx, agentID, w.cfg.MaxPerAgent)
		if err != nil {
			w.log.Warn("journal warm load failed",
				zap.String("agent_id", agentID), zap.Error(err))
		} else {
			warmed = loaded
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if set = w.agents[agentID]; set != nil {
		return set
	}
	set = &agentSet{obs: make(map[string]*types.Observation, len(warmed))}
	for i := range warmed {
		o := warmed[i]
		set.obs[o.ID] = &o
	}
	w.agents[agentID] = set
	return set
}

func (w *WorkingMemory) touch(agentID string, scored []types.ScoredObservation, now time.Time) {
	if len(scored) == 0 {
		return
	}
	w.mu.Lock()
	if set := w.agents[agentID]; set != nil {
		for i := range scored {
			if o := set.obs[scored[i].Observation.ID]; o != nil {
				o.LastAccessedAt = now
			}
		}
	}
	w.mu.Unlock()

	if w.journal == nil {
		return
	}
	w.flushMu.Lock()
	byAgent := w.pendingTouch[agentID]
	if byAgent == nil {
		byAgent = make(map[string]time.Time)
		w.pendingTouch[agentID] = byAgent
	}
	for i := range scored {
		byAgent[scored[i].Observation.ID] = now
	}
	w.flushMu.Unlock()
}

func (w *WorkingMemory) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushInterval)
			if err := w.flushOnce(ctx); err != nil {
				w.log.Warn("journal flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// flushOnce drains pending adds in batches, then pending touches. Failed
// batches are requeued so no observation is lost to a transient outage.
func (w *WorkingMemory) flushOnce(ctx context.Context) error {
	if w.journal == nil {
		return nil
	}
	w.flushMu.Lock()
	adds := w.pendingAdds
	touches := w.pendingTouch
	w.pendingAdds = nil
	w.pendingTouch = make(map[string]map[string]time.Time)
	w.flushMu.Unlock()

	batch := w.cfg.FlushBatchSize
	if batch <= 0 {
		batch = len(adds)
	}
	for start := 0; start < len(adds); start += batch {
		end := start + batch
		if end > len(adds) {
			end = len(adds)
		}
		if err := w.journal.AppendObservations(ctx, adds[start:end]); err != nil {
			w.flushMu.Lock()
			w.pendingAdds = append(adds[start:], w.pendingAdds...)
			w.flushMu.Unlock()
			return err
		}
	}

	for agentID, byID := range touches {
		byTime := make(map[time.Time][]string)
		for id, at := range byID {
			byTime[at] = append(byTime[at], id)
		}
		for at, ids := range byTime {
			if err := w.journal.TouchObservations(ctx, agentID, ids, at); err != nil {
				// Access times are advisory; log and move on.
				w.log.Warn("journal touch failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}
	return nil
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
