// Package retrieval fans a query out to the three memory stores and blends
// the results into one ranked, token-budgeted context bundle.
package retrieval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/memory"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/types"
)

const instrumentationName = "github.com/memloop/memloop/retrieval"

// Source names the three sub-stores, for degradation reporting.
const (
	SourceMemory = "working_memory"
	SourceCases  = "case_base"
	SourceRules  = "rule_base"
)

// Request describes one context retrieval.
type Request struct {
	AgentID  string
	Query    string
	TaskType types.TaskType
	// Context optionally re-ranks case retrieval by situational fit.
	Context *types.ConversationContext
}

// ContextBundle is everything the caller needs for the downstream
// generation call. When Degraded is true, FailedSources lists the
// sub-stores whose results are missing; the rest are authoritative.
type ContextBundle struct {
	Memories []types.ScoredObservation
	Cases    []types.ScoredCase
	Rules    []types.ScoredRule

	Degraded      bool
	FailedSources []string
	TokensUsed    int
}

// Orchestrator embeds the query once, queries the three stores
// concurrently with independent timeouts, and budgets the combined bundle.
type Orchestrator struct {
	cfg      config.RetrievalConfig
	embedder embedding.Provider
	memories *memory.WorkingMemory
	cases    *casebase.Store
	rules    *rulebase.Store
	counter  TokenCounter
	tracer   trace.Tracer
	log      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithTokenCounter overrides the budget counter, mainly for tests.
func WithTokenCounter(c TokenCounter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// NewOrchestrator wires the orchestrator. The tiktoken encoding named in
// the config is loaded eagerly; if unavailable, budgeting degrades to a
// character-based approximation.
func NewOrchestrator(cfg config.RetrievalConfig, embedder embedding.Provider, memories *memory.WorkingMemory, cases *casebase.Store, rules *rulebase.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		embedder: embedder,
		memories: memories,
		cases:    cases,
		rules:    rules,
		tracer:   otel.Tracer(instrumentationName),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(zap.String("component", "retrieval"))
	if o.counter == nil {
		counter, err := NewTiktokenCounter(cfg.TokenEncoding)
		if err != nil {
			o.log.Warn("token encoding unavailable, using approximate counter",
				zap.String("encoding", cfg.TokenEncoding), zap.Error(err))
			counter = NewApproxCounter()
		}
		o.counter = counter
	}
	return o
}

// RetrieveContext answers one retrieval. A failed or timed-out sub-store
// never blocks the others; its results are simply absent and the bundle is
// flagged degraded. A cancelled parent context returns an error and no
// results at all, so callers never mistake a partial read for absence.
func (o *Orchestrator) RetrieveContext(ctx context.Context, req Request) (*ContextBundle, error) {
	ctx, span := o.tracer.Start(ctx, "retrieval.retrieve_context",
		trace.WithAttributes(
			attribute.String("agent_id", req.AgentID),
			attribute.String("task_type", string(req.TaskType)),
		))
	defer span.End()

	queryVec, err := o.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	bundle := &ContextBundle{}
	var memErr, caseErr, ruleErr error

	g := &errgroup.Group{}
	g.Go(func() error {
		got, err := retrieveWithTimeout(ctx, o.cfg.SubStoreTimeout,
			func(sub context.Context) ([]types.ScoredObservation, error) {
				return o.memories.RetrieveByVector(sub, req.AgentID, queryVec, o.cfg.MemoryTopK)
			})
		bundle.Memories, memErr = got, err
		return nil
	})
	g.Go(func() error {
		q := casebase.Query{
			Vector:   queryVec,
			Text:     req.Query,
			TaskType: req.TaskType,
			TopK:     o.cfg.CaseTopK,
		}
		if req.Context != nil {
			q.Phase = req.Context.Phase
		}
		got, err := retrieveWithTimeout(ctx, o.cfg.SubStoreTimeout,
			func(sub context.Context) ([]types.ScoredCase, error) {
				return o.cases.Retrieve(sub, q)
			})
		bundle.Cases, caseErr = got, err
		return nil
	})
	g.Go(func() error {
		got, err := retrieveWithTimeout(ctx, o.cfg.SubStoreTimeout,
			func(sub context.Context) ([]types.ScoredRule, error) {
				return o.rules.Retrieve(sub, queryVec, o.cfg.RuleTopK)
			})
		bundle.Rules, ruleErr = got, err
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		// Cancelled mid-flight: report empty, never partial.
		return nil, ctx.Err()
	}

	for _, f := range []struct {
		source string
		err    error
	}{
		{SourceMemory, memErr},
		{SourceCases, caseErr},
		{SourceRules, ruleErr},
	} {
		if f.err != nil {
			bundle.Degraded = true
			bundle.FailedSources = append(bundle.FailedSources, f.source)
			o.log.Warn("sub-store retrieval failed",
				zap.String("source", f.source), zap.Error(f.err))
		}
	}
	if bundle.Degraded {
		// A failed source contributes nothing rather than stale partials.
		for _, src := range bundle.FailedSources {
			switch src {
			case SourceMemory:
				bundle.Memories = nil
			case SourceCases:
				bundle.Cases = nil
			case SourceRules:
				bundle.Rules = nil
			}
		}
	}

	o.applyBudget(bundle)
	span.SetAttributes(
		attribute.Bool("degraded", bundle.Degraded),
		attribute.Int("tokens_used", bundle.TokensUsed),
		attribute.Int("memories", len(bundle.Memories)),
		attribute.Int("cases", len(bundle.Cases)),
		attribute.Int("rules", len(bundle.Rules)),
	)
	return bundle, nil
}

// retrieveWithTimeout bounds one sub-retrieval. On timeout the late result
// is discarded entirely; a slow store contributes nothing rather than a
// torn partial.
func retrieveWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	sub, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(sub)
		done <- outcome{v, err}
	}()
	select {
	case out := <-done:
		return out.v, out.err
	case <-sub.Done():
		var zero T
		return zero, sub.Err()
	}
}

// applyBudget trims the bundle to the token budget, spending on rules
// first, then cases, then memories — learned principles are the densest
// signal per token. Items are kept in rank order within each list.
func (o *Orchestrator) applyBudget(b *ContextBundle) {
	if o.cfg.TokenBudget <= 0 {
		return
	}
	remaining := o.cfg.TokenBudget

	keptRules := b.Rules[:0]
	for _, r := range b.Rules {
		cost := o.counter.Count(r.Rule.PrincipleText)
		if cost > remaining {
			break
		}
		remaining -= cost
		keptRules = append(keptRules, r)
	}
	b.Rules = keptRules

	keptCases := b.Cases[:0]
	for _, c := range b.Cases {
		cost := o.counter.Count(c.Case.SituationText) + o.counter.Count(c.Case.GuidanceText)
		if cost > remaining {
			break
		}
		remaining -= cost
		keptCases = append(keptCases, c)
	}
	b.Cases = keptCases

	keptMemories := b.Memories[:0]
	for _, m := range b.Memories {
		cost := o.counter.Count(m.Observation.Text)
		if cost > remaining {
			break
		}
		remaining -= cost
		keptMemories = append(keptMemories, m)
	}
	b.Memories = keptMemories

	b.TokensUsed = o.cfg.TokenBudget - remaining
}
