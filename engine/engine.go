// Package engine is the facade over the memory subsystem: observations in,
// outcomes reported, ranked context out. It owns the reflection trigger and
// routes outcomes to the case base or the distillation pipeline.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/distill"
	"github.com/memloop/memloop/internal/metrics"
	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/memory"
	"github.com/memloop/memloop/retrieval"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/structured"
	"github.com/memloop/memloop/types"
)

// reflectionCooldown bounds trigger frequency per agent so one busy window
// does not fire a synthesis per observation.
const reflectionCooldown = 10 * time.Minute

type taskClassification struct {
	TaskType string `json:"task_type" jsonschema:"required,enum=general|consolidation|withdrawal|contribution|investment|compliance,description=The task category of this query"`
}

// Engine coordinates the three stores, the distillation pipeline and the
// retrieval orchestrator behind one API.
type Engine struct {
	cfg config.MemoryConfig

	memories   *memory.WorkingMemory
	reflector  *memory.Reflector
	cases      *casebase.Store
	rules      *rulebase.Store
	pipeline   *distill.Pipeline
	orch       *retrieval.Orchestrator
	classifier *structured.Output[taskClassification]
	collector  *metrics.Collector

	log *zap.Logger
	now func() time.Time

	mu             sync.Mutex
	lastReflection map[string]time.Time
	reflections    sync.WaitGroup
}

// Deps carries the engine's collaborators.
type Deps struct {
	Memories  *memory.WorkingMemory
	Reflector *memory.Reflector
	Cases     *casebase.Store
	Rules     *rulebase.Store
	Pipeline  *distill.Pipeline
	Orch      *retrieval.Orchestrator
	Provider  llm.Provider
	Collector *metrics.Collector
	Logger    *zap.Logger
	Now       func() time.Time
}

// New wires an Engine. Provider is used only for task classification;
// everything else speaks through the injected components.
func New(cfg config.MemoryConfig, deps Deps) (*Engine, error) {
	if deps.Memories == nil || deps.Cases == nil || deps.Pipeline == nil || deps.Orch == nil {
		return nil, fmt.Errorf("memories, cases, pipeline, and orch are required")
	}
	classifier, err := structured.NewOutput[taskClassification](deps.Provider)
	if err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:            cfg,
		memories:       deps.Memories,
		reflector:      deps.Reflector,
		cases:          deps.Cases,
		rules:          deps.Rules,
		pipeline:       deps.Pipeline,
		orch:           deps.Orch,
		classifier:     classifier,
		collector:      deps.Collector,
		log:            log.With(zap.String("component", "engine")),
		now:            now,
		lastReflection: make(map[string]time.Time),
	}
	e.memories.Start()
	return e, nil
}

// AddObservation records one observation and fires a background reflection
// pass when the agent's recent accumulated importance crosses the
// configured threshold.
func (e *Engine) AddObservation(ctx context.Context, req memory.AddRequest) (types.Observation, error) {
	obs, err := e.memories.Add(ctx, req)
	if err != nil {
		return types.Observation{}, err
	}
	if e.collector != nil {
		e.collector.ObservationAdded(string(obs.Kind))
	}
	e.maybeReflect(req.AgentID)
	return obs, nil
}

// RetrieveContext returns the blended context bundle for a query.
func (e *Engine) RetrieveContext(ctx context.Context, req retrieval.Request) (*retrieval.ContextBundle, error) {
	start := e.now()
	bundle, err := e.orch.RetrieveContext(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.collector != nil {
		e.collector.RetrievalObserved(e.now().Sub(start), bundle.Degraded, bundle.FailedSources, bundle.TokensUsed)
	}
	return bundle, nil
}

// OutcomeReport says what one reported outcome produced.
type OutcomeReport struct {
	// CaseID is set when a successful outcome was recorded as a case.
	CaseID string
	// Distillation is set when a failed outcome ran the pipeline.
	Distillation *distill.Result
}

// ReportOutcome routes a completed interaction: successes become cases,
// failures run the distillation pipeline. Pipeline failures degrade to "no
// rule learned" and never surface as errors; only case recording can fail.
func (e *Engine) ReportOutcome(ctx context.Context, interaction types.Interaction, outcome types.Outcome) (*OutcomeReport, error) {
	if outcome.Success {
		c, err := e.cases.Add(ctx, types.Case{
			TaskType:      interaction.TaskType,
			SituationText: interaction.SituationText,
			GuidanceText:  interaction.GuidanceText,
			Phase:         interaction.Phase,
			Outcome:       outcome,
		})
		if err != nil {
			return nil, err
		}
		e.updateStoreSizes(ctx)
		return &OutcomeReport{CaseID: c.ID}, nil
	}

	res := e.runPipeline(ctx, interaction, outcome)
	if e.collector != nil {
		e.collector.DistillRun(string(res.Status), res.Stage)
		if types.IsCode(res.Err, types.ErrConsistencyConflict) {
			e.collector.MergeConflict()
		}
	}
	e.updateStoreSizes(ctx)
	return &OutcomeReport{Distillation: &res}, nil
}

// runPipeline isolates the hosting interaction loop from anything the
// pipeline does, including panics.
func (e *Engine) runPipeline(ctx context.Context, interaction types.Interaction, outcome types.Outcome) (res distill.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("distillation panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = distill.Result{
				Status: distill.StatusAborted,
				Reason: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return e.pipeline.Run(ctx, interaction, outcome)
}

// AddCase records a successful case directly, bypassing outcome routing.
// Failed outcomes are rejected the same way as everywhere else.
func (e *Engine) AddCase(ctx context.Context, c types.Case) (types.Case, error) {
	added, err := e.cases.Add(ctx, c)
	if err != nil {
		return types.Case{}, err
	}
	e.updateStoreSizes(ctx)
	return added, nil
}

// ImportCases bulk-seeds the case base from exported knowledge.
func (e *Engine) ImportCases(ctx context.Context, cases []types.Case) (int, error) {
	n, err := e.cases.Import(ctx, cases)
	e.updateStoreSizes(ctx)
	return n, err
}

// ClassifyTask maps a free-text query onto the closed task-type set.
// Classification failures degrade to the general type rather than blocking
// the interaction.
func (e *Engine) ClassifyTask(ctx context.Context, text string) types.TaskType {
	out, err := e.classifier.Generate(ctx, fmt.Sprintf(
		"Classify the task category of the following customer query.\n\nQuery:\n%s", text))
	if err != nil {
		e.log.Warn("task classification failed, defaulting to general", zap.Error(err))
		return types.TaskGeneral
	}
	t, err := types.ParseTaskType(out.TaskType)
	if err != nil {
		e.log.Warn("task classification returned unknown type",
			zap.String("task_type", out.TaskType))
		return types.TaskGeneral
	}
	return t
}

// Close waits for in-flight reflections and flushes working memory.
func (e *Engine) Close(ctx context.Context) error {
	e.reflections.Wait()
	return e.memories.Close(ctx)
}

func (e *Engine) maybeReflect(agentID string) {
	if e.reflector == nil || e.cfg.ReflectionThreshold <= 0 {
		return
	}
	acc := e.memories.AccumulatedImportance(agentID, e.cfg.ReflectionWindow)
	if acc < e.cfg.ReflectionThreshold {
		return
	}

	now := e.now()
	e.mu.Lock()
	if last, ok := e.lastReflection[agentID]; ok && now.Sub(last) < reflectionCooldown {
		e.mu.Unlock()
		return
	}
	e.lastReflection[agentID] = now
	e.mu.Unlock()

	window := e.memories.Recent(agentID, e.cfg.ReflectionWindow)
	e.reflections.Add(1)
	go func() {
		defer e.reflections.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("reflection panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		insights, err := e.reflector.Synthesize(ctx, agentID, window)
		if err != nil {
			e.log.Warn("reflection synthesis failed",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		for _, in := range insights {
			imp := in.Importance
			if _, err := e.memories.Add(ctx, memory.AddRequest{
				AgentID:    agentID,
				Text:       in.Text,
				Kind:       types.ObservationReflection,
				Importance: &imp,
			}); err != nil {
				e.log.Warn("failed to record reflection",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
		if e.collector != nil {
			e.collector.ReflectionRun()
		}
	}()
}

func (e *Engine) updateStoreSizes(ctx context.Context) {
	if e.collector == nil || e.rules == nil {
		return
	}
	cases, err := e.cases.Count(ctx)
	if err != nil {
		return
	}
	rules, err := e.rules.Count(ctx)
	if err != nil {
		return
	}
	e.collector.SetStoreSizes(cases, rules)
}
