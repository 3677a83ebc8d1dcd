// Package distill turns failed interactions into validated rules through
// four sequential stages: reflect, validate, refine, judge. Every stage has
// a defined fallback; all failures degrade to "no rule learned this time"
// and are reported in the Result rather than raised at the caller.
package distill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/structured"
	"github.com/memloop/memloop/types"
)

// Status is the terminal state of one pipeline run.
type Status string

const (
	// StatusInserted means a new rule was stored.
	StatusInserted Status = "inserted"
	// StatusMerged means the candidate strengthened an existing rule.
	StatusMerged Status = "merged"
	// StatusRejected means a gate (validation confidence, judge) said no.
	StatusRejected Status = "rejected"
	// StatusAborted means a service failure stopped the run early.
	StatusAborted Status = "aborted"
)

// Stage names, for result reporting and metrics.
const (
	StageReflect  = "reflect"
	StageValidate = "validate"
	StageRefine   = "refine"
	StageJudge    = "judge"
	StageStore    = "store"
)

// Result reports what one run did. Err is informational; runs never
// propagate service failures to the hosting interaction loop.
type Result struct {
	Status     Status
	Stage      string
	Rule       *types.Rule
	Confidence float64
	Reason     string
	Err        error
}

type reflection struct {
	Problem   string `json:"problem" jsonschema:"required,minLength=1,description=What went wrong in this interaction"`
	RootCause string `json:"root_cause" jsonschema:"required,minLength=1,description=The underlying reason the guidance fell short"`
	Principle string `json:"principle" jsonschema:"required,minLength=1,description=A general principle that would have prevented the failure"`
}

type verdict struct {
	WouldImprove bool   `json:"would_improve" jsonschema:"required,description=Whether applying the principle would have improved this case's guidance"`
	Reason       string `json:"reason"`
}

type refinement struct {
	Condition string `json:"condition" jsonschema:"required,minLength=1,description=The triggering situation without the leading word When"`
	Action    string `json:"action" jsonschema:"required,minLength=1,description=What the agent should do"`
	Reason    string `json:"reason" jsonschema:"required,minLength=1,description=Why without the leading word because"`
}

type judgment struct {
	Compliant bool   `json:"compliant" jsonschema:"required,description=Whether the principle is consistent with the compliance knowledge"`
	General   bool   `json:"general" jsonschema:"required,description=Whether the principle generalizes beyond this single interaction"`
	Ambiguous bool   `json:"ambiguous" jsonschema:"required,description=Whether the principle is too vague to apply consistently"`
	Reason    string `json:"reason"`
}

// Pipeline runs the four-stage distillation protocol. Safe for concurrent
// use; separate interactions' runs share nothing but the rules base, whose
// merge path is itself guarded by versioned compare-and-swap.
type Pipeline struct {
	cfg      config.DistillConfig
	reflect  *structured.Output[reflection]
	validate *structured.Output[verdict]
	refine   *structured.Output[refinement]
	judge    *structured.Output[judgment]

	cases    *casebase.Store
	rules    *rulebase.Store
	embedder embedding.Provider

	// complianceNotes is the authoritative compliance knowledge the judge
	// stage checks candidates against. Supplied by the hosting product.
	complianceNotes string

	log *zap.Logger
	now func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithComplianceNotes supplies the compliance knowledge for the judge stage.
func WithComplianceNotes(notes string) Option {
	return func(p *Pipeline) { p.complianceNotes = notes }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the pipeline over the generation provider and stores.
func NewPipeline(cfg config.DistillConfig, provider llm.Provider, cases *casebase.Store, rules *rulebase.Store, embedder embedding.Provider, opts ...Option) (*Pipeline, error) {
	reflectOut, err := structured.NewOutput[reflection](provider)
	if err != nil {
		return nil, err
	}
	validateOut, err := structured.NewOutput[verdict](provider)
	if err != nil {
		return nil, err
	}
	refineOut, err := structured.NewOutput[refinement](provider)
	if err != nil {
		return nil, err
	}
	judgeOut, err := structured.NewOutput[judgment](provider)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		reflect:  reflectOut,
		validate: validateOut,
		refine:   refineOut,
		judge:    judgeOut,
		cases:    cases,
		rules:    rules,
		embedder: embedder,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.String("component", "distill"))
	return p, nil
}

// Run distills one failed interaction. A successful outcome is a caller
// error and aborts immediately without touching any store.
func (p *Pipeline) Run(ctx context.Context, interaction types.Interaction, outcome types.Outcome) Result {
	if outcome.Success {
		return Result{
			Status: StatusAborted,
			Stage:  StageReflect,
			Reason: "successful outcomes are recorded as cases, not distilled",
		}
	}
	log := p.log.With(zap.String("interaction_id", interaction.ID))

	// Stage 1: reflect. Service failure aborts the run.
	ref, err := p.runReflect(ctx, interaction)
	if err != nil {
		log.Warn("reflect stage failed, aborting", zap.Error(err))
		return Result{Status: StatusAborted, Stage: StageReflect, Err: err}
	}

	// Stage 2: validate against exemplar cases from the same domain.
	confidence, err := p.runValidate(ctx, interaction, ref.Principle)
	if err != nil {
		log.Warn("validate stage failed, aborting", zap.Error(err))
		return Result{Status: StatusAborted, Stage: StageValidate, Err: err}
	}
	if confidence < p.cfg.ConfidenceGate {
		log.Info("candidate below confidence gate",
			zap.Float64("confidence", confidence),
			zap.Float64("gate", p.cfg.ConfidenceGate))
		return Result{
			Status:     StatusRejected,
			Stage:      StageValidate,
			Confidence: confidence,
			Reason:     fmt.Sprintf("validation confidence %.2f below gate %.2f", confidence, p.cfg.ConfidenceGate),
		}
	}

	// Stage 3: refine into the canonical template; failure carries the
	// unrefined principle forward instead of discarding the candidate.
	principle := p.runRefine(ctx, ref.Principle, log)

	// Stage 4: judge for compliance and generality; ambiguity rejects.
	if res, ok := p.runJudge(ctx, principle, confidence, log); !ok {
		return res
	}

	return p.store(ctx, interaction, principle, confidence, log)
}

func (p *Pipeline) runReflect(ctx context.Context, interaction types.Interaction) (*reflection, error) {
	reference := interaction.ReferenceText
	if reference == "" {
		reference = p.referenceFromCases(ctx, interaction)
	}

	var b strings.Builder
	b.WriteString("An interaction failed. Identify the problem, its root cause, and a general principle that would have prevented it.\n\n")
	fmt.Fprintf(&b, "Situation:\n%s\n\n", interaction.SituationText)
	fmt.Fprintf(&b, "Guidance actually given:\n%s\n\n", interaction.GuidanceText)
	if reference != "" {
		fmt.Fprintf(&b, "A superior reference answer:\n%s\n", reference)
	}
	return p.reflect.Generate(ctx, b.String())
}

// referenceFromCases derives a reference answer from the most similar
// successful case when the caller supplied none. Best effort.
func (p *Pipeline) referenceFromCases(ctx context.Context, interaction types.Interaction) string {
	hits, err := p.cases.Retrieve(ctx, casebase.Query{
		Text:     interaction.SituationText,
		TaskType: interaction.TaskType,
		TopK:     1,
	})
	if err != nil || len(hits) == 0 {
		return ""
	}
	return hits[0].Case.GuidanceText
}

// runValidate returns successes/n over up to ValidationSamples exemplar
// cases. With an empty case base it validates the principle against the
// failing situation itself, giving a cold store a 0-or-1 signal.
func (p *Pipeline) runValidate(ctx context.Context, interaction types.Interaction, principle string) (float64, error) {
	exemplars, err := p.cases.Retrieve(ctx, casebase.Query{
		Text:     interaction.SituationText,
		TaskType: interaction.TaskType,
		TopK:     p.cfg.ValidationSamples,
	})
	if err != nil {
		return 0, err
	}

	if len(exemplars) == 0 {
		v, err := p.validate.Generate(ctx, validatePrompt(principle,
			interaction.SituationText, interaction.GuidanceText))
		if err != nil {
			return 0, err
		}
		if v.WouldImprove {
			return 1, nil
		}
		return 0, nil
	}

	successes := 0
	for _, ex := range exemplars {
		v, err := p.validate.Generate(ctx, validatePrompt(principle,
			ex.Case.SituationText, ex.Case.GuidanceText))
		if err != nil {
			return 0, err
		}
		if v.WouldImprove {
			successes++
		}
	}
	return float64(successes) / float64(len(exemplars)), nil
}

func validatePrompt(principle, situation, guidance string) string {
	return fmt.Sprintf(
		"Candidate principle:\n%s\n\nPast case situation:\n%s\n\nGuidance given in that case:\n%s\n\nWould applying the candidate principle have improved the guidance for this case?",
		principle, situation, guidance)
}

func (p *Pipeline) runRefine(ctx context.Context, principle string, log *zap.Logger) string {
	ref, err := p.refine.Generate(ctx, fmt.Sprintf(
		"Rewrite the following principle into its parts: the triggering condition, the action to take, and the reason.\n\nPrinciple:\n%s",
		principle))
	if err != nil {
		log.Warn("refine stage failed, carrying unrefined principle forward", zap.Error(err))
		return principle
	}
	return canonicalPrinciple(ref.Condition, ref.Action, ref.Reason)
}

// canonicalPrinciple assembles the fixed rule template.
func canonicalPrinciple(condition, action, reason string) string {
	trim := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, ".")
		return s
	}
	condition = strings.TrimPrefix(trim(condition), "When ")
	reason = strings.TrimPrefix(trim(reason), "because ")
	return fmt.Sprintf("When %s, %s, because %s.", condition, trim(action), reason)
}

// runJudge returns ok=false with the terminal Result when the candidate is
// rejected or the judge call fails.
func (p *Pipeline) runJudge(ctx context.Context, principle string, confidence float64, log *zap.Logger) (Result, bool) {
	var b strings.Builder
	b.WriteString("Judge the following candidate rule.\n\n")
	fmt.Fprintf(&b, "Rule:\n%s\n", principle)
	if p.complianceNotes != "" {
		fmt.Fprintf(&b, "\nAuthoritative compliance knowledge:\n%s\n", p.complianceNotes)
	}
	b.WriteString("\nReport whether the rule is compliant, whether it generalizes beyond a single interaction, and whether it is too ambiguous to apply consistently.")

	j, err := p.judge.Generate(ctx, b.String())
	if err != nil {
		// Ambiguity and failure both reject: never store an unjudged rule.
		log.Warn("judge stage failed, rejecting candidate", zap.Error(err))
		return Result{Status: StatusRejected, Stage: StageJudge, Confidence: confidence, Err: err,
			Reason: "judge unavailable"}, false
	}
	switch {
	case j.Ambiguous:
		return Result{Status: StatusRejected, Stage: StageJudge, Confidence: confidence,
			Reason: "principle too ambiguous: " + j.Reason}, false
	case !j.Compliant:
		return Result{Status: StatusRejected, Stage: StageJudge, Confidence: confidence,
			Reason: "principle not compliant: " + j.Reason}, false
	case !j.General:
		return Result{Status: StatusRejected, Stage: StageJudge, Confidence: confidence,
			Reason: "principle too case-specific: " + j.Reason}, false
	}
	return Result{}, true
}

// store merges into the most similar existing rule above the merge
// threshold, otherwise inserts a new rule carrying this interaction as its
// first evidence.
func (p *Pipeline) store(ctx context.Context, interaction types.Interaction, principle string, confidence float64, log *zap.Logger) Result {
	vec, err := p.embedder.EmbedQuery(ctx, principle)
	if err != nil {
		log.Warn("principle embedding failed, aborting", zap.Error(err))
		return Result{Status: StatusAborted, Stage: StageStore, Confidence: confidence, Err: err}
	}

	evidence := []types.EvidenceRef{{Kind: types.EvidenceInteraction, ID: interaction.ID}}

	nearest, similarity, found, err := p.rules.FindSimilar(ctx, vec)
	if err != nil {
		return Result{Status: StatusAborted, Stage: StageStore, Confidence: confidence, Err: err}
	}
	if found && similarity >= p.cfg.MergeThreshold {
		merged, err := p.rules.Merge(ctx, nearest.ID, rulebase.MergeInput{
			Confidence: confidence,
			Evidence:   evidence,
		})
		if err != nil {
			return Result{Status: StatusAborted, Stage: StageStore, Confidence: confidence, Err: err}
		}
		log.Info("candidate merged into existing rule",
			zap.String("rule_id", merged.ID),
			zap.Float64("similarity", similarity))
		return Result{Status: StatusMerged, Stage: StageStore, Rule: &merged, Confidence: merged.Confidence}
	}

	inserted, err := p.rules.Insert(ctx, types.Rule{
		PrincipleText: principle,
		Domain:        string(interaction.TaskType),
		Confidence:    confidence,
		Evidence:      evidence,
	})
	if err != nil {
		return Result{Status: StatusAborted, Stage: StageStore, Confidence: confidence, Err: err}
	}
	log.Info("rule learned",
		zap.String("rule_id", inserted.ID),
		zap.Float64("confidence", confidence))
	return Result{Status: StatusInserted, Stage: StageStore, Rule: &inserted, Confidence: confidence}
}
