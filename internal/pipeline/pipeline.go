// Package pipeline runs a content unit through detection, abstraction,
// consistency checking, scoring, and the validation gate, in that order.
//
// The pipeline is stateless per content unit: the only shared state is the
// read-only catalog inside the detector and the audit recorder's sink
// handle, so any number of units may be validated concurrently. Within one
// unit the stages are strictly sequential; each stage consumes the prior
// stage's full output.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/audit"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/detect"
	"github.com/mgrinell/veil/internal/safety"
	"github.com/mgrinell/veil/internal/vault"
)

// ContentUnit is one prompt/code/language record submitted for validation.
type ContentUnit struct {
	Prompt   string `json:"prompt"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Provided is a caller-supplied abstraction set to validate against fresh
// detection output instead of abstracting from scratch.
type Provided struct {
	AbstractedPrompt string                `json:"abstracted_prompt"`
	AbstractedCode   string                `json:"abstracted_code"`
	Mappings         []abstraction.Mapping `json:"mappings"`
}

// Result is the pipeline's output contract.
type Result struct {
	ContentID        string                `json:"content_id"`
	AbstractedPrompt string                `json:"abstracted_prompt"`
	AbstractedCode   string                `json:"abstracted_code"`
	Mappings         []abstraction.Mapping `json:"mappings"`
	ConcreteRefCount int                   `json:"concrete_ref_count"`
	SafetyScore      float64               `json:"safety_score"`
	Components       safety.Components     `json:"score_components"`
	IsValid          bool                  `json:"is_valid"`
	Errors           []safety.Error        `json:"errors,omitempty"`
	Warnings         []safety.Error        `json:"warnings,omitempty"`
	ValidatedAt      time.Time             `json:"validated_at"`
	Stored           bool                  `json:"stored,omitempty"`
}

// ValidationLogger persists one validation log entry per run.
type ValidationLogger interface {
	AppendValidation(e vault.LogEntry) error
}

// Options configures a Pipeline.
type Options struct {
	MinScore        float64
	ConfidenceFloor float64
	Recorder        *audit.Recorder
	Logs            ValidationLogger
	Logger          *slog.Logger
}

// Pipeline wires the stages together.
type Pipeline struct {
	det  *detect.Detector
	eng  *abstraction.Engine
	chk  *abstraction.Checker
	gate *safety.Gate
	rec  *audit.Recorder
	logs ValidationLogger
	log  *slog.Logger
}

// New creates a Pipeline over the shared catalog.
func New(cat *catalog.Catalog, opts Options) *Pipeline {
	det := detect.New(cat)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		det:  det,
		eng:  abstraction.NewEngine(cat, opts.ConfidenceFloor),
		chk:  abstraction.NewChecker(det),
		gate: safety.NewGate(opts.MinScore),
		rec:  opts.Recorder,
		logs: opts.Logs,
		log:  logger,
	}
}

// Process validates one content unit end to end: detect, abstract, check,
// score, decide. It never writes content to storage; use ProcessAndStore
// for that. Validation runs start-to-finish or not at all; there is no
// mid-run cancellation.
func (p *Pipeline) Process(unit ContentUnit) Result {
	res := Result{ContentID: uuid.NewString(), ValidatedAt: time.Now().UTC()}

	promptRefs, codeRefs, malformed := p.scan(unit)
	if malformed != nil {
		return p.rejectMalformed(res, *malformed)
	}
	refs := append(append([]detect.Reference{}, promptRefs...), codeRefs...)
	res.ConcreteRefCount = len(refs)
	p.record(&res, audit.EventDetection, res.ContentID, "scan",
		fmt.Sprintf("%d references detected", len(refs)), detectionImpact(refs))

	run := p.eng.NewRun()
	res.AbstractedPrompt = run.Abstract(unit.Prompt, promptRefs)
	res.AbstractedCode = run.Abstract(unit.Code, codeRefs)
	res.Mappings = run.Mappings()
	p.record(&res, audit.EventAbstraction, res.ContentID, "abstract",
		fmt.Sprintf("%d mappings created", len(res.Mappings)), audit.ImpactNone)

	report := p.chk.Check([]string{res.AbstractedPrompt, res.AbstractedCode}, res.Mappings)

	checks := p.gate.FieldChecks(safety.NewCandidate(
		res.AbstractedPrompt, res.AbstractedCode, res.Mappings, 0.0, res.ValidatedAt,
	))

	in := scoreInput(refs, res.Mappings, report, checks)
	// Every detected span is rewritten in this mode; partial coverage only
	// arises when validating caller-supplied abstractions.
	in.TotalAbstracted = in.TotalDetected
	score, comps := safety.Score(in)
	res.SafetyScore = score
	res.Components = comps

	verdict := p.gate.Decide(checks, report, score)
	res.IsValid = verdict.Accepted
	res.Errors = verdict.Errors
	res.Warnings = append(res.Warnings, verdict.Warnings...)

	p.finish(&res, "pipeline")
	return res
}

// ValidateProvided validates a caller-supplied abstraction set for a unit:
// every concrete reference found in the raw content must be covered by a
// mapping, and the abstracted fields must not re-match the catalog.
func (p *Pipeline) ValidateProvided(unit ContentUnit, provided Provided) Result {
	res := Result{
		ContentID:        uuid.NewString(),
		ValidatedAt:      time.Now().UTC(),
		AbstractedPrompt: provided.AbstractedPrompt,
		AbstractedCode:   provided.AbstractedCode,
		Mappings:         provided.Mappings,
	}

	promptRefs, codeRefs, malformed := p.scan(unit)
	if malformed != nil {
		return p.rejectMalformed(res, *malformed)
	}
	refs := append(append([]detect.Reference{}, promptRefs...), codeRefs...)
	res.ConcreteRefCount = len(refs)
	p.record(&res, audit.EventDetection, res.ContentID, "scan",
		fmt.Sprintf("%d references detected", len(refs)), detectionImpact(refs))

	report := p.chk.Check([]string{provided.AbstractedPrompt, provided.AbstractedCode}, provided.Mappings)
	providedErrs := p.gate.CheckProvided(refs, provided.Mappings)

	checks := p.gate.FieldChecks(safety.NewCandidate(
		provided.AbstractedPrompt, provided.AbstractedCode, provided.Mappings, 0.0, res.ValidatedAt,
	))

	in := scoreInput(refs, provided.Mappings, report, checks)
	in.TotalAbstracted = in.TotalDetected - unmappedCount(providedErrs)
	if in.TotalAbstracted < 0 {
		in.TotalAbstracted = 0
	}
	score, comps := safety.Score(in)
	res.SafetyScore = score
	res.Components = comps

	verdict := p.gate.Decide(checks, report, score)
	res.IsValid = verdict.Accepted && safety.CountBlocking(providedErrs) == 0
	res.Errors = append(providedErrs, verdict.Errors...)
	res.Warnings = append(res.Warnings, verdict.Warnings...)

	p.finish(&res, "provided")
	return res
}

// ProcessAndStore validates a unit and, on acceptance, persists it through
// the storage enforcer in one transaction. An enforcement rejection
// surfaces on the result with the storage-tier error codes; it never
// leaves a partially written unit behind.
func (p *Pipeline) ProcessAndStore(store *vault.Store, unit ContentUnit) Result {
	res := p.Process(unit)
	if !res.IsValid {
		return res
	}

	violations := ""
	if res.SafetyScore < safety.DefaultMinScore {
		violations = vault.MarshalErrors(res.Errors)
	}
	_, err := store.SaveUnit(vault.SaveParams{
		ID:               res.ContentID,
		Language:         unit.Language,
		AbstractedPrompt: res.AbstractedPrompt,
		AbstractedCode:   res.AbstractedCode,
		Mappings:         res.Mappings,
		Metrics: vault.Metrics{
			ConcreteRefCount:   res.ConcreteRefCount,
			AbstractedRefCount: len(res.Mappings),
			AbstractionScore:   res.SafetyScore,
			SafetyViolations:   optional(violations),
		},
	})
	if err != nil {
		res.IsValid = false
		var enf *vault.EnforcementError
		if errors.As(err, &enf) {
			res.Errors = append(res.Errors, enf.Errors...)
		} else {
			res.Errors = append(res.Errors, safety.Error{
				Code:     safety.CodeStorageExposure,
				Message:  fmt.Sprintf("storage write failed: %v", err),
				Severity: safety.SeverityError,
			})
		}
		p.record(&res, audit.EventVerdict, res.ContentID, "storage_reject",
			vault.MarshalErrors(res.Errors), audit.ImpactCritical)
		return res
	}

	res.Stored = true
	p.record(&res, audit.EventVerdict, res.ContentID, "stored", "", audit.ImpactNone)
	return res
}

// ─── Internals ───────────────────────────────────────────────────────────────

func (p *Pipeline) scan(unit ContentUnit) (promptRefs, codeRefs []detect.Reference, malformed *safety.Error) {
	promptRefs, err := p.det.ScanProse(unit.Prompt)
	if err == nil {
		codeRefs, err = p.det.ScanCode(unit.Code)
	}
	if err != nil {
		return nil, nil, &safety.Error{
			Code:       safety.CodeInputMalformed,
			Message:    err.Error(),
			Severity:   safety.SeverityError,
			Suggestion: "strip control characters and respect the size limits, then re-submit",
		}
	}
	return promptRefs, codeRefs, nil
}

func (p *Pipeline) rejectMalformed(res Result, e safety.Error) Result {
	res.IsValid = false
	res.Errors = append(res.Errors, e)
	p.finish(&res, "pipeline")
	return res
}

// finish emits the verdict audit event and exactly one validation log
// entry for the run.
func (p *Pipeline) finish(res *Result, validationType string) {
	impact := audit.ImpactNone
	action := "accepted"
	if !res.IsValid {
		action = "rejected"
		impact = audit.ImpactLow
		for _, e := range res.Errors {
			if e.Severity == safety.SeverityCritical {
				impact = audit.ImpactCritical
				break
			}
		}
	}
	p.record(res, audit.EventVerdict, res.ContentID, action,
		fmt.Sprintf("score=%.3f errors=%d", res.SafetyScore, safety.CountBlocking(res.Errors)), impact)

	if p.logs != nil {
		blocking := safety.CountBlocking(res.Errors)
		entry := vault.LogEntry{
			ContentID:      res.ContentID,
			ValidationType: validationType,
			Result:         res.IsValid && blocking == 0,
			ErrorCount:     blocking,
			Errors:         vault.MarshalErrors(res.Errors),
		}
		if err := p.logs.AppendValidation(entry); err != nil {
			p.log.Warn("validation log append failed", "content_id", res.ContentID, "error", err)
		}
	}

	if !res.IsValid {
		p.log.Info("content unit rejected",
			"content_id", res.ContentID, "score", res.SafetyScore, "errors", len(res.Errors))
	}
}

// record appends an audit event, downgrading sink failures to a warning on
// the result. Audit loss never blocks the verdict, but it is never silent.
func (p *Pipeline) record(res *Result, typ audit.EventType, contentID, action, details, impact string) {
	if warn := p.rec.Record(typ, contentID, action, details, impact); warn != nil {
		for _, w := range res.Warnings {
			if w.Code == safety.CodeAuditDegraded {
				return
			}
		}
		res.Warnings = append(res.Warnings, *warn)
	}
}

// scoreInput gathers the counts the scorer consumes from one run.
func scoreInput(refs []detect.Reference, mappings []abstraction.Mapping, report abstraction.Report, checks []safety.Check) safety.ScoreInput {
	in := safety.ScoreInput{TotalDetected: len(refs)}

	for _, r := range refs {
		in.ConfidenceSum += r.Confidence
	}

	in.TotalMappings = len(mappings)
	for _, m := range mappings {
		if abstraction.PreservesShape(m) {
			in.ShapePreserved++
		}
	}

	// Repeated originals: consistent unless the checker reported drift.
	counts := make(map[string]int)
	for _, r := range refs {
		counts[abstraction.NormalizeOriginal(r.Raw, r.Type)+"|"+string(r.Type)]++
	}
	drifted := make(map[string]bool)
	for _, v := range report.Violations {
		if v.Kind == abstraction.ViolationDrift {
			drifted[v.Value] = true
		}
	}
	for key, n := range counts {
		if n > 1 {
			in.RepeatedTotal++
			if !driftedKey(drifted, key) {
				in.RepeatedConsistent++
			}
		}
	}

	for _, ch := range checks {
		in.ChecksTotal++
		if ch.Passed {
			in.ChecksPassed++
		}
	}

	for _, v := range report.Violations {
		if v.Severity == abstraction.SeverityCritical {
			in.CriticalViolations++
		}
	}
	return in
}

func driftedKey(drifted map[string]bool, key string) bool {
	for value := range drifted {
		if len(value) > 0 && len(key) >= len(value) && key[:len(value)] == value {
			return true
		}
	}
	return false
}

func unmappedCount(errs []safety.Error) int {
	n := 0
	for _, e := range errs {
		if e.Code == safety.CodeConcreteUnmapped {
			n++
		}
	}
	return n
}

func detectionImpact(refs []detect.Reference) string {
	for _, r := range refs {
		if r.Type == catalog.TypeCredential {
			return audit.ImpactCritical
		}
	}
	if len(refs) > 0 {
		return audit.ImpactLow
	}
	return audit.ImpactNone
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
