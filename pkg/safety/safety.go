package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelgate/pkg/models"
)

// Pipeline stages, executed in order.
const (
	StagePre  = "pre"
	StageMid  = "mid"
	StagePost = "post"
)

// ErrDependency marks a failed call to an external detector or the
// redaction collaborator. Never treated as a silent pass-through.
var ErrDependency = errors.New("safety dependency unavailable")

// BlockError terminates the pipeline when a check's configured action
// is block. Redact/downgrade actions continue with a modified target.
type BlockError struct {
	Check  string
	Reason string
	Class  string
	Detail string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.Check, e.Detail)
}

// Caller is the authenticated principal the pre stage binds against.
type Caller struct {
	Subject   string
	TenantID  string
	ActorType string
}

// Target is the mutable working state a detector may inspect or
// transform. The original envelope is never modified; the pipeline
// works on a copy so clamping and redaction stay request-scoped.
type Target struct {
	Envelope *models.RequestEnvelope
	Snapshot *models.PolicySnapshot
	Caller   Caller
	Prompt   string
	Output   string
}

// Scrub zeroes the prompt and output buffers once the request is
// finalized, on success and failure alike.
func (t *Target) Scrub() {
	t.Prompt = ""
	t.Output = ""
	if t.Envelope != nil {
		for i := range t.Envelope.ContextSegments {
			t.Envelope.ContextSegments[i].Content = ""
		}
	}
}

// Finding is the outcome of one detector evaluation.
type Finding struct {
	Score    float64
	Class    string
	Severity string
	Action   string
	Reason   string
	Detail   string
}

// Detector is one safety check. The pipeline iterates a configured
// ordered list; there is no inheritance hierarchy.
type Detector interface {
	Name() string
	Stage() string
	// Essential detectors still run in fail-open mode. Identity and
	// bounds checks are essential; classifier scoring is not.
	Essential() bool
	Evaluate(ctx context.Context, t *Target) (Finding, error)
}

// Pipeline runs an ordered detector list over a target, accumulating
// results into a SafetyAssessment.
type Pipeline struct {
	detectors []Detector
	now       func() time.Time
}

func NewPipeline(detectors ...Detector) *Pipeline {
	return &Pipeline{detectors: detectors, now: func() time.Time { return time.Now().UTC() }}
}

// RunStage executes every detector registered for the stage. When
// essentialOnly is set (fail-open mode) non-essential detectors are
// skipped. The pipeline short-circuits only on a block action; other
// actions record their transformation and continue.
func (p *Pipeline) RunStage(ctx context.Context, stage string, essentialOnly bool, t *Target, a *models.SafetyAssessment) error {
	for _, d := range p.detectors {
		if d.Stage() != stage {
			continue
		}
		if essentialOnly && !d.Essential() {
			continue
		}
		start := p.now()
		finding, err := d.Evaluate(ctx, t)
		result := models.CheckResult{
			Check:    d.Name(),
			Stage:    stage,
			Score:    finding.Score,
			Action:   finding.Action,
			Detail:   finding.Detail,
			Duration: p.now().Sub(start).Milliseconds(),
		}
		appendCheck(a, stage, result)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDependency, d.Name(), err)
		}
		if finding.Class != "" {
			a.RiskClasses = append(a.RiskClasses, models.RiskFlag{
				Class:    finding.Class,
				Severity: finding.Severity,
				Score:    finding.Score,
			})
		}
		if finding.Action != "" {
			a.ActionsTaken = append(a.ActionsTaken, finding.Action)
		}
		if finding.Action == models.ActionBlock {
			reason := finding.Reason
			if reason == "" {
				reason = models.ReasonSafetyBlock
			}
			return &BlockError{Check: d.Name(), Reason: reason, Class: finding.Class, Detail: finding.Detail}
		}
	}
	return nil
}

func appendCheck(a *models.SafetyAssessment, stage string, r models.CheckResult) {
	if stage == StagePost {
		a.OutputChecks = append(a.OutputChecks, r)
		return
	}
	a.InputChecks = append(a.InputChecks, r)
}
