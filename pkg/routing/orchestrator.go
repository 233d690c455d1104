package routing

import (
	"context"
	"errors"
	"log"

	"modelgate/pkg/models"
)

// ErrLLMUnavailable is the deterministic fail-closed outcome: no
// backend served the request and the tenant is not fail-open.
var ErrLLMUnavailable = errors.New("no model backend available")

// Revalidate re-runs the safety pipeline for a rerouted path. When
// essentialOnly is set only identity and bounds checks run (fail-open
// mode); no path ever calls a backend without those.
type Revalidate func(ctx context.Context, backendID string, essentialOnly bool) error

// Orchestrator walks the degradation state machine for one request.
type Orchestrator struct {
	Executor Executor
}

// Execute attempts the primary backend, then the tenant's approved
// fallback chain, recording every attempt. The returned decision always
// carries a terminal (or NONE) degradation stage; on ErrLLMUnavailable
// the stage is FAIL_CLOSED.
func (o *Orchestrator) Execute(ctx context.Context, snap *models.PolicySnapshot, env *models.RequestEnvelope, prompt string, revalidate Revalidate) (Result, models.RoutingDecision, error) {
	primary := env.LogicalModelID
	decision := models.RoutingDecision{
		BackendID:        primary,
		FallbackChain:    snap.FallbackChain(primary),
		DegradationStage: models.StageNone,
	}
	inv := Invocation{
		RequestID:     env.RequestID,
		BackendID:     primary,
		OperationType: env.OperationType,
		Prompt:        prompt,
		MaxTokens:     env.MaxTokens,
		Temperature:   env.Temperature,
	}

	decision.AttemptedChain = append(decision.AttemptedChain, primary)
	res, err := o.Executor.Invoke(ctx, inv)
	if err == nil {
		return res, decision, nil
	}
	if ctx.Err() != nil {
		decision.DegradationStage, _ = Next(decision.DegradationStage, EventFault)
		return Result{}, o.failClosed(decision), ErrLLMUnavailable
	}
	log.Printf("routing: primary %s faulted: %v", primary, err)
	decision.DegradationStage, _ = Next(decision.DegradationStage, EventFault)

	var be *BackendError
	if errors.As(err, &be) && be.Transient() {
		for _, fb := range decision.FallbackChain {
			decision.AttemptedChain = append(decision.AttemptedChain, fb)
			if !snap.AllowsModel(fb) {
				log.Printf("routing: fallback %s not on allow-list, skipping", fb)
				continue
			}
			if err := revalidate(ctx, fb, false); err != nil {
				log.Printf("routing: fallback %s failed revalidation: %v", fb, err)
				continue
			}
			inv.BackendID = fb
			res, err := o.Executor.Invoke(ctx, inv)
			if err != nil {
				log.Printf("routing: fallback %s faulted: %v", fb, err)
				continue
			}
			decision.BackendID = fb
			decision.DegradationStage, _ = Next(decision.DegradationStage, EventReroute)
			return res, decision, nil
		}
	}

	// Chain exhausted. Fail-open only for snapshot-whitelisted
	// workloads, and identity+bounds still run for the degraded call.
	if snap.FailOpenAllowed(env.OperationType) {
		if fb := lastViable(snap, decision.FallbackChain, primary); fb != "" {
			if err := revalidate(ctx, fb, true); err == nil {
				inv.BackendID = fb
				if res, err := o.Executor.Invoke(ctx, inv); err == nil {
					decision.BackendID = fb
					decision.FailOpen = true
					decision.DegradationStage, _ = Next(decision.DegradationStage, EventFailOpen)
					if !contains(decision.AttemptedChain, fb) {
						decision.AttemptedChain = append(decision.AttemptedChain, fb)
					}
					return res, decision, nil
				}
			}
		}
	}

	return Result{}, o.failClosed(decision), ErrLLMUnavailable
}

func (o *Orchestrator) failClosed(decision models.RoutingDecision) models.RoutingDecision {
	if decision.DegradationStage == models.StageDetected {
		decision.DegradationStage, _ = Next(decision.DegradationStage, EventFailClosed)
	}
	return decision
}

// lastViable picks the degraded backend for a fail-open call: the last
// allow-listed entry of the chain, or the primary as a final retry.
func lastViable(snap *models.PolicySnapshot, chain []string, primary string) string {
	for i := len(chain) - 1; i >= 0; i-- {
		if snap.AllowsModel(chain[i]) {
			return chain[i]
		}
	}
	if snap.AllowsModel(primary) {
		return primary
	}
	return ""
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
