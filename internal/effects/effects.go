// Package effects implements the effect executor: three-phase
// (PRE, ON_RESOLVE, POST) JSON-Patch application with priority ordering,
// JSONLogic-resolved patch values, and dry-run support. Built on
// gopkg.in/evanphx/json-patch.v4.
package effects

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/sjson"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/rules/condition"
)

var phaseOrder = []domain.Phase{domain.PhasePre, domain.PhaseOnResolve, domain.PhasePost}

// Result reports the outcome of Execute.
type Result struct {
	BeforeState    json.RawMessage
	AfterState     json.RawMessage
	PatchesApplied int
	Errors         []string
}

// Execute applies every non-deleted Effect whose Trigger matches trigger to
// current, phase by phase in PRE -> ON_RESOLVE -> POST order and, within a
// phase, by ascending Priority. Patch op values are resolved as JSONLogic
// expressions against evalCtx before being applied. On any op failure, the
// whole execution stops and returns the accumulated Errors with the
// pre-failure working copy discarded (callers must not persist AfterState
// when len(Errors) > 0).
func Execute(allEffects []domain.Effect, trigger string, evalCtx condition.Context, current json.RawMessage) Result {
	result := Result{BeforeState: current}

	matching := make([]domain.Effect, 0, len(allEffects))
	for _, e := range allEffects {
		if e.Trigger == trigger {
			matching = append(matching, e)
		}
	}

	working := append(json.RawMessage{}, current...)

	for _, phase := range phaseOrder {
		inPhase := forPhase(matching, phase)
		sort.Slice(inPhase, func(i, j int) bool { return inPhase[i].Priority < inPhase[j].Priority })

		for _, effect := range inPhase {
			for _, op := range effect.PatchOps {
				next, err := applyOp(working, op, evalCtx)
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("effect %s: %v", effect.ID, err))
					return result
				}
				working = next
				result.PatchesApplied++
			}
		}
	}

	result.AfterState = working
	return result
}

func forPhase(effects []domain.Effect, phase domain.Phase) []domain.Effect {
	var out []domain.Effect
	for _, e := range effects {
		if e.Phase == phase {
			out = append(out, e)
		}
	}
	return out
}

// applyOp materializes op's value (if any) by evaluating it as a JSONLogic
// expression against evalCtx, writes the result into a fresh RFC 6902 patch
// document with sjson, then applies that document to doc.
func applyOp(doc json.RawMessage, op domain.PatchOp, evalCtx condition.Context) (json.RawMessage, error) {
	opJSON := []byte(`[{}]`)
	var err error
	if opJSON, err = sjson.SetBytes(opJSON, "0.op", op.Op); err != nil {
		return nil, fmt.Errorf("build patch op: %w", err)
	}
	if opJSON, err = sjson.SetBytes(opJSON, "0.path", op.Path); err != nil {
		return nil, fmt.Errorf("build patch op: %w", err)
	}
	if op.From != "" {
		if opJSON, err = sjson.SetBytes(opJSON, "0.from", op.From); err != nil {
			return nil, fmt.Errorf("build patch op: %w", err)
		}
	}

	if len(op.Value) > 0 && op.Op != "remove" {
		resolved, err := condition.EvaluateExpression(op.Value, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("resolve patch value: %w", err)
		}
		if opJSON, err = sjson.SetRawBytes(opJSON, "0.value", resolved); err != nil {
			return nil, fmt.Errorf("write resolved patch value: %w", err)
		}
	}

	patch, err := jsonpatch.DecodePatch(opJSON)
	if err != nil {
		return nil, fmt.Errorf("decode patch op: %w", err)
	}

	next, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch op %s %s: %w", op.Op, op.Path, err)
	}
	return next, nil
}
