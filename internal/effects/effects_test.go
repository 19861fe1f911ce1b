package effects

import (
	"encoding/json"
	"testing"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/rules/condition"
)

func TestExecute_AppliesSinglePhaseInPriorityOrder(t *testing.T) {
	current := json.RawMessage(`{"population":100,"log":[]}`)

	effects := []domain.Effect{
		{
			ID:      "eff-2",
			Trigger: "encounter_resolved",
			Phase:   domain.PhaseOnResolve,
			Priority: 2,
			PatchOps: []domain.PatchOp{
				{Op: "replace", Path: "/population", Value: json.RawMessage(`150`)},
			},
		},
		{
			ID:      "eff-1",
			Trigger: "encounter_resolved",
			Phase:   domain.PhaseOnResolve,
			Priority: 1,
			PatchOps: []domain.PatchOp{
				{Op: "replace", Path: "/population", Value: json.RawMessage(`120`)},
			},
		},
	}

	result := Execute(effects, "encounter_resolved", condition.Context{}, current)
	if len(result.Errors) != 0 {
		t.Fatalf("Execute() errors = %v", result.Errors)
	}

	var after map[string]interface{}
	if err := json.Unmarshal(result.AfterState, &after); err != nil {
		t.Fatalf("unmarshal after state: %v", err)
	}
	if after["population"].(float64) != 150 {
		t.Fatalf("population = %v, want 150 (eff-1 then eff-2 applied in priority order)", after["population"])
	}
	if result.PatchesApplied != 2 {
		t.Fatalf("PatchesApplied = %d, want 2", result.PatchesApplied)
	}
}

func TestExecute_RunsPhasesInPREThenONRESOLVEThenPOSTOrder(t *testing.T) {
	current := json.RawMessage(`{"trace":[]}`)

	effects := []domain.Effect{
		{ID: "post", Trigger: "t", Phase: domain.PhasePost, Priority: 0,
			PatchOps: []domain.PatchOp{{Op: "replace", Path: "/trace", Value: json.RawMessage(`["post"]`)}}},
		{ID: "pre", Trigger: "t", Phase: domain.PhasePre, Priority: 0,
			PatchOps: []domain.PatchOp{{Op: "replace", Path: "/trace", Value: json.RawMessage(`["pre"]`)}}},
		{ID: "on", Trigger: "t", Phase: domain.PhaseOnResolve, Priority: 0,
			PatchOps: []domain.PatchOp{{Op: "replace", Path: "/trace", Value: json.RawMessage(`["pre","on"]`)}}},
	}

	result := Execute(effects, "t", condition.Context{}, current)
	if len(result.Errors) != 0 {
		t.Fatalf("Execute() errors = %v", result.Errors)
	}

	var after map[string]interface{}
	if err := json.Unmarshal(result.AfterState, &after); err != nil {
		t.Fatalf("unmarshal after state: %v", err)
	}
	trace := after["trace"].([]interface{})
	if trace[len(trace)-1] != "post" {
		t.Fatalf("final trace entry = %v, want \"post\" (phases ran PRE, ON_RESOLVE, POST)", trace[len(trace)-1])
	}
}

func TestExecute_StopsOnFirstFailure(t *testing.T) {
	current := json.RawMessage(`{"population":100}`)

	effects := []domain.Effect{
		{ID: "bad", Trigger: "t", Phase: domain.PhaseOnResolve, Priority: 0,
			PatchOps: []domain.PatchOp{{Op: "replace", Path: "/missing/nested", Value: json.RawMessage(`1`)}}},
	}

	result := Execute(effects, "t", condition.Context{}, current)
	if len(result.Errors) == 0 {
		t.Fatal("Execute() expected an error for a patch against a missing path")
	}
	if result.AfterState != nil {
		t.Fatal("Execute() should not populate AfterState on failure")
	}
}

func TestExecute_IgnoresNonMatchingTrigger(t *testing.T) {
	current := json.RawMessage(`{"population":100}`)
	effects := []domain.Effect{
		{ID: "eff-1", Trigger: "other_trigger", Phase: domain.PhaseOnResolve,
			PatchOps: []domain.PatchOp{{Op: "replace", Path: "/population", Value: json.RawMessage(`999`)}}},
	}

	result := Execute(effects, "encounter_resolved", condition.Context{}, current)
	if result.PatchesApplied != 0 {
		t.Fatalf("PatchesApplied = %d, want 0 for non-matching trigger", result.PatchesApplied)
	}
}
