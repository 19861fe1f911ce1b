package variables

import (
	"encoding/json"
	"testing"

	"github.com/campaignforge/core/internal/domain"
)

func TestValidate_String(t *testing.T) {
	schema := domain.VariableSchema{Name: "title", Type: domain.ValueString}
	if err := Validate(schema, json.RawMessage(`"hello"`)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := Validate(schema, json.RawMessage(`42`)); err == nil {
		t.Fatal("Validate() expected error for number value against string schema")
	}
}

func TestValidate_Enum(t *testing.T) {
	schema := domain.VariableSchema{Name: "status", Type: domain.ValueEnum, EnumValues: []string{"THRIVING", "STRUGGLING"}}
	if err := Validate(schema, json.RawMessage(`"THRIVING"`)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := Validate(schema, json.RawMessage(`"UNKNOWN"`)); err == nil {
		t.Fatal("Validate() expected error for value outside enum")
	}
}

func TestValidate_Array(t *testing.T) {
	schema := domain.VariableSchema{Name: "tags", Type: domain.ValueArray, ElementType: domain.ValueString}
	if err := Validate(schema, json.RawMessage(`["a","b"]`)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := Validate(schema, json.RawMessage(`["a",2]`)); err == nil {
		t.Fatal("Validate() expected error for mixed-type array")
	}
}

func TestValidate_AbsentValueIsAllowed(t *testing.T) {
	schema := domain.VariableSchema{Name: "title", Type: domain.ValueString}
	if err := Validate(schema, nil); err != nil {
		t.Fatalf("Validate() error = %v, want nil for absent value", err)
	}
}

func TestResolveInherited_MostSpecificWins(t *testing.T) {
	schema := domain.VariableSchema{Name: "tax_rate", Type: domain.ValueNumber, DefaultValue: json.RawMessage(`0.1`)}
	values := map[domain.Scope]json.RawMessage{
		domain.ScopeWorld:    json.RawMessage(`0.2`),
		domain.ScopeCampaign: json.RawMessage(`0.15`),
	}
	r := ResolveInherited(schema, domain.ScopeSettlement, values)
	if string(r.Value) != "0.15" {
		t.Fatalf("ResolveInherited() = %s, want 0.15 (campaign scope)", r.Value)
	}
}

func TestResolveInherited_FallsBackToDefault(t *testing.T) {
	schema := domain.VariableSchema{Name: "tax_rate", Type: domain.ValueNumber, DefaultValue: json.RawMessage(`0.1`)}
	r := ResolveInherited(schema, domain.ScopeSettlement, nil)
	if string(r.Value) != "0.1" {
		t.Fatalf("ResolveInherited() = %s, want default 0.1", r.Value)
	}
}

func TestCheckCompatible_RejectsBreakingEnumNarrowing(t *testing.T) {
	old := domain.VariableSchema{Name: "status", Type: domain.ValueEnum, EnumValues: []string{"THRIVING", "STRUGGLING"}}
	updated := domain.VariableSchema{Name: "status", Type: domain.ValueEnum, EnumValues: []string{"THRIVING"}}
	existing := []json.RawMessage{json.RawMessage(`"STRUGGLING"`)}

	if err := CheckCompatible(old, updated, existing); err == nil {
		t.Fatal("CheckCompatible() expected SchemaIncompatible when a stored value is dropped from the enum")
	}
}

func TestCheckCompatible_AllowsNonBreakingChange(t *testing.T) {
	old := domain.VariableSchema{Name: "status", Type: domain.ValueEnum, EnumValues: []string{"THRIVING"}}
	updated := domain.VariableSchema{Name: "status", Type: domain.ValueEnum, EnumValues: []string{"THRIVING", "STRUGGLING"}}
	existing := []json.RawMessage{json.RawMessage(`"THRIVING"`)}

	if err := CheckCompatible(old, updated, existing); err != nil {
		t.Fatalf("CheckCompatible() error = %v, want nil", err)
	}
}
