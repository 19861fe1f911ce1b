package depgraph

import (
	"encoding/json"
	"testing"

	"github.com/campaignforge/core/internal/domain"
)

func node(id, field string) Node {
	return Node{EntityType: domain.EntitySettlement, EntityID: id, Field: field}
}

func TestAddCondition_RejectsCycle(t *testing.T) {
	g := New()

	if err := g.AddCondition("cond-1", node("stl-1", "tax"), []Node{node("stl-1", "population")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}
	err := g.AddCondition("cond-2", node("stl-1", "population"), []Node{node("stl-1", "tax")})
	if err == nil {
		t.Fatal("AddCondition() expected CircularDependency error")
	}
}

func TestAddCondition_RejectsSelfReference(t *testing.T) {
	g := New()
	err := g.AddCondition("cond-1", node("stl-1", "tax"), []Node{node("stl-1", "tax")})
	if err == nil {
		t.Fatal("AddCondition() expected error for self-referencing condition")
	}
}

func TestInvalidate_ReturnsDownstreamOrder(t *testing.T) {
	g := New()
	// tax depends on population; upkeep depends on tax.
	if err := g.AddCondition("cond-tax", node("stl-1", "tax"), []Node{node("stl-1", "population")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}
	if err := g.AddCondition("cond-upkeep", node("stl-1", "upkeep"), []Node{node("stl-1", "tax")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}

	affected := g.Invalidate(node("stl-1", "population"))
	if len(affected) != 2 {
		t.Fatalf("Invalidate() = %v, want 2 downstream nodes", affected)
	}
	if affected[0].Field != "tax" || affected[1].Field != "upkeep" {
		t.Fatalf("Invalidate() order = %v, want [tax, upkeep]", affected)
	}
}

func TestInvalidate_EvictsCache(t *testing.T) {
	g := New()
	if err := g.AddCondition("cond-tax", node("stl-1", "tax"), []Node{node("stl-1", "population")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}

	g.CachePut("br-main", "2026-01-01", node("stl-1", "tax"), json.RawMessage(`42`))
	if _, ok := g.CacheGet("br-main", "2026-01-01", node("stl-1", "tax")); !ok {
		t.Fatal("expected cache hit before invalidation")
	}

	g.Invalidate(node("stl-1", "population"))
	if _, ok := g.CacheGet("br-main", "2026-01-01", node("stl-1", "tax")); ok {
		t.Fatal("expected cache eviction after invalidation")
	}
}

func TestRemoveCondition_RetractsUnsharedEdges(t *testing.T) {
	g := New()
	if err := g.AddCondition("cond-tax", node("stl-1", "tax"), []Node{node("stl-1", "population")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}

	g.RemoveCondition("cond-tax", func(e edge) bool { return false })

	affected := g.AffectedBy(node("stl-1", "population"))
	if len(affected) != 0 {
		t.Fatalf("AffectedBy() = %v, want empty after removal", affected)
	}
}

func TestAffectedBy_DoesNotTouchCache(t *testing.T) {
	g := New()
	if err := g.AddCondition("cond-tax", node("stl-1", "tax"), []Node{node("stl-1", "population")}); err != nil {
		t.Fatalf("AddCondition() error = %v", err)
	}
	g.CachePut("br-main", "2026-01-01", node("stl-1", "tax"), json.RawMessage(`42`))

	g.AffectedBy(node("stl-1", "population"))

	if _, ok := g.CacheGet("br-main", "2026-01-01", node("stl-1", "tax")); !ok {
		t.Fatal("AffectedBy() should not evict cache")
	}
}
