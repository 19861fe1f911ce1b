package spatial

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	ring := orb.Ring{
		{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0},
	}
	return orb.Polygon{ring}
}

func TestValidate_Point_RejectsNaN(t *testing.T) {
	bad := orb.Point{math.NaN(), 0}
	if err := Validate(bad); err == nil {
		t.Fatal("Validate() expected error for NaN point")
	}
}

func TestValidate_Polygon_RejectsUnclosedRing(t *testing.T) {
	poly := orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}
	if err := Validate(poly); err == nil {
		t.Fatal("Validate() expected error for unclosed ring")
	}
}

func TestValidate_Polygon_RejectsTooFewVertices(t *testing.T) {
	poly := orb.Polygon{orb.Ring{{0, 0}, {1, 1}, {0, 0}}}
	if err := Validate(poly); err == nil {
		t.Fatal("Validate() expected error for degenerate ring")
	}
}

func TestValidate_Polygon_RejectsSelfIntersection(t *testing.T) {
	// Bowtie shape.
	poly := orb.Polygon{orb.Ring{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}}
	if err := Validate(poly); err == nil {
		t.Fatal("Validate() expected error for self-intersecting ring")
	}
}

func TestValidate_Polygon_AcceptsValidSquare(t *testing.T) {
	if err := Validate(square(0, 0, 10, 10)); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_Polygon_RejectsBelowMinimumArea(t *testing.T) {
	tiny := square(0, 0, 0.5, 0.5) // 0.25 m^2
	if err := Validate(tiny); err == nil {
		t.Fatal("Validate() expected error for polygon below minimum area")
	}
}

func TestValidate_Polygon_RejectsAboveMaximumArea(t *testing.T) {
	side := math.Sqrt(MaxPolygonAreaSquareMeters) * 2
	huge := square(0, 0, side, side)
	if err := Validate(huge); err == nil {
		t.Fatal("Validate() expected error for polygon above maximum area")
	}
}

func TestArea_Square(t *testing.T) {
	if got := Area(square(0, 0, 10, 10)); got != 100 {
		t.Fatalf("Area() = %v, want 100", got)
	}
}

func TestPerimeter_Square(t *testing.T) {
	if got := Perimeter(square(0, 0, 10, 10)); got != 40 {
		t.Fatalf("Perimeter() = %v, want 40", got)
	}
}

func TestCovers_BoundaryInclusive(t *testing.T) {
	poly := square(0, 0, 10, 10)
	if !Covers(poly, orb.Point{0, 5}) {
		t.Error("Covers() boundary point should be inside")
	}
	if !Covers(poly, orb.Point{5, 5}) {
		t.Error("Covers() interior point should be inside")
	}
	if Covers(poly, orb.Point{20, 20}) {
		t.Error("Covers() exterior point should not be inside")
	}
}

func TestBoundsIntersect(t *testing.T) {
	a := square(0, 0, 10, 10)
	b := square(5, 5, 15, 15)
	c := square(100, 100, 110, 110)

	if !BoundsIntersect(a, b) {
		t.Error("BoundsIntersect() overlapping boxes should intersect")
	}
	if BoundsIntersect(a, c) {
		t.Error("BoundsIntersect() disjoint boxes should not intersect")
	}
}

func TestWithinRadius_OrdersByDistance(t *testing.T) {
	center := orb.Point{0, 0}
	candidates := map[string]orb.Point{
		"far":  {100, 0},
		"near": {1, 0},
		"mid":  {10, 0},
	}

	results := WithinRadius(center, 50, candidates)
	if len(results) != 2 {
		t.Fatalf("WithinRadius() len = %d, want 2", len(results))
	}
	if results[0].ID != "near" || results[1].ID != "mid" {
		t.Fatalf("WithinRadius() order = %v, want [near, mid]", results)
	}
}

func TestOverlaps(t *testing.T) {
	a := square(0, 0, 10, 10)
	b := square(5, 5, 15, 15)
	c := square(100, 100, 110, 110)

	if !Overlaps(a, b) {
		t.Error("Overlaps() expected true for overlapping squares")
	}
	if Overlaps(a, c) {
		t.Error("Overlaps() expected false for disjoint squares")
	}
}

func TestFromGeoJSON_ToGeoJSON_RoundTrip(t *testing.T) {
	raw := []byte(`{"type":"Point","coordinates":[1.5,2.5]}`)

	geom, err := FromGeoJSON(raw, 4326)
	if err != nil {
		t.Fatalf("FromGeoJSON() error = %v", err)
	}
	if geom.SRID != 4326 {
		t.Fatalf("SRID = %d, want 4326", geom.SRID)
	}

	out, err := ToGeoJSON(geom)
	if err != nil {
		t.Fatalf("ToGeoJSON() error = %v", err)
	}
	if len(out) == 0 {
		t.Fatal("ToGeoJSON() returned empty bytes")
	}
}

func TestFromWKB_ToWKB_RoundTrip(t *testing.T) {
	geom := &Geometry{SRID: DefaultSRID, Value: orb.Point{3, 4}}

	encoded, err := ToWKB(geom)
	if err != nil {
		t.Fatalf("ToWKB() error = %v", err)
	}

	decoded, err := FromWKB(encoded, DefaultSRID)
	if err != nil {
		t.Fatalf("FromWKB() error = %v", err)
	}
	pt, ok := decoded.Value.(orb.Point)
	if !ok || pt != (orb.Point{3, 4}) {
		t.Fatalf("FromWKB() = %v, want Point{3,4}", decoded.Value)
	}
}
