// Package spatial implements the geometry sub-store: validation,
// GeoJSON↔WKB conversion, and the bbox/containment/proximity predicates
// used over the set of non-deleted Locations in a world.
//
// Built on github.com/paulmach/orb, the widely used Go geometry library
// (not present in any example repo's dependency surface; named per the
// out-of-pack-dependency rule rather than grounded in pack code).
package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// DefaultSRID is Web Mercator, used when a geometry omits an explicit SRID.
const DefaultSRID = 3857

// Polygon area bounds, in square meters under the default SRID: a region
// narrower than a single room, or wider than a small country, almost
// certainly reflects a coordinate-order or unit mistake rather than an
// intentional location.
const (
	MinPolygonAreaSquareMeters = 1.0
	MaxPolygonAreaSquareMeters = 10_000.0 * 1_000_000.0
)

// Geometry pairs an orb.Geometry with the SRID its coordinates are in.
type Geometry struct {
	SRID  int
	Value orb.Geometry
}

// FromGeoJSON parses a GeoJSON geometry, validates it, and tags it with
// srid (DefaultSRID if 0).
func FromGeoJSON(raw []byte, srid int) (*Geometry, error) {
	if srid == 0 {
		srid = DefaultSRID
	}

	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidGeometry, "invalid geojson").
			WithDetail("cause", err.Error())
	}

	geom := &Geometry{SRID: srid, Value: g.Geometry()}
	if err := Validate(geom.Value); err != nil {
		return nil, err
	}
	return geom, nil
}

// ToGeoJSON serializes a Geometry back to GeoJSON bytes.
func ToGeoJSON(g *Geometry) ([]byte, error) {
	return geojson.NewGeometry(g.Value).MarshalJSON()
}

// FromWKB parses an (E)WKB-encoded geometry.
func FromWKB(data []byte, srid int) (*Geometry, error) {
	if srid == 0 {
		srid = DefaultSRID
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidGeometry, "invalid wkb").
			WithDetail("cause", err.Error())
	}
	geom := &Geometry{SRID: srid, Value: g}
	if err := Validate(geom.Value); err != nil {
		return nil, err
	}
	return geom, nil
}

// ToWKB serializes a Geometry to WKB bytes.
func ToWKB(g *Geometry) ([]byte, error) {
	return wkb.Marshal(g.Value)
}

// Validate rejects unclosed rings, NaN/Infinity coordinates, empty rings,
// polygons with fewer than 3 distinct vertices, and self-intersecting
// rings.
func Validate(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.Point:
		return validatePoint(v)
	case orb.Polygon:
		return validatePolygon(v)
	case orb.MultiPolygon:
		for _, poly := range v {
			if err := validatePolygon(poly); err != nil {
				return err
			}
		}
		return nil
	default:
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "unsupported geometry type").
			WithDetail("type", fmt.Sprintf("%T", g))
	}
}

func validatePoint(p orb.Point) error {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "point has NaN or infinite coordinate")
	}
	return nil
}

func validatePolygon(poly orb.Polygon) error {
	if len(poly) == 0 {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "polygon has no rings")
	}
	for _, ring := range poly {
		if err := validateRing(ring); err != nil {
			return err
		}
	}

	area := Area(poly)
	if area < MinPolygonAreaSquareMeters || area > MaxPolygonAreaSquareMeters {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "polygon area out of bounds").
			WithDetail("areaSquareMeters", area).
			WithDetail("min", MinPolygonAreaSquareMeters).
			WithDetail("max", MaxPolygonAreaSquareMeters)
	}
	return nil
}

// Area returns poly's planar area (outer ring minus holes) in the
// coordinate system's squared units — square meters under DefaultSRID.
func Area(poly orb.Polygon) float64 {
	return math.Abs(planar.Area(poly))
}

// Perimeter returns the total length of poly's rings (outer plus holes) in
// the coordinate system's units.
func Perimeter(poly orb.Polygon) float64 {
	var total float64
	for _, ring := range poly {
		for i := 0; i < len(ring)-1; i++ {
			total += planar.Distance(ring[i], ring[i+1])
		}
	}
	return total
}

func validateRing(ring orb.Ring) error {
	if len(ring) == 0 {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "ring is empty")
	}
	for _, pt := range ring {
		if err := validatePoint(pt); err != nil {
			return err
		}
	}
	if !ring[0].Equal(ring[len(ring)-1]) {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "ring is not closed")
	}

	distinct := distinctVertexCount(ring)
	if distinct < 3 {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "ring needs at least 3 distinct vertices")
	}

	if ringSelfIntersects(ring) {
		return apperrors.BadRequest(apperrors.CodeInvalidGeometry, "ring self-intersects")
	}
	return nil
}

func distinctVertexCount(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for i, pt := range ring {
		if i == len(ring)-1 {
			continue // closing vertex duplicates the first
		}
		seen[pt] = struct{}{}
	}
	return len(seen)
}

// ringSelfIntersects does a naive O(n^2) segment-intersection check,
// sufficient for the small hand-authored polygons this system deals with.
func ringSelfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1 // last point closes the ring
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 1; j < n; j++ {
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue // adjacent segments share an endpoint, not an intersection
			}
			b1, b2 := ring[j], ring[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p4, p3, p1)
	d2 := cross(p4, p3, p2)
	d3 := cross(p2, p1, p3)
	d4 := cross(p2, p1, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return false
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// Covers reports whether region contains point, using inclusive "covers"
// semantics (boundary points count as inside).
func Covers(region orb.Polygon, point orb.Point) bool {
	return planar.PolygonContains(region, point) || pointOnBoundary(region, point)
}

func pointOnBoundary(poly orb.Polygon, point orb.Point) bool {
	for _, ring := range poly {
		for i := 0; i < len(ring)-1; i++ {
			if pointOnSegment(ring[i], ring[i+1], point) {
				return true
			}
		}
	}
	return false
}

func pointOnSegment(a, b, p orb.Point) bool {
	const eps = 1e-9
	cr := cross(a, b, p)
	if math.Abs(cr) > eps {
		return false
	}
	return p[0] >= math.Min(a[0], b[0])-eps && p[0] <= math.Max(a[0], b[0])+eps &&
		p[1] >= math.Min(a[1], b[1])-eps && p[1] <= math.Max(a[1], b[1])+eps
}

// BoundsIntersect reports whether two geometries' bounding boxes overlap.
func BoundsIntersect(a, b orb.Geometry) bool {
	return a.Bound().Intersects(b.Bound())
}

// Distance returns the planar distance between two points in the
// geometries' shared coordinate units.
func Distance(a, b orb.Point) float64 {
	return planar.Distance(a, b)
}

// Ranked pairs a geometry identifier with its distance from a query point,
// used by WithinRadius to return ascending-distance ordering.
type Ranked struct {
	ID       string
	Distance float64
}

// WithinRadius filters candidates to those within radius of center,
// ordered by ascending distance.
func WithinRadius(center orb.Point, radius float64, candidates map[string]orb.Point) []Ranked {
	var out []Ranked
	for id, pt := range candidates {
		d := Distance(center, pt)
		if d <= radius {
			out = append(out, Ranked{ID: id, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// Overlaps reports whether two regions share any area, via bounding-box
// pre-filter followed by a vertex-containment check in either direction.
func Overlaps(a, b orb.Polygon) bool {
	if !BoundsIntersect(a, b) {
		return false
	}
	for _, ring := range a {
		for _, pt := range ring {
			if planar.PolygonContains(b, pt) {
				return true
			}
		}
	}
	for _, ring := range b {
		for _, pt := range ring {
			if planar.PolygonContains(a, pt) {
				return true
			}
		}
	}
	return false
}
