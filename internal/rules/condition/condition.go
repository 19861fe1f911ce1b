// Package condition evaluates JSONLogic field conditions
// against an assembled context: the target entity's resolved state, its
// scope-hierarchy parents' states, the campaign's current world time, and
// explicit parameters. Built on github.com/diegoholiveira/jsonlogic/v3,
// extended with domain operators ST_Within, ST_Distance, hasLevel, and
// variable(path) (the last backed by github.com/tidwall/gjson for
// dotted/indexed path lookups the core "var" operator does not support).
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/paulmach/orb"
	"github.com/tidwall/gjson"

	"github.com/campaignforge/core/internal/domain"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
	"github.com/campaignforge/core/internal/spatial"
)

func init() {
	jsonlogic.AddOperator("ST_Within", stWithinOperator)
	jsonlogic.AddOperator("ST_Distance", stDistanceOperator)
	jsonlogic.AddOperator("hasLevel", hasLevelOperator)
	jsonlogic.AddOperator("variable", variableOperator)
}

// Context is the assembled evaluation environment for one field.
type Context struct {
	Entity    map[string]interface{}            `json:"entity"`
	Parents   map[string]map[string]interface{} `json:"parents"`
	WorldTime string                             `json:"worldTime"`
	Params    map[string]interface{}            `json:"params,omitempty"`
}

func (c Context) json() ([]byte, error) {
	return json.Marshal(c)
}

// EvaluateExpression evaluates a single JSONLogic rule against ctx,
// returning the raw JSON result (possibly "null" when undefined).
func EvaluateExpression(rule json.RawMessage, ctx Context) (json.RawMessage, error) {
	dataJSON, err := ctx.json()
	if err != nil {
		return nil, fmt.Errorf("condition: marshal context: %w", err)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(dataJSON), &out); err != nil {
		return nil, fmt.Errorf("condition: apply rule: %w", err)
	}
	return json.RawMessage(bytes.TrimSpace(out.Bytes())), nil
}

// Sort orders conditions by priority ascending, then ID lexicographic,
// matching EvaluateField's resolution order.
func Sort(conditions []domain.FieldCondition) {
	sort.Slice(conditions, func(i, j int) bool {
		if conditions[i].Priority != conditions[j].Priority {
			return conditions[i].Priority < conditions[j].Priority
		}
		return conditions[i].ID < conditions[j].ID
	})
}

// EvaluateField evaluates conditions (already filtered to one
// (entityType, entityId, field) and not-deleted) in priority order,
// returning the first defined result, or defaultValue if every condition
// is undefined. An error from one condition stops evaluation and carries
// that condition's ID.
func EvaluateField(conditions []domain.FieldCondition, ctx Context, defaultValue json.RawMessage) (json.RawMessage, error) {
	ordered := make([]domain.FieldCondition, len(conditions))
	copy(ordered, conditions)
	Sort(ordered)

	for _, c := range ordered {
		result, err := EvaluateExpression(c.Expression, ctx)
		if err != nil {
			return nil, apperrors.Internal(apperrors.CodeDependencyFailed, "condition evaluation failed").
				WithDetail("conditionId", c.ID).WithDetail("cause", err.Error())
		}
		if !isUndefined(result) {
			return result, nil
		}
	}
	return defaultValue, nil
}

func isUndefined(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// ReferencedPaths returns the flattened set of variable paths an
// expression references, used to build Dependency Graph edges.
func ReferencedPaths(rule json.RawMessage) []string {
	var paths []string
	seen := map[string]bool{}
	walkPaths(rule, &paths, seen)
	return paths
}

func walkPaths(raw json.RawMessage, paths *[]string, seen map[string]bool) {
	var node interface{}
	if err := json.Unmarshal(raw, &node); err != nil {
		return
	}
	walkPathsValue(node, paths, seen)
}

func walkPathsValue(node interface{}, paths *[]string, seen map[string]bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "var" || key == "variable" {
				addPath(val, paths, seen)
				continue
			}
			walkPathsValue(val, paths, seen)
		}
	case []interface{}:
		for _, item := range v {
			walkPathsValue(item, paths, seen)
		}
	}
}

func addPath(val interface{}, paths *[]string, seen map[string]bool) {
	var path string
	switch v := val.(type) {
	case string:
		path = v
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				path = s
			}
		}
	}
	if path == "" || seen[path] {
		return
	}
	seen[path] = true
	*paths = append(*paths, path)
}

// variableOperator implements variable(path): a gjson-backed path lookup
// into the evaluation data, supporting dotted and indexed paths the core
// "var" operator does not (e.g. "parents.KINGDOM.taxRate").
func variableOperator(values, data interface{}) interface{} {
	path, ok := firstArg(values).(string)
	if !ok {
		return nil
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(dataJSON, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// hasLevelOperator implements hasLevel(entity, minLevel): true if the
// referenced entity's "level" field is a number >= minLevel.
func hasLevelOperator(values, data interface{}) interface{} {
	args, ok := values.([]interface{})
	if !ok || len(args) != 2 {
		return false
	}
	entity, ok := args[0].(map[string]interface{})
	if !ok {
		return false
	}
	minLevel, ok := toFloat(args[1])
	if !ok {
		return false
	}
	level, ok := toFloat(entity["level"])
	if !ok {
		return false
	}
	return level >= minLevel
}

// stWithinOperator implements ST_Within(point, polygon): point is
// [lng, lat]; polygon is a GeoJSON-shaped coordinate ring list.
func stWithinOperator(values, data interface{}) interface{} {
	args, ok := values.([]interface{})
	if !ok || len(args) != 2 {
		return false
	}
	point, ok := toPoint(args[0])
	if !ok {
		return false
	}
	polygon, ok := toPolygon(args[1])
	if !ok {
		return false
	}
	return spatial.Covers(polygon, point)
}

// stDistanceOperator implements ST_Distance(pointA, pointB), returning the
// planar distance in the geometries' shared coordinate units.
func stDistanceOperator(values, data interface{}) interface{} {
	args, ok := values.([]interface{})
	if !ok || len(args) != 2 {
		return nil
	}
	a, ok := toPoint(args[0])
	if !ok {
		return nil
	}
	b, ok := toPoint(args[1])
	if !ok {
		return nil
	}
	return spatial.Distance(a, b)
}

func firstArg(values interface{}) interface{} {
	if args, ok := values.([]interface{}); ok && len(args) > 0 {
		return args[0]
	}
	return values
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func toPoint(v interface{}) (orb.Point, bool) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 2 {
		return orb.Point{}, false
	}
	x, ok1 := toFloat(arr[0])
	y, ok2 := toFloat(arr[1])
	if !ok1 || !ok2 {
		return orb.Point{}, false
	}
	return orb.Point{x, y}, true
}

func toPolygon(v interface{}) (orb.Polygon, bool) {
	rings, ok := v.([]interface{})
	if !ok || len(rings) == 0 {
		return nil, false
	}
	var poly orb.Polygon
	for _, r := range rings {
		points, ok := r.([]interface{})
		if !ok {
			return nil, false
		}
		var ring orb.Ring
		for _, p := range points {
			pt, ok := toPoint(p)
			if !ok {
				return nil, false
			}
			ring = append(ring, pt)
		}
		poly = append(poly, ring)
	}
	return poly, true
}
