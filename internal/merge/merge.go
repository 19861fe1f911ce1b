// Package merge implements the three-way merge engine:
// field-level diff classification between a source and target branch
// against their common ancestor, and conflict resolution. Cherry-pick is
// implemented in internal/core (Service.CherryPick).
package merge

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// Classification is how one field differed across base, source, and target.
type Classification string

const (
	Clean     Classification = "CLEAN"
	Identical Classification = "IDENTICAL"
	Conflict  Classification = "CONFLICT"
	Unchanged Classification = "UNCHANGED"
)

// FieldDiff is one field's three-way comparison result. Winner holds the
// value a Clean classification should adopt (whichever side actually
// changed); it is unset for Conflict, where the caller must resolve.
type FieldDiff struct {
	Field          string
	Classification Classification
	BaseValue      json.RawMessage
	SourceValue    json.RawMessage
	TargetValue    json.RawMessage
	Winner         json.RawMessage
}

// Preview is the result of comparing one entity across base/source/target.
type Preview struct {
	EntityID  string
	Clean     []FieldDiff
	Conflicts []FieldDiff
}

// DiffEntity computes field-level diffs for one entity given its flattened
// base/source/target field maps (produced by flattening each entity's
// decompressed JSON payload to a field-path -> raw-value map).
func DiffEntity(entityID string, base, source, target map[string]json.RawMessage) Preview {
	p := Preview{EntityID: entityID}

	fields := unionKeys(base, source, target)
	for _, field := range fields {
		b, sVal, t := base[field], source[field], target[field]
		sourceChanged := !rawEqual(b, sVal)
		targetChanged := !rawEqual(b, t)

		var fd FieldDiff
		fd.Field = field
		fd.BaseValue, fd.SourceValue, fd.TargetValue = b, sVal, t

		switch {
		case !sourceChanged && !targetChanged:
			fd.Classification = Unchanged
			continue
		case sourceChanged && !targetChanged:
			fd.Classification = Clean
			fd.Winner = sVal
			p.Clean = append(p.Clean, fd)
		case !sourceChanged && targetChanged:
			fd.Classification = Clean
			fd.Winner = t
			p.Clean = append(p.Clean, fd)
		case rawEqual(sVal, t):
			fd.Classification = Identical
			fd.Winner = sVal
			p.Clean = append(p.Clean, fd)
		default:
			fd.Classification = Conflict
			p.Conflicts = append(p.Conflicts, fd)
		}
	}
	return p
}

func unionKeys(maps ...map[string]json.RawMessage) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func rawEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		av = string(a)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		bv = string(b)
	}
	return deepEqual(av, bv)
}

func deepEqual(a, b interface{}) bool {
	aJSON, _ := json.Marshal(a)
	bJSON, _ := json.Marshal(b)
	return string(aJSON) == string(bJSON)
}

// ResolutionKind is how a caller resolves one conflicting field.
type ResolutionKind string

const (
	AcceptSource ResolutionKind = "ACCEPT_SOURCE"
	AcceptTarget ResolutionKind = "ACCEPT_TARGET"
	Custom       ResolutionKind = "CUSTOM"
)

// Resolution pairs a conflict's field with how to resolve it.
type Resolution struct {
	Field       string
	Kind        ResolutionKind
	CustomValue json.RawMessage
}

// Resolve applies resolutions to preview's conflicts, producing the final
// field-path -> value map for the merged entity (clean fields plus
// resolved conflicts). Fails with UnresolvedConflicts if any conflict
// lacks a resolution.
func Resolve(preview Preview, resolutions []Resolution) (map[string]json.RawMessage, error) {
	byField := map[string]Resolution{}
	for _, r := range resolutions {
		byField[r.Field] = r
	}

	var missing []string
	for _, c := range preview.Conflicts {
		if _, ok := byField[c.Field]; !ok {
			missing = append(missing, c.Field)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.ErrUnresolvedConflicts(missing)
	}

	out := map[string]json.RawMessage{}
	for _, fd := range preview.Clean {
		out[fd.Field] = fd.Winner
	}
	for _, c := range preview.Conflicts {
		r := byField[c.Field]
		switch r.Kind {
		case AcceptSource:
			out[c.Field] = c.SourceValue
		case AcceptTarget:
			out[c.Field] = c.TargetValue
		case Custom:
			out[c.Field] = r.CustomValue
		default:
			return nil, fmt.Errorf("merge: unknown resolution kind %q for field %q", r.Kind, c.Field)
		}
	}
	return out, nil
}
