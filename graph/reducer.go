//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"reflect"
	"strings"
)

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result.
//
// Reducers must be pure. A custom reducer used at a fan-out wider than
// two branches should also be commutative and associative; the merge
// order at a join is fixed to fan-out declaration order, so a
// non-associative reducer silently couples results to branch layout.
// A reducer error fails the entire join; no partial merge is kept.
type StateReducer func(existing, update any) (any, error)

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) (any, error) {
	return update, nil
}

// AppendReducer appends update to existing slice. Existing elements
// come first, so merge(s1, s2) preserves s1's order prefix.
func AppendReducer(existing, update any) (any, error) {
	if existing == nil {
		existing = []any{}
	}

	existingSlice, ok1 := existing.([]any)
	updateSlice, ok2 := update.([]any)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not slices
		return update, nil
	}
	merged := make([]any, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	merged = append(merged, updateSlice...)
	return merged, nil
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) (any, error) {
	if existing == nil {
		existing = []string{}
	}

	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not string slices
		return update, nil
	}
	merged := make([]string, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	merged = append(merged, updateSlice...)
	return merged, nil
}

// UnionReducer appends update elements to the existing slice, dropping
// any element already present. Equality uses reflect.DeepEqual.
func UnionReducer(existing, update any) (any, error) {
	if existing == nil {
		existing = []any{}
	}

	existingSlice, ok1 := existing.([]any)
	updateSlice, ok2 := update.([]any)

	if !ok1 || !ok2 {
		return update, nil
	}
	merged := make([]any, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	for _, candidate := range updateSlice {
		if !containsEqual(merged, candidate) {
			merged = append(merged, candidate)
		}
	}
	return merged, nil
}

func containsEqual(values []any, candidate any) bool {
	for _, v := range values {
		if reflect.DeepEqual(v, candidate) {
			return true
		}
	}
	return false
}

// MergeReducer merges update map into existing map, key-wise. On key
// collision the update side wins; "last" is merge order, not wall clock.
func MergeReducer(existing, update any) (any, error) {
	if existing == nil {
		existing = make(map[string]any)
	}

	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not maps
		return update, nil
	}

	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result, nil
}

// MaxReducer keeps the larger of two numeric values. Both sides must
// be numeric; anything else is a reducer error that fails the join.
func MaxReducer(existing, update any) (any, error) {
	if existing == nil {
		return update, nil
	}
	a, err := toFloat(existing)
	if err != nil {
		return nil, err
	}
	b, err := toFloat(update)
	if err != nil {
		return nil, err
	}
	if b > a {
		return update, nil
	}
	return existing, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("max reducer requires numeric values, got %T", v)
}

// MaxReducerFunc keeps the larger value according to cmp, which must
// return a negative number if a < b, zero if equal, positive if a > b.
func MaxReducerFunc(cmp func(a, b any) (int, error)) StateReducer {
	return func(existing, update any) (any, error) {
		if existing == nil {
			return update, nil
		}
		order, err := cmp(existing, update)
		if err != nil {
			return nil, fmt.Errorf("max comparator: %w", err)
		}
		if order < 0 {
			return update, nil
		}
		return existing, nil
	}
}

// ConcatReducer joins two strings with the given separator. An empty
// side passes the other side through without a separator.
func ConcatReducer(separator string) StateReducer {
	return func(existing, update any) (any, error) {
		if existing == nil {
			existing = ""
		}
		a, ok1 := existing.(string)
		b, ok2 := update.(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("concat reducer requires strings, got %T and %T", existing, update)
		}
		switch {
		case a == "":
			return b, nil
		case b == "":
			return a, nil
		default:
			return strings.Join([]string{a, b}, separator), nil
		}
	}
}

// BoolOrReducer ORs two boolean values.
func BoolOrReducer(existing, update any) (any, error) {
	if existing == nil {
		existing = false
	}
	a, ok1 := existing.(bool)
	b, ok2 := update.(bool)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("bool-or reducer requires booleans, got %T and %T", existing, update)
	}
	return a || b, nil
}
