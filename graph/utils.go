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
	"reflect"
	"time"
)

// deepCopyAny performs a deep copy of common JSON-serializable Go types to
// avoid sharing mutable references (maps/slices) across goroutines. It is
// used when cloning state into checkpoints so a saver can serialize the
// snapshot while nodes keep mutating their own copies.
func deepCopyAny(value any) any {
	if out, ok := deepCopyFastPath(value); ok {
		return out
	}
	return deepCopyReflect(reflect.ValueOf(value), make(map[uintptr]any))
}

// deepCopyState deep copies every value of a state map.
func deepCopyState(s State) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = deepCopyAny(v)
	}
	return out
}

// deepCopyFastPath handles common JSON-friendly types without reflection.
func deepCopyFastPath(value any) (any, bool) {
	switch v := value.(type) {
	case nil, bool, string, int, int64, float64, time.Time:
		return v, true
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = deepCopyAny(vv)
		}
		return copied, true
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = deepCopyAny(v[i])
		}
		return copied, true
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied, true
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied, true
	case []float64:
		copied := make([]float64, len(v))
		copy(copied, v)
		return copied, true
	}
	return nil, false
}

// deepCopyReflect performs a deep copy using reflection with cycle detection.
func deepCopyReflect(rv reflect.Value, visited map[uintptr]any) any {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return deepCopyReflect(rv.Elem(), visited)
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		if cached, ok := visited[rv.Pointer()]; ok {
			return cached
		}
		elem := rv.Elem()
		newPtr := reflect.New(elem.Type())
		visited[rv.Pointer()] = newPtr.Interface()
		newPtr.Elem().Set(reflect.ValueOf(deepCopyReflect(elem, visited)))
		return newPtr.Interface()
	case reflect.Map:
		return copyMapReflect(rv, visited)
	case reflect.Slice:
		return copySliceReflect(rv, visited)
	case reflect.Array:
		l := rv.Len()
		newArr := reflect.New(rv.Type()).Elem()
		for i := 0; i < l; i++ {
			newArr.Index(i).Set(reflect.ValueOf(deepCopyReflect(rv.Index(i), visited)))
		}
		return newArr.Interface()
	case reflect.Struct:
		return copyStructReflect(rv, visited)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Zero(rv.Type()).Interface()
	default:
		return rv.Interface()
	}
}

func copyMapReflect(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	if cached, ok := visited[rv.Pointer()]; ok {
		return cached
	}
	newMap := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	visited[rv.Pointer()] = newMap.Interface()
	for _, mk := range rv.MapKeys() {
		newMap.SetMapIndex(mk, reflect.ValueOf(deepCopyReflect(rv.MapIndex(mk), visited)))
	}
	return newMap.Interface()
}

func copySliceReflect(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	if cached, ok := visited[rv.Pointer()]; ok {
		return cached
	}
	l := rv.Len()
	newSlice := reflect.MakeSlice(rv.Type(), l, l)
	visited[rv.Pointer()] = newSlice.Interface()
	for i := 0; i < l; i++ {
		newSlice.Index(i).Set(reflect.ValueOf(deepCopyReflect(rv.Index(i), visited)))
	}
	return newSlice.Interface()
}

func copyStructReflect(rv reflect.Value, visited map[uintptr]any) any {
	newStruct := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.NumField(); i++ {
		if rv.Type().Field(i).PkgPath != "" {
			continue // unexported
		}
		dst := newStruct.Field(i)
		if !dst.CanSet() {
			continue
		}
		copied := deepCopyReflect(rv.Field(i), visited)
		if copied == nil {
			dst.Set(reflect.Zero(dst.Type()))
			continue
		}
		src := reflect.ValueOf(copied)
		switch {
		case src.Type().AssignableTo(dst.Type()):
			dst.Set(src)
		case src.Type().ConvertibleTo(dst.Type()):
			dst.Set(src.Convert(dst.Type()))
		default:
			dst.Set(reflect.Zero(dst.Type()))
		}
	}
	return newStruct.Interface()
}
