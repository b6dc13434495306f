//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

// Package storage defines the pluggable persistence contract consumed
// by the checkpoint savers. Implementations must make Save atomic:
// a reader never observes a partially written value.
package storage

import (
	"context"
	"time"
)

// Backend stores opaque byte payloads under string keys. Keys use "/"
// as a hierarchy separator regardless of platform.
type Backend interface {
	// Save durably stores data under key, replacing any previous value.
	// The replacement must be atomic.
	Save(ctx context.Context, key string, data []byte) error
	// Load returns the value stored under key, or (nil, nil) if the key
	// does not exist.
	Load(ctx context.Context, key string) ([]byte, error)
	// List returns all keys beginning with prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the value stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
}

// ModTimer is an optional Backend capability reporting when a key was
// last written. The filesystem checkpoint saver uses it to pick the
// newest checkpoint during index recovery scans.
type ModTimer interface {
	ModTime(ctx context.Context, key string) (time.Time, error)
}
