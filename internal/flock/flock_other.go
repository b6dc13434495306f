//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

//go:build !unix

package flock

import "os"

// Non-unix platforms fall back to no cross-process locking. The
// checkpoint savers still serialize writers within the process.
func lockExclusive(_ *os.File) error { return nil }

func unlock(_ *os.File) error { return nil }
