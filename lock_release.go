// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !forge_deadlock

package forge

import "sync"

// mutex is sync.RWMutex in normal builds. Build with -tags forge_deadlock
// to swap in go-deadlock's instrumented mutex (lock_debug.go) when
// chasing a scope/target locking bug.
type mutex = sync.RWMutex
