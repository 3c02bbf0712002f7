// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build forge_deadlock

package forge

import deadlock "github.com/sasha-s/go-deadlock"

// mutex is go-deadlock's RWMutex when built with -tags forge_deadlock: it
// detects lock-ordering cycles across the scope tree and target graph and
// dumps goroutine stacks instead of hanging silently.
type mutex = deadlock.RWMutex
