// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed embed/bootstrap.forge
var bootstrapFS embed.FS

// stdlibFS holds the built-in includable buildfile fragments under
// std/ (see graph.go's doInclude, which falls back to this embedded
// filesystem when an `include std/...` path isn't found on disk) —
// e.g. std/c.mk's C compile pattern rule.
//
//go:embed std/*.mk
var stdlibFS embed.FS

// Bootstrap reads the embedded default toolchain variables (CC, CFLAGS,
// etc. — see embed/bootstrap.forge) and applies them to v, so a fresh
// buildfile inherits sane defaults before its own statements run. Only
// plain `name = value` assignments are supported here; anything else in
// the bootstrap file is a packaging bug.
func Bootstrap(v *Vars) error {
	data, err := bootstrapFS.ReadFile("embed/bootstrap.forge")
	if err != nil {
		return WrapErr(ErrIO, "embed/bootstrap.forge", err)
	}

	file, err := Parse(strings.NewReader(string(data)))
	if err != nil {
		return WrapErr(ErrLogic, "embed/bootstrap.forge", err)
	}

	for i, stmt := range file.Stmts {
		va, ok := stmt.(VarAssign)
		if !ok {
			return WrapErr(ErrLogic, "embed/bootstrap.forge",
				fmt.Errorf("statement %d: bootstrap file may only contain variable assignments", i))
		}
		v.Set(va.Name, v.Expand(va.Value))
	}
	return nil
}
