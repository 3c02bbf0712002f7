// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/forgebuild/forge"
)

// cli is the kong flag binding for the forge command line. It exists
// purely to collect flags; the dispatch logic lives in run, unchanged
// from the stdlib-flag version, and Args holds whatever is left after
// flag parsing (targets, config suffixes, name=value overrides).
var cli struct {
	File     string   `short:"f" default:"mkfile" help:"mkfile to read"`
	Verbose  bool     `short:"v" help:"verbose output"`
	Force    bool     `short:"B" help:"unconditional rebuild (ignore state)"`
	DryRun   bool     `short:"n" help:"dry run (print commands without executing)"`
	Jobs     int      `short:"j" default:"-1" help:"parallel jobs (-1=auto, 0=unlimited)"`
	Why      bool     `name:"why" help:"explain why targets are stale"`
	Graph    bool     `name:"graph" help:"print dependency subgraph"`
	State    bool     `name:"state" help:"show build database entries"`
	Complete bool     `name:"complete" help:"output completions (targets and configs)"`
	Args     []string `arg:"" optional:"" help:"targets, target:config1+config2, or name=value overrides"`
}

func main() {
	kong.Parse(&cli, kong.Name("mk"), kong.UsageOnError())

	if err := run(cli.File, cli.Verbose, cli.Force, cli.DryRun, cli.Jobs, cli.Why, cli.Graph, cli.State, cli.Complete, cli.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mk: %s\n", err)
		os.Exit(1)
	}
}

func run(file string, verbose, force, dryRun bool, jobs int, why, graph, showState, complete bool, args []string) error {
	// Process command-line arguments: targets, configs, and variable overrides
	vars := forge.NewVars()
	if err := forge.Bootstrap(vars); err != nil {
		return err
	}
	var buildTargets []string
	var activeConfigs []string
	configSeen := map[string]bool{}

	for _, arg := range args {
		if name, value, ok := strings.Cut(arg, "="); ok {
			vars.Set(name, value)
			continue
		}
		// Check for target:config1+config2 syntax
		if target, configStr, ok := strings.Cut(arg, ":"); ok {
			buildTargets = append(buildTargets, target)
			for _, c := range strings.Split(configStr, "+") {
				c = strings.TrimSpace(c)
				if c != "" && !configSeen[c] {
					activeConfigs = append(activeConfigs, c)
					configSeen[c] = true
				}
			}
		} else {
			buildTargets = append(buildTargets, arg)
		}
	}

	// Config suffix for state file isolation
	configSuffix := strings.Join(activeConfigs, "-")

	// --complete: output target and config names for shell completion
	if complete {
		f, err := os.Open(file)
		if err != nil {
			return nil // silent failure for completion
		}
		defer f.Close()
		ast, err := forge.Parse(f)
		if err != nil {
			return nil
		}
		g, err := forge.BuildGraph(ast, vars, &forge.BuildState{Targets: make(map[string]*forge.TargetState)}, nil)
		if err != nil {
			return nil
		}
		for _, t := range g.Targets() {
			fmt.Println(t)
		}
		for _, c := range g.ConfigNames() {
			fmt.Println(c)
		}
		return nil
	}

	// --state only needs the build database
	if showState {
		state := forge.LoadState(configSuffix)
		if len(buildTargets) == 0 {
			return fmt.Errorf("--state requires at least one target")
		}
		for _, t := range buildTargets {
			ts := state.Targets[t]
			if ts == nil {
				fmt.Printf("no build state recorded for %q\n", t)
				continue
			}
			data, _ := json.MarshalIndent(ts, "", "  ")
			fmt.Printf("state for %q:\n%s\n", t, string(data))
		}
		return nil
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", file, err)
	}
	defer f.Close()

	ast, err := forge.Parse(f)
	if err != nil {
		return err
	}

	state := forge.LoadState(configSuffix)

	g, err := forge.BuildGraph(ast, vars, state, activeConfigs)
	if err != nil {
		return err
	}

	if len(buildTargets) == 0 {
		def := g.DefaultTarget()
		if def == "" {
			return fmt.Errorf("no targets specified and no default target")
		}
		buildTargets = []string{def}
	}

	// --why: explain why targets are stale, then exit
	if why {
		for _, t := range buildTargets {
			reasons, err := g.WhyRebuild(t)
			if err != nil {
				return err
			}
			if len(reasons) == 0 {
				fmt.Printf("%s is up to date\n", t)
			} else {
				fmt.Printf("%s needs rebuilding:\n", t)
				for _, r := range reasons {
					fmt.Printf("  - %s\n", r)
				}
			}
		}
		return nil
	}

	// --graph: print dependency subgraph as DOT, then exit
	if graph {
		return g.PrintGraph(buildTargets)
	}

	// Normal build
	exec := forge.NewExecutor(g, state, vars, verbose, force, dryRun, jobs)

	// Build config requires targets first
	for _, req := range g.ConfigRequires() {
		if err := exec.Build(req); err != nil {
			return err
		}
	}

	// Build main targets
	for _, t := range buildTargets {
		if err := exec.Build(t); err != nil {
			return err
		}
	}

	if dryRun {
		return nil
	}
	return state.Save(configSuffix)
}
