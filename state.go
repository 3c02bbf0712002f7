package forge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const stateDir = ".mk"

// BuildState tracks build artifacts for content-based staleness detection.
type BuildState struct {
	mu      sync.RWMutex
	Targets map[string]*TargetState `json:"targets"`
}

// TargetState records the state of a target at its last successful build.
type TargetState struct {
	RecipeHash      string            `json:"recipe_hash"`
	InputHashes     map[string]string `json:"input_hashes"`                // prereq path → content hash
	OutputHash      string            `json:"output_hash"`
	FingerprintHash string            `json:"fingerprint_hash,omitempty"` // hash of fingerprint command output
	Prereqs         []string          `json:"prereqs"`
}

// depdbStateDir returns the directory holding one .d file per target for
// the given config suffix, e.g. .mk/state/ or .mk/state-release/.
func depdbStateDir(configSuffix string) string {
	if configSuffix == "" {
		return filepath.Join(stateDir, "state")
	}
	return filepath.Join(stateDir, "state-"+configSuffix)
}

// depdbStatePath returns the per-target depdb file path within dir for a
// given target name. Names are hashed rather than sanitized-and-reused
// because target names can contain arbitrary path separators; the
// original name is also stored as the first line of the file itself so
// LoadState never needs to invert the hash.
func depdbStatePath(dir, target string) string {
	return filepath.Join(dir, hashString(target)+".d")
}

// LoadState reads back every target's build record from its own depdb
// file under .mk/state[-suffix]/, the on-disk format the legacy
// single-JSON-blob StateFile predates. A missing or unreadable directory
// simply yields an empty BuildState, matching the teacher's "no prior
// state" behavior on first run.
func LoadState(configSuffix string) *BuildState {
	s := &BuildState{Targets: make(map[string]*TargetState)}

	dir := depdbStateDir(configSuffix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return s
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ts, name, ok := readTargetDepdb(path)
		if !ok {
			continue
		}
		s.Targets[name] = ts
	}
	return s
}

// readTargetDepdb reads one target's TargetState back out of its depdb
// file. ok is false if the file is missing, corrupt, was left mid-write
// (depdb.Skip reports invalid), or fails the mtime discipline check
// (depdb.CheckMtime: the target is older than the depdb record itself,
// meaning a previous build updated the database but never finished
// writing the target) — in any of these cases the caller should treat
// the target as having no recorded state.
func readTargetDepdb(path string) (*TargetState, string, bool) {
	d, err := OpenDepdb(path)
	if err != nil || d.Writing() {
		return nil, "", false
	}

	name, ok := d.Read()
	if !ok {
		return nil, "", false
	}
	if ok, err := d.CheckMtime(name); err != nil || !ok {
		return nil, "", false
	}
	recipeHash, _ := d.Read()
	outputHash, _ := d.Read()
	fingerprintHash, _ := d.Read()
	countLine, ok := d.Read()
	if !ok {
		return nil, "", false
	}
	var count int
	if _, err := fmt.Sscanf(countLine, "%d", &count); err != nil {
		return nil, "", false
	}

	ts := &TargetState{
		RecipeHash:      recipeHash,
		OutputHash:      outputHash,
		FingerprintHash: fingerprintHash,
		InputHashes:     make(map[string]string, count),
		Prereqs:         make([]string, 0, count),
	}
	for i := 0; i < count; i++ {
		line, ok := d.Read()
		if !ok {
			return nil, "", false
		}
		prereq, hash, found := strings.Cut(line, "\t")
		if !found {
			return nil, "", false
		}
		ts.Prereqs = append(ts.Prereqs, prereq)
		ts.InputHashes[prereq] = hash
	}

	if !d.Skip() {
		return nil, "", false
	}
	return ts, name, true
}

// Save writes every target's build record to its own depdb file under
// .mk/state[-suffix]/, in the line-oriented, invalidation-ordered format
// depdb.go implements: target name, then recipe/output/fingerprint
// hashes (earliest-to-invalidate first), then each prerequisite's
// recorded content hash.
func (s *BuildState) Save(configSuffix string) error {
	s.mu.RLock()
	snapshot := make(map[string]*TargetState, len(s.Targets))
	for k, v := range s.Targets {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	dir := depdbStateDir(configSuffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for name, ts := range snapshot {
		if err := writeTargetDepdb(dir, name, ts); err != nil {
			return err
		}
	}
	return nil
}

// SaveTarget persists a single target's current recorded state
// immediately, rather than waiting for a final whole-build Save: the
// per-recipe write executeRecipe performs right after Record, so a
// target's depdb file is up to date the moment its own recipe finishes
// instead of only once, in bulk, at the very end of the run.
func (s *BuildState) SaveTarget(configSuffix, target string) error {
	s.mu.RLock()
	ts := s.Targets[target]
	s.mu.RUnlock()
	if ts == nil {
		return nil
	}

	dir := depdbStateDir(configSuffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeTargetDepdb(dir, target, ts)
}

// writeTargetDepdb persists one target's build record using Expect
// rather than blind Write for every fact: when nothing has changed since
// the last build, every Expect call matches and the database is never
// even switched into write mode, so an unchanged target costs one stat
// plus a handful of buffered reads instead of a full rewrite.
func writeTargetDepdb(dir, name string, ts *TargetState) error {
	path := depdbStatePath(dir, name)
	d, err := OpenDepdb(path)
	if err != nil {
		return err
	}

	d.Expect(name)
	d.Expect(ts.RecipeHash)

	// Release the depdb's own file handle before touching the
	// filesystem again: OutputHash was computed right when the recipe
	// finished, so re-stat/re-hash the target now under the depdb's
	// close/reopen discipline instead of trusting a value that could
	// already be stale if something else in the build touched it since.
	if err := d.CloseToReopen(); err != nil {
		return err
	}
	outputHash := ts.OutputHash
	if outputHash != "" {
		if h, err := hashFile(name); err == nil {
			outputHash = h
		}
	}
	if err := d.Reopen(); err != nil {
		return err
	}

	d.Expect(outputHash)
	d.Expect(ts.FingerprintHash)
	d.Expect(fmt.Sprintf("%d", len(ts.Prereqs)))
	for _, p := range ts.Prereqs {
		d.Expect(p + "\t" + ts.InputHashes[p])
	}

	return d.Close()
}

// GetTarget returns the recorded state for a target, or nil if not found.
func (s *BuildState) GetTarget(name string) *TargetState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Targets[name]
}

// IsStale determines if any of the targets need rebuilding.
// Only normal prereqs (not order-only) affect staleness.
// If fingerprint is non-empty, it is a shell command whose output replaces
// the file-stat check for the target.
func (s *BuildState) IsStale(targets []string, prereqs []string, recipeText, fingerprint string, cache *HashCache) bool {
	// Snapshot state under read lock, then release before I/O
	s.mu.RLock()
	snapshots := make([]*TargetState, len(targets))
	for i, t := range targets {
		snapshots[i] = s.Targets[t]
	}
	s.mu.RUnlock()

	for i, ts := range snapshots {
		if ts == nil {
			return true
		}

		// Check recipe changed
		rh := hashString(recipeText)
		if ts.RecipeHash != rh {
			return true
		}

		if fingerprint != "" {
			// Fingerprint mode: the fingerprint command output replaces
			// both target-file and prerequisite-hash checks.
			fph, err := runFingerprint(fingerprint)
			if err != nil {
				return true
			}
			if ts.FingerprintHash != fph {
				return true
			}
		} else {
			// File mode: check target exists and prereq hashes.
			if _, err := os.Stat(targets[i]); os.IsNotExist(err) {
				return true
			}

			// Check prerequisite set changed
			sortedPrereqs := make([]string, len(prereqs))
			copy(sortedPrereqs, prereqs)
			sort.Strings(sortedPrereqs)
			sortedOld := make([]string, len(ts.Prereqs))
			copy(sortedOld, ts.Prereqs)
			sort.Strings(sortedOld)
			if !stringSliceEqual(sortedPrereqs, sortedOld) {
				return true
			}

			// Check input content hashes
			for _, p := range prereqs {
				h, err := cache.Hash(p)
				if err != nil {
					return true
				}
				if ts.InputHashes[p] != h {
					return true
				}
			}
		}
	}

	return false
}

// WhyStale returns human-readable reasons why any of the targets are stale.
func (s *BuildState) WhyStale(targets []string, prereqs []string, recipeText, fingerprint string, cache *HashCache) []string {
	s.mu.RLock()
	snapshots := make([]*TargetState, len(targets))
	for i, t := range targets {
		snapshots[i] = s.Targets[t]
	}
	s.mu.RUnlock()

	var reasons []string

	for i, ts := range snapshots {
		target := targets[i]
		if ts == nil {
			reasons = append(reasons, fmt.Sprintf("%s: no previous build recorded", target))
			continue
		}

		rh := hashString(recipeText)
		if ts.RecipeHash != rh {
			reasons = append(reasons, "recipe has changed")
		}

		if fingerprint != "" {
			fph, err := runFingerprint(fingerprint)
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("%s: fingerprint command failed: %v", target, err))
			} else if ts.FingerprintHash != fph {
				reasons = append(reasons, fmt.Sprintf("%s: fingerprint has changed", target))
			}
		} else {
			if _, err := os.Stat(target); os.IsNotExist(err) {
				reasons = append(reasons, fmt.Sprintf("%s: target file does not exist", target))
			}

			sortedPrereqs := make([]string, len(prereqs))
			copy(sortedPrereqs, prereqs)
			sort.Strings(sortedPrereqs)
			sortedOld := make([]string, len(ts.Prereqs))
			copy(sortedOld, ts.Prereqs)
			sort.Strings(sortedOld)
			if !stringSliceEqual(sortedPrereqs, sortedOld) {
				reasons = append(reasons, "prerequisite set has changed")
			}

			for _, p := range prereqs {
				h, err := cache.Hash(p)
				if err != nil {
					reasons = append(reasons, fmt.Sprintf("cannot hash prerequisite %q: %v", p, err))
					continue
				}
				if ts.InputHashes[p] != h {
					reasons = append(reasons, fmt.Sprintf("prerequisite %q has changed", p))
				}
			}
		}
	}

	return reasons
}

// Record records a successful build for all targets.
func (s *BuildState) Record(targets []string, prereqs []string, recipeText, fingerprint string, cache *HashCache) {
	// Build TargetState objects (I/O: hashing) without holding the lock.
	states := make(map[string]*TargetState, len(targets))
	for _, target := range targets {
		ts := &TargetState{
			RecipeHash:  hashString(recipeText),
			InputHashes: make(map[string]string),
			Prereqs:     prereqs,
		}
		for _, p := range prereqs {
			h, err := cache.Hash(p)
			if err == nil {
				ts.InputHashes[p] = h
			}
		}
		if fingerprint != "" {
			if fph, err := runFingerprint(fingerprint); err == nil {
				ts.FingerprintHash = fph
			}
		} else {
			if h, err := cache.Hash(target); err == nil {
				ts.OutputHash = h
			}
		}
		states[target] = ts
	}

	// Write to map under lock.
	s.mu.Lock()
	for target, ts := range states {
		s.Targets[target] = ts
	}
	s.mu.Unlock()
}

// runFingerprint executes the fingerprint command and returns the hash of its output.
func runFingerprint(command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("fingerprint command %q: %w", command, err)
	}
	return hashString(out.String()), nil
}

// HashCache caches file content hashes using (path, mtime, size) as cache key.
// Thread-safe for concurrent use.
type HashCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime time.Time
	size  int64
	hash  string
}

func NewHashCache() *HashCache {
	return &HashCache{entries: make(map[string]cacheEntry)}
}

// Hash returns the content hash of the file at path, using the cache
// when the file's mtime and size haven't changed.
func (c *HashCache) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	mtime := info.ModTime()
	size := info.Size()

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && e.mtime.Equal(mtime) && e.size == size {
		c.mu.Unlock()
		return e.hash, nil
	}
	c.mu.Unlock()

	h, err := hashFile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{mtime: mtime, size: size, hash: h}
	c.mu.Unlock()

	return h, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CleanPath normalizes paths for consistent state tracking.
func CleanPath(p string) string {
	return filepath.Clean(p)
}
