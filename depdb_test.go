// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDepdbFreshFileStartsInWriteMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, err := OpenDepdb(path)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Writing() {
		t.Fatal("expected fresh depdb to start in write mode")
	}
	if _, ok := d.Read(); ok {
		t.Fatal("Read should fail once in write mode")
	}
}

func TestDepdbRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, err := OpenDepdb(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range []string{"cxx.compile 1", "g++ -O3", "/tmp/foo.cxx"} {
		if err := d.Write(l); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := OpenDepdb(path)
	if err != nil {
		t.Fatal(err)
	}
	if !d2.More() {
		t.Fatal("expected lines available after reopening")
	}
	var got []string
	for {
		l, ok := d2.Read()
		if !ok {
			break
		}
		got = append(got, l)
	}
	want := []string{"cxx.compile 1", "g++ -O3", "/tmp/foo.cxx"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDepdbWrongVersionTriggersRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")
	if err := os.WriteFile(path, []byte("2\nstale line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := OpenDepdb(path)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Writing() {
		t.Fatal("expected version mismatch to force write mode")
	}
}

func TestDepdbCorruptMissingEndMarkerIsNotValidViaSkip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")
	// A well-formed header but truncated mid-write: no end marker.
	if err := os.WriteFile(path, []byte("1\nonly line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := OpenDepdb(path)
	if err != nil {
		t.Fatal(err)
	}
	l, ok := d.Read()
	if !ok || l != "only line" {
		t.Fatalf("expected to read the one line, got %q %v", l, ok)
	}
	if _, ok := d.Read(); ok {
		t.Fatal("expected eof after the one line (no end marker present)")
	}
	if d.Skip() {
		t.Error("expected Skip to report a database without an end marker as invalid")
	}
}

func TestDepdbExpectDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, _ := OpenDepdb(path)
	d.Write("g++ -O3")
	d.Close()

	d2, _ := OpenDepdb(path)
	old, existed, matched := d2.Expect("g++ -O2")
	if matched {
		t.Fatal("expected mismatch")
	}
	if !existed || old != "g++ -O3" {
		t.Fatalf("expected old value %q, got %q (existed=%v)", "g++ -O3", old, existed)
	}
	if !d2.Writing() {
		t.Fatal("Expect should switch to write mode on mismatch")
	}
}

func TestDepdbExpectMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, _ := OpenDepdb(path)
	d.Write("g++ -O3")
	d.Close()

	d2, _ := OpenDepdb(path)
	_, _, matched := d2.Expect("g++ -O3")
	if !matched {
		t.Fatal("expected match")
	}
}

func TestDepdbExpectMismatchPreservesEarlierMatchedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, _ := OpenDepdb(path)
	d.Write("1")
	d.Write("r 1")
	d.Write("OLD")
	d.Close()

	d2, _ := OpenDepdb(path)
	_, _, m1 := d2.Expect("1")
	if !m1 {
		t.Fatal("expected first line to match")
	}
	_, _, m2 := d2.Expect("r 1")
	if !m2 {
		t.Fatal("expected second line to match")
	}
	old, existed, m3 := d2.Expect("NEW")
	if m3 {
		t.Fatal("expected third line to mismatch")
	}
	if !existed || old != "OLD" {
		t.Fatalf("expected old value %q, got %q (existed=%v)", "OLD", old, existed)
	}
	d2.Close()

	d3, _ := OpenDepdb(path)
	var got []string
	for {
		l, ok := d3.Read()
		if !ok {
			break
		}
		got = append(got, l)
	}
	want := []string{"1", "r 1", "NEW"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDepdbExpectAllMatchNeverSwitchesToWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, _ := OpenDepdb(path)
	d.Write("a")
	d.Write("b")
	d.Close()

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	d2, _ := OpenDepdb(path)
	d2.Expect("a")
	d2.Expect("b")
	if d2.Writing() {
		t.Fatal("expected depdb to remain in read mode when every fact matches")
	}
	if err := d2.Close(); err != nil {
		t.Fatal(err)
	}

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("expected file to be untouched when nothing changed")
	}
}

func TestDepdbCloseToReopenResumesWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.o.d")

	d, _ := OpenDepdb(path)
	d.Write("first")
	if err := d.CloseToReopen(); err != nil {
		t.Fatal(err)
	}
	if err := d.Reopen(); err != nil {
		t.Fatal(err)
	}
	d.Write("second")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, _ := OpenDepdb(path)
	var got []string
	for {
		l, ok := d2.Read()
		if !ok {
			break
		}
		got = append(got, l)
	}
	want := []string{"first", "second"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDepdbCheckMtime(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "foo.o.d")
	targetPath := filepath.Join(dir, "foo.o")

	d, _ := OpenDepdb(dbPath)
	d.Write("line")
	d.Close()

	if err := os.WriteFile(targetPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Target newer than db: valid.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(targetPath, future, future); err != nil {
		t.Fatal(err)
	}
	d2, _ := OpenDepdb(dbPath)
	ok, err := d2.CheckMtime(targetPath)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected target newer than db to be valid")
	}

	// Target missing: invalid, no error.
	ok, err = d2.CheckMtime(filepath.Join(dir, "missing.o"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected missing target to be invalid")
	}
}
