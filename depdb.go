// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// depdbFormatVersion is the first line of every depdb file. Bumping it
// invalidates every existing database on next read (see dbState.read).
const depdbFormatVersion = "1"

// depdbEndMarker is the single NUL byte that terminates a valid,
// completely-written database. Its absence (or anything after eof but
// before it) means the file is corrupt or was left mid-write: Skip reports
// it invalid, and a later Write overwrites it from the first missing line.
const depdbEndMarker = 0

type dbState int

const (
	dbRead dbState = iota
	dbReadEOF
	dbWrite
)

// Depdb is a line-oriented, streaming auxiliary dependency database: the
// `.d` file a rule uses to record one or more ad-hoc facts about how its
// target was last produced, in invalidation order — a mismatch on an
// earlier line implies everything after it is stale too, and callers
// should stop reading and overwrite the rest.
//
// A Depdb starts in read mode. Each Read call advances through the
// previously-written lines; the first Write switches it permanently into
// write mode, after which Read always returns ("", false).
type Depdb struct {
	Path  string
	Mtime time.Time

	f       *os.File
	r       *bufio.Reader
	w       *bufio.Writer
	state     dbState
	offset    int64 // bytes consumed from the file by Read so far
	pos       int64 // start of the last line returned by Read
	writeAt   int64 // ensureWriter seeks/truncates here instead of wiping the file; 0 means rewrite from scratch
	reopening bool  // set by CloseToReopen: next ensureWriter call appends instead of truncating
	corrupt   bool
}

// OpenDepdb opens path for reading. If the file does not exist, has the
// wrong format version, or is corrupt, it is immediately switched to
// write mode (truncated on first Write).
func OpenDepdb(path string) (*Depdb, error) {
	d := &Depdb{Path: path}

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, WrapErr(ErrIO, path, err)
		}
		d.state = dbWrite
		return d, nil
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, WrapErr(ErrIO, path, err)
	}
	d.Mtime = fi.ModTime()
	d.f = f
	d.r = bufio.NewReader(f)

	first, n, ok := d.readLineRaw()
	d.offset += int64(n)
	if !ok || first != depdbFormatVersion {
		d.switchToWrite()
		return d, nil
	}
	d.state = dbRead
	return d, nil
}

// readLineRaw reads one newline-terminated line (without the trailing
// newline) from the underlying reader, and n, the number of raw bytes
// (including the newline) it consumed to do so. ok is false at eof.
func (d *Depdb) readLineRaw() (line string, n int, ok bool) {
	s, err := d.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && len(s) > 0 {
			return s, len(s), true
		}
		return "", 0, false
	}
	return s[:len(s)-1], len(s), true
}

// Read returns the next line and true, or ("", false) if no next line is
// available: eof reached, the database is already in write mode, or the
// next line is corrupt. pos is updated to the start of whatever line (or
// eof/end-marker) was just consumed, so a subsequent Write/Expect that
// switches into write mode knows exactly where to truncate from.
func (d *Depdb) Read() (string, bool) {
	if d.state == dbWrite {
		return "", false
	}
	if d.state == dbReadEOF {
		return "", false
	}

	start := d.offset
	line, n, ok := d.readLineRaw()
	if !ok {
		// eof without the end marker: the file was left mid-write.
		d.state = dbReadEOF
		d.corrupt = true
		d.pos = start
		return "", false
	}
	// A single NUL byte (the end marker) means we've reached the valid
	// end of a fully-written database. Don't advance offset past it: a
	// later Write should resume from here, preserving every line before
	// the marker and discarding only the marker itself.
	if len(line) == 1 && line[0] == depdbEndMarker {
		d.state = dbReadEOF
		d.pos = start
		return "", false
	}
	d.offset += int64(n)
	d.pos = start
	return line, true
}

// More reports whether the database is in read mode and has at least one
// more line available. It does not guarantee that line isn't corrupt.
func (d *Depdb) More() bool { return d.state == dbRead }

// Reading reports whether the database is still in a read-derived state
// (read or read_eof), as opposed to write.
func (d *Depdb) Reading() bool { return d.state != dbWrite }

// Writing reports whether the database has switched to write mode.
func (d *Depdb) Writing() bool { return d.state == dbWrite }

// Skip advances to the end of the database, validating the end marker.
// It reports whether the database is valid (false means it must be
// overwritten from here). The database must be in read mode.
func (d *Depdb) Skip() bool {
	for d.state == dbRead {
		if _, ok := d.Read(); !ok {
			break
		}
	}
	return d.state == dbReadEOF && !d.corrupt
}

// switchToWrite transitions into write mode with a full rewrite (the
// format-version header included) starting at byte 0: used when there is
// nothing worth preserving, e.g. a missing file or a version mismatch.
func (d *Depdb) switchToWrite() {
	d.switchToWriteAt(0)
}

// switchToWriteAt transitions into write mode so the next ensureWriter
// call seeks/truncates the file at byte offset off instead of wiping it
// entirely, preserving every byte before off. Used by Expect on a
// mismatch (off = start of the stale line) and by Write when called
// directly after some lines were already read (off = the read cursor).
func (d *Depdb) switchToWriteAt(off int64) {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	d.r = nil
	d.writeAt = off
	d.state = dbWrite
}

func (d *Depdb) ensureWriter() error {
	if d.w != nil {
		return nil
	}
	if d.reopening {
		f, err := os.OpenFile(d.Path, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return WrapErr(ErrIO, d.Path, err)
		}
		d.f = f
		d.w = bufio.NewWriter(f)
		d.reopening = false
		return nil
	}
	if d.writeAt > 0 {
		// Resuming mid-file: reopen for read-write and cut the file at
		// writeAt rather than discarding everything, so lines before it
		// (already-matched facts, or the format header) survive.
		f, err := os.OpenFile(d.Path, os.O_RDWR, 0o644)
		if err != nil {
			return WrapErr(ErrIO, d.Path, err)
		}
		if err := f.Truncate(d.writeAt); err != nil {
			f.Close()
			return WrapErr(ErrIO, d.Path, err)
		}
		if _, err := f.Seek(d.writeAt, io.SeekStart); err != nil {
			f.Close()
			return WrapErr(ErrIO, d.Path, err)
		}
		d.f = f
		d.w = bufio.NewWriter(f)
		return nil
	}

	f, err := os.Create(d.Path)
	if err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	d.f = f
	d.w = bufio.NewWriter(f)
	if _, err := d.w.WriteString(depdbFormatVersion + "\n"); err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	return nil
}

// Write writes the next line, switching the database permanently into
// write mode. Once in write mode, Read always fails. If some lines were
// already read successfully before this call, they are preserved; only
// the unread tail is discarded.
func (d *Depdb) Write(line string) error {
	if d.state != dbWrite {
		d.writeAt = d.offset
		d.state = dbWrite
	}
	if err := d.ensureWriter(); err != nil {
		return err
	}
	if _, err := d.w.WriteString(line + "\n"); err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	return nil
}

// Expect reads the next line and compares it to want. If it matches, it
// returns ("", true, true) — no change needed. Otherwise it overwrites
// the line with want and returns the old value (possibly "" if there was
// none) and matched=false. This mirrors the C++ depdb::expect pattern
// used to detect "stored value differs from current" without a separate
// read-then-write dance at each call site.
//
// A mismatch truncates the file starting at the mismatching line's own
// offset (via pos, set by Read), not the whole file: every fact read
// successfully before it is preserved on disk.
func (d *Depdb) Expect(want string) (old string, existed bool, matched bool) {
	alreadyWriting := d.state == dbWrite
	line, ok := d.Read()
	if ok && line == want {
		return "", true, true
	}
	// Only re-derive the truncation point off a fresh read-to-write
	// transition. If we were already in write mode (an earlier Expect on
	// this same Depdb already switched it, possibly via a CloseToReopen/
	// Reopen round trip in between), Read is a guaranteed no-op and
	// truncating again here would cut off whatever was just written.
	if !alreadyWriting {
		d.switchToWriteAt(d.pos)
	}
	if err := d.Write(want); err != nil {
		// Best effort: surface nothing here, caller's subsequent I/O
		// will hit the same failure.
		_ = err
	}
	return line, ok, false
}

// CloseToReopen flushes and releases the underlying file handle without
// writing the end marker, so the database is left mid-write rather than
// finalized. Used when a caller needs to do other filesystem work (e.g.
// re-hashing the just-built target) between writing some facts and the
// next, without holding the depdb's own fd open across it. A no-op if
// the database hasn't switched into write mode yet (nothing to release).
func (d *Depdb) CloseToReopen() error {
	if d.state != dbWrite || d.w == nil {
		return nil
	}
	if err := d.w.Flush(); err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	d.w = nil
	d.reopening = true
	return nil
}

// Reopen resumes a database left mid-write by CloseToReopen, so the next
// Write/Expect appends right where writing left off. A no-op if the
// database never switched into write mode.
func (d *Depdb) Reopen() error {
	if d.state != dbWrite {
		return nil
	}
	return d.ensureWriter()
}

// Close finalizes the database: if in write mode, flushes the end marker
// and updates the file's modification time records; if still in read
// mode, any unread lines are simply left un-flushed (the file was never
// reopened for writing so they remain on disk, "chopped" from this
// session's point of view only if a subsequent Write truncates them).
func (d *Depdb) Close() error {
	defer func() {
		if d.f != nil {
			d.f.Close()
			d.f = nil
		}
	}()

	if d.state != dbWrite {
		return nil
	}
	if err := d.ensureWriter(); err != nil {
		return err
	}
	if _, err := d.w.Write([]byte{depdbEndMarker}); err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	if err := d.w.Flush(); err != nil {
		return WrapErr(ErrIO, d.Path, err)
	}
	fi, err := d.f.Stat()
	if err == nil {
		d.Mtime = fi.ModTime()
	}
	return nil
}

// CheckMtime performs the target/database modification-time sanity
// check: a valid up-to-date state always has target mtime >= db mtime.
// If the target is older, the database was updated but the target
// write was interrupted (or never happened), so the caller should treat
// the target as out of date regardless of what the database says.
func (d *Depdb) CheckMtime(targetPath string) (bool, error) {
	ti, err := os.Stat(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, WrapErr(ErrIO, targetPath, err)
	}
	return !ti.ModTime().Before(d.Mtime), nil
}

func (d *Depdb) String() string {
	return fmt.Sprintf("depdb(%s, state=%d)", d.Path, d.state)
}
