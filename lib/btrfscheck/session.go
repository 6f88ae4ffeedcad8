// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// Mode selects the C5 fs-tree-checker variant. The checker in this
// package runs the same code in both modes (one FsChecker per
// subvolume, holding that subvolume's inodes and direntries until
// Finalize), so both give the same verdicts with the same memory use.
type Mode int

const (
	// ModeOriginal aggregates every inode of a subvolume into memory
	// before judging any of them.
	ModeOriginal Mode = iota
	// ModeLowmem is accepted and recorded on the Session, but the
	// checker does not re-query the tree on demand: it caches each
	// subvolume exactly as ModeOriginal does.
	ModeLowmem
)

func (m Mode) String() string {
	if m == ModeLowmem {
		return "lowmem"
	}
	return "original"
}

// Session threads the state that a from-scratch C port would have
// kept in file-scope globals (bytes_used, total_csum_bytes,
// duplicate_extents, repair mode, ...) through the call graph instead,
// per the re-architecture note on global mutables.
type Session struct {
	ctx context.Context //nolint:containedctx // session lives for exactly one checker run

	Mode    Mode
	Repair  bool
	NoHoles bool

	// CheckDataCSum, set by --check-data-csum, additionally walks the
	// csum tree so that regular file extents with no checksum on
	// record are flagged I_ERR_SOME_CSUM_MISSING. Data blocks are not
	// read and their checksums are not verified.
	CheckDataCSum bool

	bytesUsed        int64
	totalCSumBytes   int64
	duplicateExtents int64
	itemsRepaired    int64

	progress atomic.Int64
}

// NewSession constructs a Session for a single checker invocation.
func NewSession(ctx context.Context, mode Mode, repair bool) *Session {
	return &Session{
		ctx:    ctx,
		Mode:   mode,
		Repair: repair,
	}
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) AddBytesUsed(n int64)        { atomic.AddInt64(&s.bytesUsed, n) }
func (s *Session) AddCSumBytes(n int64)        { atomic.AddInt64(&s.totalCSumBytes, n) }
func (s *Session) AddDuplicateExtent()         { atomic.AddInt64(&s.duplicateExtents, 1) }
func (s *Session) AddRepaired(n int64)         { atomic.AddInt64(&s.itemsRepaired, n) }
func (s *Session) BytesUsed() int64            { return atomic.LoadInt64(&s.bytesUsed) }
func (s *Session) CSumBytes() int64            { return atomic.LoadInt64(&s.totalCSumBytes) }
func (s *Session) DuplicateExtents() int64     { return atomic.LoadInt64(&s.duplicateExtents) }
func (s *Session) Repaired() int64             { return atomic.LoadInt64(&s.itemsRepaired) }

// TaskPosition is read by an optional progress-reporter goroutine; it
// must never be used for anything but display, per the concurrency
// model's single-mutator rule.
func (s *Session) TaskPosition() int64 { return s.progress.Load() }

func (s *Session) SetTaskPosition(n int64) { s.progress.Store(n) }

// Logf is a thin wrapper so checker code doesn't need to import dlog
// directly at every call site.
func (s *Session) Logf(format string, args ...any) {
	dlog.Infof(s.ctx, format, args...)
}

func (s *Session) Warnf(format string, args ...any) {
	dlog.Warnf(s.ctx, format, args...)
}

// rootIsQgroupEligible reports whether objID is a root that
// contributes to quota accounting: fs-tree roots only, excluding
// reloc trees.
func rootIsQgroupEligible(objID btrfsprim.ObjID) bool {
	if objID < btrfsprim.FIRST_FREE_OBJECTID {
		return false
	}
	if objID == btrfsprim.TREE_RELOC_OBJECTID || objID == btrfsprim.DATA_RELOC_TREE_OBJECTID {
		return false
	}
	return true
}
