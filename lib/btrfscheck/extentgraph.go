// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// ExtentErr is a bitmask of ways a single extent's accounting can be
// inconsistent, mirroring the classifier step of the fsck algorithm.
type ExtentErr uint32

const (
	ExtentErrRefCountMismatch ExtentErr = 1 << iota
	ExtentErrMissingBackref
	ExtentErrExtraBackref
	ExtentErrDuplicateExtent
	ExtentErrOwnerLost
	ExtentErrWrongChunkType
	ExtentErrCrossingStripes
	ExtentErrBadFullBackref
	ExtentErrNoChunkMapping
)

var extentErrNames = []string{
	"REF_COUNT_MISMATCH",
	"MISSING_BACKREF",
	"EXTRA_BACKREF",
	"DUPLICATE_EXTENT",
	"OWNER_LOST",
	"WRONG_CHUNK_TYPE",
	"CROSSING_STRIPES",
	"BAD_FULL_BACKREF",
	"NO_CHUNK_MAPPING",
}

func (e ExtentErr) String() string {
	if e == 0 {
		return "none"
	}
	var ret string
	for i, name := range extentErrNames {
		if e&(1<<i) != 0 {
			if ret != "" {
				ret += "|"
			}
			ret += name
		}
	}
	return ret
}

// BackrefKey identifies one logical reason an extent is kept alive:
// either a tree-block ref (another node's pointer to a metadata
// block) or a data ref (a file extent item pointing at a data
// extent). It collapses duplicate keyed+inline refs with the same
// reason into one Backref with a Count.
type BackrefKey struct {
	IsData      bool
	FullBackref bool // shared ref: keyed by parent block, not owning root
	Parent      btrfsvol.LogicalAddr
	Root        btrfsprim.ObjID
	Owner       btrfsprim.ObjID // data only: inode
	Offset      uint64          // data only: file offset of the referencing extent
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

func (a BackrefKey) Cmp(b BackrefKey) int {
	if d := cmpBool(a.IsData, b.IsData); d != 0 {
		return d
	}
	if d := cmpBool(a.FullBackref, b.FullBackref); d != 0 {
		return d
	}
	if d := containers.NativeCompare(a.Parent, b.Parent); d != 0 {
		return d
	}
	if d := containers.NativeCompare(a.Root, b.Root); d != 0 {
		return d
	}
	if d := containers.NativeCompare(a.Owner, b.Owner); d != 0 {
		return d
	}
	return containers.NativeCompare(a.Offset, b.Offset)
}

var _ containers.Ordered[BackrefKey] = BackrefKey{}

// Backref is one entry in an ExtentRecord's backref index.
type Backref struct {
	Key   BackrefKey
	Count int  // refcount contributed by this key, summed across occurrences
	Found bool // matched against a keyed item during the tree-block sweep
}

// ExtentRecord is everything the classifier knows about one
// EXTENT_ITEM/METADATA_ITEM, built up across two passes: first the
// extent item itself and its inline refs, then every tree that
// actually points at it.
type ExtentRecord struct {
	Start btrfsvol.LogicalAddr
	Size  btrfsvol.AddrDelta

	Metadata    bool
	MetadataKey btrfsprim.Key // valid iff Metadata

	ItemRefs int64 // EXTENT_ITEM/METADATA_ITEM's own refcount field
	Refs     int64 // sum of observed backref counts

	Backrefs *containers.RBTree[BackrefKey, *Backref]

	Duplicates []btrfsvol.LogicalAddr // starts of other extent items overlapping this one

	Errs ExtentErr
}

func newExtentRecord(start btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) *ExtentRecord {
	rec := &ExtentRecord{
		Start: start,
		Size:  size,
	}
	rec.Backrefs = &containers.RBTree[BackrefKey, *Backref]{
		KeyFn: func(b *Backref) BackrefKey { return b.Key },
	}
	return rec
}

func (rec *ExtentRecord) addBackref(key BackrefKey, count int) {
	if node := rec.Backrefs.Lookup(key); node != nil {
		node.Value.Count += count
		return
	}
	rec.Backrefs.Insert(&Backref{Key: key, Count: count})
}

// ExtentGraph indexes every extent item in the extent tree by its
// logical span, and accumulates the backrefs discovered while
// walking the fs trees, in service of the step-3 classification
// described for the extent checker.
type ExtentGraph struct {
	byAddr *containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], *ExtentRecord]
}

func NewExtentGraph() *ExtentGraph {
	g := &ExtentGraph{}
	g.byAddr = &containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], *ExtentRecord]{
		KeyFn: func(rec *ExtentRecord) containers.NativeOrdered[btrfsvol.LogicalAddr] {
			return containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: rec.Start}
		},
	}
	return g
}

// cmpExtentRange returns a tree-search comparator for the query range
// [beg, end), in the same target-relative-to-candidate convention as
// btrfsvol.chunkMapping.cmpRange: negative means the query is wholly
// left of the candidate (search left), positive means wholly right
// (search right), zero means overlap.
func cmpExtentRange(beg, end btrfsvol.LogicalAddr) func(*ExtentRecord) int {
	return func(rec *ExtentRecord) int {
		switch {
		case end <= rec.Start:
			return -1
		case rec.Start.Add(rec.Size) <= beg:
			return 1
		default:
			return 0
		}
	}
}

// Lookup finds the extent record, if any, covering addr.
func (g *ExtentGraph) Lookup(addr btrfsvol.LogicalAddr) (*ExtentRecord, bool) {
	node := g.byAddr.Search(cmpExtentRange(addr, addr+1))
	if node == nil {
		return nil, false
	}
	return node.Value, true
}

// Overlapping returns every extent record whose span intersects [beg, end).
func (g *ExtentGraph) Overlapping(beg, end btrfsvol.LogicalAddr) []*ExtentRecord {
	return g.byAddr.SearchRange(cmpExtentRange(beg, end))
}

// All returns every extent record known to the graph, in logical
// address order.
func (g *ExtentGraph) All() []*ExtentRecord {
	var ret []*ExtentRecord
	_ = g.byAddr.Walk(func(node *containers.RBNode[*ExtentRecord]) error {
		ret = append(ret, node.Value)
		return nil
	})
	return ret
}

// ProcessExtentItem registers one EXTENT_ITEM/METADATA_ITEM and its
// inline refs. If the span overlaps an already-registered extent,
// both records are flagged ExtentErrDuplicateExtent rather than
// merged, since duplicate-extent is itself a reportable defect.
func (g *ExtentGraph) ProcessExtentItem(ctx context.Context, key btrfsprim.Key, body *btrfsitem.Extent) *ExtentRecord {
	size := btrfsvol.AddrDelta(key.Offset)
	if body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) && size == 0 {
		size = btrfsvol.AddrDelta(nodeSizeForLevel())
	}
	rec := newExtentRecord(btrfsvol.LogicalAddr(key.ObjectID), size)
	rec.ItemRefs = body.Head.Refs
	rec.Metadata = body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK)
	if rec.Metadata {
		rec.MetadataKey = body.Info.Key
	}

	for i, ref := range body.Refs {
		switch refBody := ref.Body.(type) {
		case nil:
			switch ref.Type {
			case btrfsitem.TREE_BLOCK_REF_KEY:
				rec.addBackref(BackrefKey{Root: btrfsprim.ObjID(ref.Offset)}, 1)
			case btrfsitem.SHARED_BLOCK_REF_KEY:
				rec.addBackref(BackrefKey{FullBackref: true, Parent: btrfsvol.LogicalAddr(ref.Offset)}, 1)
			}
		case *btrfsitem.ExtentDataRef:
			rec.addBackref(BackrefKey{
				IsData: true,
				Root:   btrfsprim.ObjID(refBody.Root),
				Owner:  btrfsprim.ObjID(refBody.ObjectID),
				Offset: uint64(refBody.Offset),
			}, int(refBody.Count))
		case *btrfsitem.SharedDataRef:
			rec.addBackref(BackrefKey{
				IsData:      true,
				FullBackref: true,
				Parent:      btrfsvol.LogicalAddr(ref.Offset),
			}, int(refBody.Count))
		default:
			panic(fmt.Errorf("should not happen: Extent: unexpected .Refs[%d].Body type %T", i, refBody))
		}
	}

	for _, dup := range g.Overlapping(rec.Start, rec.Start.Add(rec.Size)) {
		dup.Errs |= ExtentErrDuplicateExtent
		dup.Duplicates = append(dup.Duplicates, rec.Start)
		rec.Errs |= ExtentErrDuplicateExtent
		rec.Duplicates = append(rec.Duplicates, dup.Start)
	}

	g.byAddr.Insert(rec)
	return rec
}

// RecordKeyedBackref accounts for a TREE_BLOCK_REF/SHARED_BLOCK_REF/
// EXTENT_DATA_REF/SHARED_DATA_REF item found while sweeping the fs
// trees, marking the matching inline-or-prior-keyed backref Found so
// step 3 can tell a backref the extent item already knew about from
// one the extent item is missing.
func (g *ExtentGraph) RecordKeyedBackref(laddr btrfsvol.LogicalAddr, key BackrefKey, count int) {
	rec, ok := g.Lookup(laddr)
	if !ok {
		return
	}
	if node := rec.Backrefs.Lookup(key); node != nil {
		node.Value.Found = true
		return
	}
	rec.addBackref(key, count)
	if node := rec.Backrefs.Lookup(key); node != nil {
		node.Value.Found = true
	}
}

// ChunkTypeOf reports the block-group flags of the chunk covering
// addr, for cross-checking an extent's metadata/data flag against
// the chunk it lives in.
type ChunkTypeOf func(addr btrfsvol.LogicalAddr) (flags btrfsvol.BlockGroupFlags, ok bool)

// Classify walks every extent record and sets the error bits
// described for the extent checker's third pass: refcount
// mismatches, unmatched inline backrefs, lost owners, and
// metadata/data chunk-type mismatches.
func (g *ExtentGraph) Classify(ctx context.Context, chunkTypeOf ChunkTypeOf) {
	for _, rec := range g.All() {
		var refs int64
		rec.Backrefs.Walk(func(node *containers.RBNode[*Backref]) error { //nolint:errcheck // Walk never errors here
			b := node.Value
			refs += int64(b.Count)
			if !b.Found && !b.IsDataBackrefImplicit() {
				rec.Errs |= ExtentErrMissingBackref
			}
			return nil
		})
		rec.Refs = refs
		if refs != rec.ItemRefs {
			rec.Errs |= ExtentErrRefCountMismatch
		}
		if rec.Metadata {
			if len(g.owningRoots(rec, make(map[btrfsvol.LogicalAddr]bool))) == 0 {
				rec.Errs |= ExtentErrOwnerLost
			}
		}
		if chunkTypeOf != nil {
			flags, ok := chunkTypeOf(rec.Start)
			switch {
			case !ok:
				rec.Errs |= ExtentErrNoChunkMapping
			case flags.Has(btrfsvol.BLOCK_GROUP_METADATA) != rec.Metadata:
				rec.Errs |= ExtentErrWrongChunkType
			}
		}
	}
}

// owningRoots resolves a tree-block extent's owning subvolume(s) by
// walking up its FULL_BACKREF (shared) parent chain until it reaches
// a TREE_BLOCK_REF backref, which names its owning root directly. A
// tree block whose every backref is FULL_BACKREF and whose parent
// chain never terminates at a rooted TREE_BLOCK_REF (because a parent
// in the chain is itself missing from the graph, or the chain cycles)
// has no resolvable owner: that's the real OWNER_LOST condition, not
// merely failing a chunk-mapping lookup. visited guards against
// corrupt cyclic parent chains.
func (g *ExtentGraph) owningRoots(rec *ExtentRecord, visited map[btrfsvol.LogicalAddr]bool) []btrfsprim.ObjID {
	if visited[rec.Start] {
		return nil
	}
	visited[rec.Start] = true

	var roots []btrfsprim.ObjID
	rec.Backrefs.Walk(func(node *containers.RBNode[*Backref]) error { //nolint:errcheck // Walk never errors here
		b := node.Value
		switch {
		case !b.FullBackref:
			roots = append(roots, b.Key.Root)
		default:
			if parent, ok := g.Lookup(b.Key.Parent); ok {
				roots = append(roots, g.owningRoots(parent, visited)...)
			}
		}
		return nil
	})
	return roots
}

// IsDataBackrefImplicit reports whether b is a full (shared) backref,
// which the extent item does not separately enumerate an owning-root
// match for — only the raw parent-block pointer.
func (b *Backref) IsDataBackrefImplicit() bool {
	return b.FullBackref
}

// nodeSizeForLevel is a placeholder for the superblock's node size,
// used only as a fallback when a METADATA_ITEM's implicit length
// (the tree's nodesize) isn't otherwise available to the caller.
// Checker callers that know the real nodesize should prefer calling
// ProcessExtentItem after rewriting key.Offset with that size.
func nodeSizeForLevel() uint32 { return 16384 }
