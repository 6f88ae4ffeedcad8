// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

func extentItemKey(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: btrfsprim.ObjID(addr), ItemType: btrfsitem.EXTENT_ITEM_KEY, Offset: uint64(size)}
}

// dataExtent builds an EXTENT_ITEM with a single inline EXTENT_DATA_REF.
// The referencing inode is fixed (distinguishing two overlapping test
// extents doesn't need distinct owners, only distinct spans).
func dataExtent(refs int64) *btrfsitem.Extent {
	return &btrfsitem.Extent{
		Head: btrfsitem.ExtentHeader{Refs: refs, Flags: btrfsitem.EXTENT_FLAG_DATA},
		Refs: []btrfsitem.ExtentInlineRef{
			{Type: btrfsitem.EXTENT_DATA_REF_KEY, Body: &btrfsitem.ExtentDataRef{
				Root: 5, ObjectID: 257, Offset: 0, Count: 1,
			}},
		},
	}
}

func treeBlockExtent(refs int64, owningRoot btrfsprim.ObjID) *btrfsitem.Extent {
	return &btrfsitem.Extent{
		Head: btrfsitem.ExtentHeader{Refs: refs, Flags: btrfsitem.EXTENT_FLAG_TREE_BLOCK},
		Refs: []btrfsitem.ExtentInlineRef{
			{Type: btrfsitem.TREE_BLOCK_REF_KEY, Offset: uint64(owningRoot)},
		},
	}
}

func sharedTreeBlockExtent(refs int64, parent btrfsvol.LogicalAddr) *btrfsitem.Extent {
	return &btrfsitem.Extent{
		Head: btrfsitem.ExtentHeader{Refs: refs, Flags: btrfsitem.EXTENT_FLAG_TREE_BLOCK},
		Refs: []btrfsitem.ExtentInlineRef{
			{Type: btrfsitem.SHARED_BLOCK_REF_KEY, Offset: uint64(parent)},
		},
	}
}

// S4: two EXTENT_ITEMs whose spans overlap are both flagged, and
// neither record silently absorbs the other.
func TestExtentGraphDuplicateExtent(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	const base = btrfsvol.LogicalAddr(100 << 20)
	a := g.ProcessExtentItem(ctx, extentItemKey(base, 16<<10), dataExtent(1))
	b := g.ProcessExtentItem(ctx, extentItemKey(base+(8<<10), 16<<10), dataExtent(1))

	assert.NotZero(t, a.Errs&ExtentErrDuplicateExtent)
	assert.NotZero(t, b.Errs&ExtentErrDuplicateExtent)
	assert.Contains(t, a.Duplicates, b.Start)
	assert.Contains(t, b.Duplicates, a.Start)
}

// Property 5 (backref counting): when every inline ref is matched by
// a keyed backref found during the tree sweep, refs equals the
// extent's own claimed refcount and no mismatch fires.
func TestExtentGraphRefCountAgrees(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	addr := btrfsvol.LogicalAddr(1 << 20)
	rec := g.ProcessExtentItem(ctx, extentItemKey(addr, 16384), treeBlockExtent(1, 5))
	g.RecordKeyedBackref(addr, BackrefKey{Root: 5}, 1)

	g.Classify(ctx, nil)
	assert.Equal(t, int64(1), rec.Refs)
	assert.Zero(t, rec.Errs&ExtentErrRefCountMismatch)
	assert.Zero(t, rec.Errs&ExtentErrMissingBackref)
}

// An extent item that claims more refs than its backrefs' counts sum
// to is a refcount mismatch, even when its one inline backref is
// matched by the sweep.
func TestExtentGraphRefCountMismatch(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	addr := btrfsvol.LogicalAddr(2 << 20)
	rec := g.ProcessExtentItem(ctx, extentItemKey(addr, 16384), treeBlockExtent(2, 5))
	// The item claims two refs; its one backref has a count of one.
	g.RecordKeyedBackref(addr, BackrefKey{Root: 5}, 1)

	g.Classify(ctx, nil)
	assert.NotZero(t, rec.Errs&ExtentErrRefCountMismatch)
}

// A metadata extent whose sole backref is FULL_BACKREF to a parent
// that isn't itself in the graph has no resolvable owner.
func TestExtentGraphOwnerLost(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	addr := btrfsvol.LogicalAddr(3 << 20)
	rec := g.ProcessExtentItem(ctx, extentItemKey(addr, 16384), sharedTreeBlockExtent(1, 0xdead<<20))
	g.RecordKeyedBackref(addr, BackrefKey{FullBackref: true, Parent: 0xdead << 20}, 1)

	g.Classify(ctx, nil)
	assert.NotZero(t, rec.Errs&ExtentErrOwnerLost)
}

// When the FULL_BACKREF chain resolves to a real TREE_BLOCK_REF
// further up, the owner is found and OWNER_LOST must not fire even
// though the leaf extent's own ref is entirely shared.
func TestExtentGraphOwnerResolvedThroughParent(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	parentAddr := btrfsvol.LogicalAddr(4 << 20)
	childAddr := parentAddr + (1 << 16)

	g.ProcessExtentItem(ctx, extentItemKey(parentAddr, 16384), treeBlockExtent(1, 5))
	g.RecordKeyedBackref(parentAddr, BackrefKey{Root: 5}, 1)

	child := g.ProcessExtentItem(ctx, extentItemKey(childAddr, 16384), sharedTreeBlockExtent(1, parentAddr))
	g.RecordKeyedBackref(childAddr, BackrefKey{FullBackref: true, Parent: parentAddr}, 1)

	g.Classify(ctx, nil)
	assert.Zero(t, child.Errs&ExtentErrOwnerLost)
}

// A chunk-mapping lookup failure is a distinct diagnostic from
// OWNER_LOST: it must not be conflated with the backref-chain
// resolution above.
func TestExtentGraphNoChunkMapping(t *testing.T) {
	ctx := context.Background()
	g := NewExtentGraph()

	addr := btrfsvol.LogicalAddr(5 << 20)
	rec := g.ProcessExtentItem(ctx, extentItemKey(addr, 16384), treeBlockExtent(1, 5))
	g.RecordKeyedBackref(addr, BackrefKey{Root: 5}, 1)

	g.Classify(ctx, func(btrfsvol.LogicalAddr) (btrfsvol.BlockGroupFlags, bool) { return 0, false })

	assert.NotZero(t, rec.Errs&ExtentErrNoChunkMapping)
	assert.Zero(t, rec.Errs&ExtentErrOwnerLost)
}

func TestMain_extentgraphHelpers(t *testing.T) {
	require.NotNil(t, NewExtentGraph())
}
