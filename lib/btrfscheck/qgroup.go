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

// QGroupAccounting mirrors one QGROUP_INFO_ITEM's byte-counting
// fields, either as read from the filesystem (disk) or as recomputed
// from the extent graph (computed).
type QGroupAccounting struct {
	Referenced           uint64
	ReferencedCompressed uint64
	Exclusive            uint64
	ExclusiveCompressed  uint64
}

func (a QGroupAccounting) addRef(numBytes uint64, exclusive bool) QGroupAccounting {
	a.Referenced += numBytes
	a.ReferencedCompressed += numBytes
	if exclusive {
		a.Exclusive += numBytes
		a.ExclusiveCompressed += numBytes
	}
	return a
}

// QGroupRecord is one qgroup's on-disk numbers plus the numbers this
// package recomputed from the extent graph.
type QGroupRecord struct {
	ID       btrfsprim.ObjID
	OnDisk   QGroupAccounting
	Computed QGroupAccounting
}

// Mismatch reports whether OnDisk and Computed disagree on any
// uncompressed counter; the compressed counters are never actually
// populated by the kernel (it accounts compressed bytes the same as
// uncompressed, same as this package does), so they're not compared.
func (r QGroupRecord) Mismatch() bool {
	return r.OnDisk.Referenced != r.Computed.Referenced ||
		r.OnDisk.Exclusive != r.Computed.Exclusive
}

// QGroupVerifier walks the extent graph's backrefs to recompute each
// qgroup's referenced/exclusive byte accounting from scratch, the way
// the reference implementation's account_all_refs does: for each
// extent, resolve the set of fs-tree roots that reference it (a
// shared backref is resolved transitively through its parent
// tree-block's own backrefs), then charge the extent's size as
// "referenced" against every one of those roots, and as "exclusive"
// too if there was only one.
type QGroupVerifier struct {
	graph *ExtentGraph

	groups map[btrfsprim.ObjID]*QGroupRecord
}

func NewQGroupVerifier(graph *ExtentGraph) *QGroupVerifier {
	return &QGroupVerifier{
		graph:  graph,
		groups: make(map[btrfsprim.ObjID]*QGroupRecord),
	}
}

func (v *QGroupVerifier) group(id btrfsprim.ObjID) *QGroupRecord {
	rec, ok := v.groups[id]
	if !ok {
		rec = &QGroupRecord{ID: id}
		v.groups[id] = rec
	}
	return rec
}

// LoadOnDisk records a QGROUP_INFO_ITEM's bookkeeping for later
// comparison against what Account computes.
func (v *QGroupVerifier) LoadOnDisk(qgroupID btrfsprim.ObjID, info *btrfsitem.QGroupInfo) {
	rec := v.group(qgroupID)
	rec.OnDisk = QGroupAccounting{
		Referenced:           info.ReferencedBytes,
		ReferencedCompressed: info.ReferencedBytesCompressed,
		Exclusive:            info.ExclusiveBytes,
		ExclusiveCompressed:  info.ExclusiveBytesCompressed,
	}
}

// findRoots resolves the set of fs-tree roots that (transitively)
// reference laddr, by walking shared (FullBackref, parent-keyed)
// backrefs up through their parent tree block's own backrefs. It's an
// explicit work-stack rather than recursion: an address may be pushed
// more than once, but seen (a containers.Set) is checked as each one
// is popped, so each address is expanded at most once and a corrupt
// cyclic parent chain terminates, the same not-twice guarantee
// recursion-with-a-visited-map gives but without growing the Go call
// stack with the backref graph's depth.
func (v *QGroupVerifier) findRoots(ctx context.Context, laddr btrfsvol.LogicalAddr, seen containers.Set[btrfsvol.LogicalAddr], roots containers.Set[btrfsprim.ObjID]) {
	stack := []btrfsvol.LogicalAddr{laddr}
	for len(stack) > 0 {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Has(addr) {
			continue
		}
		seen.Insert(addr)

		rec, ok := v.graph.Lookup(addr)
		if !ok {
			continue
		}
		_ = rec.Backrefs.Walk(func(node *containers.RBNode[*Backref]) error {
			bref := node.Value
			switch {
			case bref.Key.Root != 0:
				roots.Insert(bref.Key.Root)
			case bref.Key.Parent != 0:
				stack = append(stack, bref.Key.Parent)
			}
			return nil
		})
	}
}

// rootIsFsTree reports whether objID is a subvolume/fs tree eligible
// to be charged qgroup bytes, matching rootIsQgroupEligible's notion
// of what counts as a "real" subvolume for accounting purposes.
func rootIsFsTree(objID btrfsprim.ObjID) bool {
	return rootIsQgroupEligible(objID)
}

// Account walks every extent in the graph exactly once, resolving its
// owning roots and charging its size against each eligible root's
// qgroup. Call this after the extent graph has been fully populated
// and Classify'd.
func (v *QGroupVerifier) Account(ctx context.Context) {
	for _, rec := range v.graph.All() {
		if rec.Size <= 0 {
			continue
		}
		roots := containers.NewSet[btrfsprim.ObjID]()
		seen := containers.NewSet[btrfsvol.LogicalAddr]()
		_ = rec.Backrefs.Walk(func(node *containers.RBNode[*Backref]) error {
			bref := node.Value
			if bref.Key.Root != 0 {
				roots.Insert(bref.Key.Root)
			} else if bref.Key.Parent != 0 {
				v.findRoots(ctx, bref.Key.Parent, seen, roots)
			}
			return nil
		})

		exclusive := len(roots) == 1
		numBytes := uint64(rec.Size)
		for rootID := range roots {
			if !rootIsFsTree(rootID) {
				continue
			}
			g := v.group(rootID)
			g.Computed = g.Computed.addRef(numBytes, exclusive)
		}
	}
}

// Mismatches returns every qgroup whose on-disk bookkeeping disagrees
// with what Account recomputed, sorted by qgroup ID.
func (v *QGroupVerifier) Mismatches() []QGroupRecord {
	var out []QGroupRecord
	for _, rec := range v.groups {
		if rec.Mismatch() {
			out = append(out, *rec)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (r QGroupRecord) String() string {
	return fmt.Sprintf("qgroup %v: on-disk referenced=%d exclusive=%d, computed referenced=%d exclusive=%d",
		r.ID, r.OnDisk.Referenced, r.OnDisk.Exclusive, r.Computed.Referenced, r.Computed.Exclusive)
}
