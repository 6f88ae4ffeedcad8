// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// InodeErr is a bitmask of ways a single inode's own bookkeeping can
// be wrong.
type InodeErr uint32

const (
	I_ERR_NO_INODE_ITEM InodeErr = 1 << iota
	I_ERR_DUP_INODE_ITEM
	I_ERR_LINK_COUNT_WRONG
	I_ERR_ODD_FILE_EXTENT
	I_ERR_BAD_FILE_EXTENT_OVERLAP
	I_ERR_FILE_NBYTES_WRONG
	I_ERR_SOME_CSUM_MISSING
)

// RefErr is a bitmask of ways a single (parent, name) direntry can
// disagree with the inode it's supposed to name.
type RefErr uint32

const (
	REF_ERR_NO_DIR_ITEM RefErr = 1 << iota
	REF_ERR_NO_DIR_INDEX
	REF_ERR_NO_INODE_REF
	REF_ERR_DUP_DIR_ITEM
	REF_ERR_DUP_DIR_INDEX
	REF_ERR_DUP_INODE_REF
	REF_ERR_NAME_HASH_MISMATCH
	REF_ERR_FILETYPE_MISMATCH
)

func bitString(e uint32, names []string) string {
	if e == 0 {
		return "none"
	}
	var ret string
	for i, name := range names {
		if e&(1<<i) != 0 {
			if ret != "" {
				ret += "|"
			}
			ret += name
		}
	}
	return ret
}

func (e InodeErr) String() string {
	return bitString(uint32(e), []string{
		"NO_INODE_ITEM", "DUP_INODE_ITEM", "LINK_COUNT_WRONG",
		"ODD_FILE_EXTENT", "BAD_FILE_EXTENT_OVERLAP", "FILE_NBYTES_WRONG", "SOME_CSUM_MISSING",
	})
}

func (e RefErr) String() string {
	return bitString(uint32(e), []string{
		"NO_DIR_ITEM", "NO_DIR_INDEX", "NO_INODE_REF",
		"DUP_DIR_ITEM", "DUP_DIR_INDEX", "DUP_INODE_REF",
		"NAME_HASH_MISMATCH", "FILETYPE_MISMATCH",
	})
}

// DirentryKey identifies one (parent-dir, child, name) edge of the
// namespace graph, the unit that INODE_REF/DIR_ITEM/DIR_INDEX must
// all three agree about.
type DirentryKey struct {
	ParentDir btrfsprim.ObjID
	Child     btrfsprim.ObjID
	Name      string
}

// direntry accumulates what each of the three item types said about
// one DirentryKey, so Finalize can diff them against each other the
// way fsck's ternary dir-item/dir-index/inode-ref check does.
type direntry struct {
	HasDirItem, HasDirIndex, HasInodeRef        bool
	DirItemCount, DirIndexCount, InodeRefCount int
	DirIndexNo                                 int64
	InodeRefNo                                 int64
	FileType                                   btrfsitem.FileType
	NameHashOK                                 bool
}

// InodeRecord is one subvolume-relative inode's checker state, and
// what Finalize hands a Repairer: it carries not just which error
// bits fired but the values a repair should write, so a repair never
// has to re-derive (or, worse, zero) what this package already
// observed.
type InodeRecord struct {
	ObjID    btrfsprim.ObjID
	HasItem  bool
	ItemSeen int
	NLink    int32 // INODE_ITEM's own claimed link count
	IsDir    bool
	Size     int64 // INODE_ITEM.size (stat isize)
	NumBytes int64 // INODE_ITEM.nbytes, as stored on disk

	// ObservedNBytes is the sum of on-disk bytes actually backing this
	// inode's non-hole regular/prealloc file extents plus inline
	// bodies, i.e. what .NumBytes ought to equal.
	ObservedNBytes int64
	// ComputedNLink is the number of direntries that still agree
	// across DIR_ITEM/DIR_INDEX/INODE_REF about naming this inode,
	// i.e. what nlink repair writes into .NLink.
	ComputedNLink int32

	fileExtents *containers.RBTree[containers.NativeOrdered[int64], fileExtentSpan]
	holes       *containers.RBTree[containers.NativeOrdered[int64], holeSpan]

	Errs InodeErr
}

type fileExtentSpan struct {
	Beg, End int64 // byte offsets within the file
}

func (s fileExtentSpan) cmpRange(beg, end int64) int {
	switch {
	case end <= s.Beg:
		return -1
	case s.End <= beg:
		return 1
	default:
		return 0
	}
}

// holeSpan is one not-yet-accounted-for [Beg, End) byte range of a
// file, kept in an InodeRecord's hole tree. The tree starts (lazily,
// once the inode's isize is known) as a single hole spanning the
// whole file, and del_file_extent_hole-style splits every time a
// FILE_EXTENT item claims part of it, the same bookkeeping the
// original reference fsck keeps per inode to later tell a legitimate
// unwritten gap from file_extent accounting that doesn't add up.
type holeSpan struct {
	Beg, End int64
}

func (s holeSpan) cmpRange(beg, end int64) int {
	switch {
	case end <= s.Beg:
		return -1
	case s.End <= beg:
		return 1
	default:
		return 0
	}
}

func (rec *InodeRecord) ensureHoles() {
	if rec.holes != nil {
		return
	}
	rec.holes = &containers.RBTree[containers.NativeOrdered[int64], holeSpan]{
		KeyFn: func(s holeSpan) containers.NativeOrdered[int64] { return containers.NativeOrdered[int64]{Val: s.Beg} },
	}
	if rec.Size > 0 {
		rec.holes.Insert(holeSpan{Beg: 0, End: rec.Size})
	}
}

// delFileExtentHole removes [beg, end) from rec's hole tree, splitting
// any hole that only partially overlaps the removed range around it.
func (rec *InodeRecord) delFileExtentHole(beg, end int64) {
	rec.ensureHoles()
	covered := rec.holes.SearchRange(func(s holeSpan) int { return s.cmpRange(beg, end) })
	for _, h := range covered {
		rec.holes.Delete(containers.NativeOrdered[int64]{Val: h.Beg})
		if h.Beg < beg {
			rec.holes.Insert(holeSpan{Beg: h.Beg, End: beg})
		}
		if end < h.End {
			rec.holes.Insert(holeSpan{Beg: end, End: h.End})
		}
	}
}

// FsChecker cross-checks one subvolume's namespace (inode items,
// inode refs, dir items/indexes, file extents). It holds one
// subvolume's worth of direntries and inodes in memory until
// Finalize; the caller makes a new FsChecker for each subvolume, in
// either Mode. State is not flushed part-way through a subvolume.
type FsChecker struct {
	Tree btrfsprim.ObjID

	// CSums, when set, is consulted for every non-hole regular file
	// extent to set I_ERR_SOME_CSUM_MISSING; left nil (the default)
	// this check is skipped, matching --check-data-csum being the
	// flag that opts into the csum-tree walk that builds it.
	CSums *CSumIndex

	inodes     map[btrfsprim.ObjID]*InodeRecord
	direntries map[DirentryKey]*direntry
}

func NewFsChecker(tree btrfsprim.ObjID) *FsChecker {
	return &FsChecker{
		Tree:       tree,
		inodes:     make(map[btrfsprim.ObjID]*InodeRecord),
		direntries: make(map[DirentryKey]*direntry),
	}
}

func (c *FsChecker) inode(objID btrfsprim.ObjID) *InodeRecord {
	rec, ok := c.inodes[objID]
	if !ok {
		rec = &InodeRecord{ObjID: objID}
		c.inodes[objID] = rec
	}
	return rec
}

func (c *FsChecker) direntry(key DirentryKey) *direntry {
	d, ok := c.direntries[key]
	if !ok {
		d = &direntry{}
		c.direntries[key] = d
	}
	return d
}

// HandleItem feeds one item belonging to c.Tree into the checker. It
// is safe to call with items in any order, but callers get the best
// diagnostics (and the least memory use, in lowmem mode) by feeding
// items in tree order, one subvolume at a time: in particular, the
// hole/nbytes bookkeeping below assumes INODE_ITEM (type 1) is seen
// before that inode's EXTENT_DATA items (type 108), which holds for
// any tree that isn't itself corrupt in key order.
func (c *FsChecker) HandleItem(ctx context.Context, item btrfstree.Item) {
	switch body := item.Body.(type) {
	case *btrfsitem.Inode:
		rec := c.inode(item.Key.ObjectID)
		rec.ItemSeen++
		if rec.ItemSeen > 1 {
			rec.Errs |= I_ERR_DUP_INODE_ITEM
		}
		rec.HasItem = true
		rec.NLink = body.NLink
		rec.Size = body.Size
		rec.NumBytes = body.NumBytes
		rec.IsDir = body.Mode.IsDir()
	case *btrfsitem.InodeRefs:
		for _, ref := range body.Refs {
			key := DirentryKey{ParentDir: btrfsprim.ObjID(item.Key.Offset), Child: item.Key.ObjectID, Name: string(ref.Name)}
			d := c.direntry(key)
			d.HasInodeRef = true
			d.InodeRefCount++
			d.InodeRefNo = ref.Index
		}
	case *btrfsitem.DirEntry:
		targetObjID := body.Location.ObjectID
		key := DirentryKey{ParentDir: item.Key.ObjectID, Child: targetObjID, Name: string(body.Name)}
		d := c.direntry(key)
		switch item.Key.ItemType {
		case btrfsitem.DIR_ITEM_KEY:
			d.HasDirItem = true
			d.DirItemCount++
			d.FileType = body.Type
			d.NameHashOK = item.Key.Offset == btrfsitem.NameHash(body.Name)
		case btrfsitem.DIR_INDEX_KEY:
			d.HasDirIndex = true
			d.DirIndexCount++
			d.DirIndexNo = int64(item.Key.Offset)
		}
	case *btrfsitem.FileExtent:
		rec := c.inode(item.Key.ObjectID)
		if rec.fileExtents == nil {
			rec.fileExtents = &containers.RBTree[containers.NativeOrdered[int64], fileExtentSpan]{
				KeyFn: func(s fileExtentSpan) containers.NativeOrdered[int64] { return containers.NativeOrdered[int64]{Val: s.Beg} },
			}
		}
		beg := int64(item.Key.Offset)
		length, err := body.Size()
		if err != nil {
			rec.Errs |= I_ERR_ODD_FILE_EXTENT
			return
		}
		end := beg + length
		if overlaps := rec.fileExtents.SearchRange(func(s fileExtentSpan) int { return s.cmpRange(beg, end) }); len(overlaps) > 0 {
			rec.Errs |= I_ERR_BAD_FILE_EXTENT_OVERLAP
		}
		rec.fileExtents.Insert(fileExtentSpan{Beg: beg, End: end})
		rec.delFileExtentHole(beg, end)

		switch body.Type {
		case btrfsitem.FILE_EXTENT_INLINE:
			rec.ObservedNBytes += length
		case btrfsitem.FILE_EXTENT_REG:
			if body.BodyExtent.DiskByteNr != 0 {
				rec.ObservedNBytes += int64(body.BodyExtent.DiskNumBytes)
				if c.CSums != nil && !c.CSums.Covered(body.BodyExtent.DiskByteNr, body.BodyExtent.DiskNumBytes) {
					rec.Errs |= I_ERR_SOME_CSUM_MISSING
				}
			}
		case btrfsitem.FILE_EXTENT_PREALLOC:
			if body.BodyExtent.DiskByteNr != 0 {
				rec.ObservedNBytes += int64(body.BodyExtent.DiskNumBytes)
			}
		}
	}
}

// Finalize cross-checks every inode's own nlink against the number
// of INODE_REF names pointing at it, every inode's own nbytes
// against the sum this package observed from its file extents, and
// every direntry against the INODE_REF/DIR_ITEM/DIR_INDEX triple it
// should have, per the ternary check: a direntry is only fully
// consistent when all three agree.
func (c *FsChecker) Finalize(ctx context.Context) (map[btrfsprim.ObjID]*InodeRecord, map[DirentryKey]RefErr) {
	linkCount := make(map[btrfsprim.ObjID]int32)
	refNames := make(map[btrfsprim.ObjID]int32)
	refErrs := make(map[DirentryKey]RefErr)

	for key, d := range c.direntries {
		var e RefErr
		switch {
		case !d.HasDirItem:
			e |= REF_ERR_NO_DIR_ITEM
		case d.DirItemCount > 1:
			e |= REF_ERR_DUP_DIR_ITEM
		}
		switch {
		case !d.HasDirIndex:
			e |= REF_ERR_NO_DIR_INDEX
		case d.DirIndexCount > 1:
			e |= REF_ERR_DUP_DIR_INDEX
		}
		switch {
		case !d.HasInodeRef:
			e |= REF_ERR_NO_INODE_REF
		case d.InodeRefCount > 1:
			e |= REF_ERR_DUP_INODE_REF
		}
		if d.HasDirItem && !d.NameHashOK {
			e |= REF_ERR_NAME_HASH_MISMATCH
		}
		if e != 0 {
			refErrs[key] = e
		}
		if d.HasInodeRef {
			refNames[key.Child]++
		}
		if d.HasDirItem && d.HasDirIndex && d.HasInodeRef {
			linkCount[key.Child]++
		}
	}

	result := make(map[btrfsprim.ObjID]*InodeRecord, len(c.inodes))
	for objID, rec := range c.inodes {
		rec.ComputedNLink = linkCount[objID]
		if !rec.HasItem {
			rec.Errs |= I_ERR_NO_INODE_ITEM
		} else {
			if rec.NLink != refNames[objID] {
				rec.Errs |= I_ERR_LINK_COUNT_WRONG
			}
			if !rec.IsDir && rec.NumBytes != rec.ObservedNBytes {
				rec.Errs |= I_ERR_FILE_NBYTES_WRONG
			}
		}
		if rec.Errs != 0 {
			result[objID] = rec
		}
	}
	return result, refErrs
}

// CSumIndex is the union of logical byte ranges covered by EXTENT_CSUM
// items read from the csum tree, used to answer "does this data
// extent have a checksum on record".
type CSumIndex struct {
	covered *containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], csumSpan]
}

type csumSpan struct {
	Beg, End btrfsvol.LogicalAddr
}

func (s csumSpan) cmpRange(beg, end btrfsvol.LogicalAddr) int {
	switch {
	case end <= s.Beg:
		return -1
	case s.End <= beg:
		return 1
	default:
		return 0
	}
}

func NewCSumIndex() *CSumIndex {
	return &CSumIndex{
		covered: &containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], csumSpan]{
			KeyFn: func(s csumSpan) containers.NativeOrdered[btrfsvol.LogicalAddr] {
				return containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: s.Beg}
			},
		},
	}
}

// Add records that [beg, beg+length) has at least one EXTENT_CSUM
// entry on record.
func (c *CSumIndex) Add(beg btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) {
	if length <= 0 {
		return
	}
	c.covered.Insert(csumSpan{Beg: beg, End: beg.Add(length)})
}

// Covered reports whether every byte of [beg, beg+length) is
// accounted for by the union of ranges Add has recorded, coalescing
// overlapping/adjacent spans on the fly.
func (c *CSumIndex) Covered(beg btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) bool {
	if length <= 0 {
		return true
	}
	end := beg.Add(length)
	spans := c.covered.SearchRange(func(s csumSpan) int { return s.cmpRange(beg, end) })
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].Beg < spans[j-1].Beg; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
	cur := beg
	for _, s := range spans {
		if s.Beg > cur {
			return false
		}
		if s.End > cur {
			cur = s.End
		}
		if cur >= end {
			return true
		}
	}
	return cur >= end
}
