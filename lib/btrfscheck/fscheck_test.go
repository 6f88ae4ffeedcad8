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
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/linux"
)

func inodeItem(objID btrfsprim.ObjID, mode linux.StatMode, size, numBytes int64, nlink int32) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: objID, ItemType: btrfsitem.INODE_ITEM_KEY},
		Body: &btrfsitem.Inode{
			Size:     size,
			NumBytes: numBytes,
			NLink:    nlink,
			Mode:     mode,
		},
	}
}

func fileExtentItem(objID btrfsprim.ObjID, fileOffset uint64, diskByteNr int64, numBytes int64) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: objID, ItemType: btrfsitem.EXTENT_DATA_KEY, Offset: fileOffset},
		Body: &btrfsitem.FileExtent{
			Type: btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   btrfsvol.LogicalAddr(diskByteNr),
				DiskNumBytes: btrfsvol.AddrDelta(numBytes),
				NumBytes:     numBytes,
			},
		},
	}
}

func dirItem(parent, child btrfsprim.ObjID, name string) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: parent, ItemType: btrfsitem.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(name))},
		Body: &btrfsitem.DirEntry{
			Location: btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_ITEM_KEY},
			Type:     btrfsitem.FT_REG_FILE,
			Name:     []byte(name),
		},
	}
}

func dirIndex(parent, child btrfsprim.ObjID, idx uint64, name string) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: parent, ItemType: btrfsitem.DIR_INDEX_KEY, Offset: idx},
		Body: &btrfsitem.DirEntry{
			Location: btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_ITEM_KEY},
			Type:     btrfsitem.FT_REG_FILE,
			Name:     []byte(name),
		},
	}
}

func inodeRef(parent, child btrfsprim.ObjID, idx int64, name string) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_REF_KEY, Offset: uint64(parent)},
		Body: &btrfsitem.InodeRefs{
			Refs: []btrfsitem.InodeRef{{Index: idx, Name: []byte(name)}},
		},
	}
}

// S2: an inode claims 8192 bytes but only backs 4096 of them with a
// real extent; Finalize must flag I_ERR_FILE_NBYTES_WRONG and record
// the correct sum for a repair to use.
func TestFsCheckerFileNBytesWrong(t *testing.T) {
	ctx := context.Background()
	c := NewFsChecker(btrfsprim.ObjID(5))

	c.HandleItem(ctx, inodeItem(257, linux.ModeFmtRegular, 8192, 8192, 1))
	c.HandleItem(ctx, fileExtentItem(257, 0, 0x1000, 4096))

	recs, _ := c.Finalize(ctx)
	rec, ok := recs[257]
	require.True(t, ok, "inode 257 should have been flagged")
	assert.NotZero(t, rec.Errs&I_ERR_FILE_NBYTES_WRONG)
	assert.Equal(t, int64(4096), rec.ObservedNBytes)
}

// S2 continued: once nbytes matches (and the inode's one name is
// present), the inode is clean.
func TestFsCheckerFileNBytesClean(t *testing.T) {
	ctx := context.Background()
	c := NewFsChecker(btrfsprim.ObjID(5))

	c.HandleItem(ctx, inodeItem(257, linux.ModeFmtRegular, 4096, 4096, 1))
	c.HandleItem(ctx, dirItem(256, 257, "foo"))
	c.HandleItem(ctx, dirIndex(256, 257, 3, "foo"))
	c.HandleItem(ctx, inodeRef(256, 257, 3, "foo"))
	c.HandleItem(ctx, fileExtentItem(257, 0, 0x1000, 4096))

	recs, _ := c.Finalize(ctx)
	_, ok := recs[257]
	assert.False(t, ok, "a correctly-sized inode should not be reported")
}

// S3: a DIR_ITEM and INODE_REF agree on a name but the DIR_INDEX is
// missing.
func TestFsCheckerMissingDirIndex(t *testing.T) {
	ctx := context.Background()
	c := NewFsChecker(btrfsprim.ObjID(5))

	c.HandleItem(ctx, inodeItem(256, linux.ModeFmtDir, 0, 0, 1))
	c.HandleItem(ctx, inodeItem(257, linux.ModeFmtRegular, 0, 0, 0))
	c.HandleItem(ctx, dirItem(256, 257, "foo"))
	c.HandleItem(ctx, inodeRef(256, 257, 3, "foo"))

	_, refErrs := c.Finalize(ctx)
	key := DirentryKey{ParentDir: 256, Child: 257, Name: "foo"}
	assert.NotZero(t, refErrs[key]&REF_ERR_NO_DIR_INDEX)

	rec := c.inodes[257]
	assert.NotZero(t, rec.Errs&I_ERR_LINK_COUNT_WRONG, "nlink=0 claimed but one INODE_REF names the inode")
}

// Once all three direntry items agree, nlink converges and the
// direntry is clean.
func TestFsCheckerDirentryConverges(t *testing.T) {
	ctx := context.Background()
	c := NewFsChecker(btrfsprim.ObjID(5))

	c.HandleItem(ctx, inodeItem(256, linux.ModeFmtDir, 0, 0, 1))
	c.HandleItem(ctx, inodeItem(257, linux.ModeFmtRegular, 0, 0, 1))
	c.HandleItem(ctx, dirItem(256, 257, "foo"))
	c.HandleItem(ctx, dirIndex(256, 257, 3, "foo"))
	c.HandleItem(ctx, inodeRef(256, 257, 3, "foo"))

	recs, refErrs := c.Finalize(ctx)
	key := DirentryKey{ParentDir: 256, Child: 257, Name: "foo"}
	assert.Zero(t, refErrs[key])
	_, reported := recs[257]
	assert.False(t, reported)
}

// Overlapping EXTENT_DATA items for the same inode must be flagged.
func TestFsCheckerOverlappingExtents(t *testing.T) {
	ctx := context.Background()
	c := NewFsChecker(btrfsprim.ObjID(5))

	c.HandleItem(ctx, inodeItem(257, linux.ModeFmtRegular, 24576, 24576, 1))
	c.HandleItem(ctx, fileExtentItem(257, 100<<20, 0x1000, 16<<10))
	c.HandleItem(ctx, fileExtentItem(257, 100<<20+(8<<10), 0x2000, 16<<10))

	recs, _ := c.Finalize(ctx)
	rec, ok := recs[257]
	require.True(t, ok)
	assert.NotZero(t, rec.Errs&I_ERR_BAD_FILE_EXTENT_OVERLAP)
}

// Property 7 (hole tracking): a sequence of del_file_extent_hole-style
// removals leaves the rbtree holding exactly the set-theoretic
// difference of [0, size) minus the removed ranges, with no
// adjacent-or-overlapping nodes.
func TestInodeRecordHoleTracking(t *testing.T) {
	rec := &InodeRecord{Size: 100}

	rec.delFileExtentHole(10, 20)
	assertHoles(t, rec, []holeSpan{{0, 10}, {20, 100}})

	rec.delFileExtentHole(20, 30)
	assertHoles(t, rec, []holeSpan{{0, 10}, {30, 100}})

	rec.delFileExtentHole(0, 5)
	assertHoles(t, rec, []holeSpan{{5, 10}, {30, 100}})

	rec.delFileExtentHole(5, 10)
	assertHoles(t, rec, []holeSpan{{30, 100}})

	rec.delFileExtentHole(40, 50)
	assertHoles(t, rec, []holeSpan{{30, 40}, {50, 100}})
}

func assertHoles(t *testing.T, rec *InodeRecord, want []holeSpan) {
	t.Helper()
	var got []holeSpan
	_ = rec.holes.Walk(func(node *containers.RBNode[holeSpan]) error {
		got = append(got, node.Value)
		return nil
	})
	assert.Equal(t, want, got)
}
