// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// fakeTransaction is a bare in-memory stand-in for the collaborator
// layer's real CoW engine, recording every mutation so a test can
// assert on exactly what a repair routine wrote without needing a
// real filesystem image.
type fakeTransaction struct {
	items     map[btrfsprim.Key]btrfsitem.Item
	inserted  []btrfsprim.Key
	deleted   []btrfsprim.Key
	committed bool
	aborted   bool
}

func newFakeTransaction(seed map[btrfsprim.Key]btrfsitem.Item) *fakeTransaction {
	return &fakeTransaction{items: seed}
}

func (f *fakeTransaction) ReadItem(_ context.Context, _ btrfsprim.ObjID, key btrfsprim.Key) (btrfsitem.Item, error) {
	item, ok := f.items[key]
	if !ok {
		return nil, errors.New("no such item")
	}
	return item, nil
}

func (f *fakeTransaction) InsertItem(_ context.Context, _ btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	f.items[key] = body
	f.inserted = append(f.inserted, key)
	return nil
}

func (f *fakeTransaction) DeleteItem(_ context.Context, _ btrfsprim.ObjID, key btrfsprim.Key) error {
	delete(f.items, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeTransaction) Commit(_ context.Context) error { f.committed = true; return nil }
func (f *fakeTransaction) Abort(_ context.Context) error  { f.aborted = true; return nil }

func fakeOpener(txn *fakeTransaction) TransactionOpener {
	return func(ctx context.Context) (Transaction, error) { return txn, nil }
}

const testTree = btrfsprim.ObjID(5)

func inodeKey(objID btrfsprim.ObjID) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: objID, ItemType: btrfsitem.INODE_ITEM_KEY}
}

// fixInodeSize must read the existing INODE_ITEM back and overwrite
// only NumBytes, leaving every other field (here, NLink and
// Generation) exactly as it was.
func TestRepairInodeFixesSizeInPlace(t *testing.T) {
	ctx := context.Background()
	key := inodeKey(257)
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{
		key: &btrfsitem.Inode{Generation: 7, NumBytes: 999, NLink: 3},
	})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	rec := &InodeRecord{ObjID: 257, Errs: I_ERR_FILE_NBYTES_WRONG, ObservedNBytes: 4096}
	err := r.RepairInode(ctx, testTree, rec)

	require.True(t, errors.Is(err, Again))
	assert.True(t, txn.committed)
	assert.False(t, txn.aborted)

	got := txn.items[key].(*btrfsitem.Inode)
	assert.Equal(t, int64(4096), got.NumBytes)
	assert.Equal(t, int32(3), got.NLink, "nlink must survive an nbytes-only repair")
	assert.EqualValues(t, 7, got.Generation, "generation must survive an nbytes-only repair")
}

// fixNlink must likewise patch only NLink, not clobber Size.
func TestRepairInodeFixesNlinkInPlace(t *testing.T) {
	ctx := context.Background()
	key := inodeKey(258)
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{
		key: &btrfsitem.Inode{Size: 4096, NLink: 0},
	})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	rec := &InodeRecord{ObjID: 258, Errs: I_ERR_LINK_COUNT_WRONG, ComputedNLink: 2}
	err := r.RepairInode(ctx, testTree, rec)

	require.True(t, errors.Is(err, Again))
	got := txn.items[key].(*btrfsitem.Inode)
	assert.Equal(t, int32(2), got.NLink)
	assert.Equal(t, int64(4096), got.Size, "size must survive an nlink-only repair")
}

// An inode missing its INODE_ITEM entirely gets a freshly synthesized
// one inserted, not a read-modify-write (there's nothing to read).
func TestRepairInodeSynthesizesMissingItem(t *testing.T) {
	ctx := context.Background()
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	rec := &InodeRecord{ObjID: 259, Errs: I_ERR_NO_INODE_ITEM}
	err := r.RepairInode(ctx, testTree, rec)

	require.True(t, errors.Is(err, Again))
	_, ok := txn.items[inodeKey(259)]
	assert.True(t, ok)
}

// Error bits with no registered strategy report KindUnsupported
// rather than silently doing nothing, and must not open a
// transaction at all.
func TestRepairInodeUnsupportedErrDoesNotOpenTransaction(t *testing.T) {
	ctx := context.Background()
	opened := false
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, func(ctx context.Context) (Transaction, error) {
		opened = true
		return nil, errors.New("should not be called")
	})

	rec := &InodeRecord{ObjID: 260, Errs: I_ERR_BAD_FILE_EXTENT_OVERLAP}
	err := r.RepairInode(ctx, testTree, rec)

	assert.False(t, opened)
	var kerr *KindError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, KindUnsupported, kerr.Kind)
}

// A repair that fails mid-transaction must abort rather than commit.
func TestRepairInodeAbortsOnFailure(t *testing.T) {
	ctx := context.Background()
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	// No INODE_ITEM on disk, so fixInodeSize's read-modify-write fails.
	rec := &InodeRecord{ObjID: 261, Errs: I_ERR_FILE_NBYTES_WRONG, ObservedNBytes: 100}
	err := r.RepairInode(ctx, testTree, rec)

	require.Error(t, err)
	assert.True(t, txn.aborted)
	assert.False(t, txn.committed)
}

// RepairRef inserts the single missing member of a direntry triple
// from the two survivors' agreement.
func TestRepairRefInsertsMissingDirIndex(t *testing.T) {
	ctx := context.Background()
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	d := &direntry{
		HasDirItem:  true,
		HasInodeRef: true,
		HasDirIndex: false,
		FileType:    btrfsitem.FT_REG_FILE,
		InodeRefNo:  3,
	}
	err := r.RepairRef(ctx, testTree, 256, 257, "foo", d)
	require.NoError(t, err)

	key := btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.DIR_INDEX_KEY, Offset: 3}
	got, ok := txn.items[key].(*btrfsitem.DirEntry)
	require.True(t, ok)
	assert.Equal(t, "foo", string(got.Name))
}

// With fewer than two surviving members there's nothing to repair
// from, and RepairRef must refuse rather than guess.
func TestRepairRefRefusesWithTooFewSurvivors(t *testing.T) {
	ctx := context.Background()
	txn := newFakeTransaction(map[btrfsprim.Key]btrfsitem.Item{})
	sess := NewSession(ctx, ModeOriginal, true)
	r := NewRepairer(sess, fakeOpener(txn))

	d := &direntry{HasDirItem: true}
	err := r.RepairRef(ctx, testTree, 256, 257, "foo", d)

	var kerr *KindError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, KindUnsupported, kerr.Kind)
}
