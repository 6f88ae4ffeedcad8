// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck"
)

// asBtrfsKey is the inverse of asPrimKey.
func asBtrfsKey(k btrfsprim.Key) btrfs.Key {
	return btrfs.Key{
		ObjectID: btrfs.ObjID(k.ObjectID),
		ItemType: k.ItemType,
		Offset:   k.Offset,
	}
}

// fsTransaction is the real Transaction backed directly by the opened
// *btrfs.FS: it can overwrite an already-present item's body in
// place (same key, same encoded size), which is all the repair
// strategies that actually need a transaction today (fixInodeSize,
// fixNlink) require. Inserting a new key or deleting one would need
// node splitting/allocation, which this module's read-oriented old
// stack never implements, so those two ops honestly report
// KindUnsupported instead of silently no-opping.
type fsTransaction struct {
	fs *btrfs.FS
}

func openFSTransaction(fs *btrfs.FS) btrfscheck.TransactionOpener {
	return func(context.Context) (btrfscheck.Transaction, error) {
		return &fsTransaction{fs: fs}, nil
	}
}

func (t *fsTransaction) ReadItem(_ context.Context, tree btrfsprim.ObjID, key btrfsprim.Key) (btrfsitem.Item, error) {
	node, idx, err := t.fs.FindItemForWrite(btrfs.ObjID(tree), asBtrfsKey(key))
	if err != nil {
		return nil, btrfscheck.Wrapf(btrfscheck.KindIo, "tree %v key %v: %v", tree, key, err)
	}
	return node.Data.BodyLeaf[idx].Body, nil
}

func (t *fsTransaction) InsertItem(_ context.Context, tree btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	node, idx, err := t.fs.FindItemForWrite(btrfs.ObjID(tree), asBtrfsKey(key))
	if err != nil {
		return btrfscheck.Wrapf(btrfscheck.KindUnsupported,
			"tree %v key %v: no existing item to overwrite in place (inserting a new key needs node allocation, which is unsupported): %v",
			tree, key, err)
	}
	node.Data.BodyLeaf[idx].Body = body
	if err := t.fs.WriteNode(node); err != nil {
		return btrfscheck.Wrap(btrfscheck.KindIo, err)
	}
	return nil
}

func (t *fsTransaction) DeleteItem(_ context.Context, tree btrfsprim.ObjID, key btrfsprim.Key) error {
	return btrfscheck.Wrapf(btrfscheck.KindUnsupported,
		"tree %v key %v: deleting an item needs node restructuring, which is unsupported", tree, key)
}

func (t *fsTransaction) Commit(context.Context) error { return nil }
func (t *fsTransaction) Abort(context.Context) error   { return nil }
