// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// Transaction is the narrow surface a repair routine needs from the
// collaborator layer that actually owns CoW, node allocation, and
// durability: insert/delete one keyed item, and commit-or-abort the
// batch. Repair routines never touch a Node or a block address
// directly; anything below this interface is the collaborator's
// problem, not the checker's.
type Transaction interface {
	// ReadItem returns the current on-disk body of the item at key, so
	// a repair that only needs to change one field can read-modify-
	// write instead of fabricating the rest of the struct from
	// scratch.
	ReadItem(ctx context.Context, tree btrfsprim.ObjID, key btrfsprim.Key) (btrfsitem.Item, error)
	InsertItem(ctx context.Context, tree btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error
	DeleteItem(ctx context.Context, tree btrfsprim.ObjID, key btrfsprim.Key) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// TransactionOpener is how a Repairer obtains a Transaction; in
// production this is backed by the collaborator layer's real CoW
// engine, in tests by a fake that records calls.
type TransactionOpener func(ctx context.Context) (Transaction, error)

// Repairer dispatches detected error bits to the strategy table in
// RepairInode/RepairRef and runs each strategy inside its
// own transaction, per the rule that a repair routine opens,
// mutates, and commits (or aborts) exactly one transaction before
// returning control to the scan driver.
type Repairer struct {
	Sess  *Session
	Begin TransactionOpener
}

func NewRepairer(sess *Session, begin TransactionOpener) *Repairer {
	return &Repairer{Sess: sess, Begin: begin}
}

// runInTxn opens a transaction, runs fn, and commits on success or
// aborts and wraps the error as KindFatal on failure — a repair that
// cannot complete its transaction poisons the whole repair pass,
// since a half-applied edit is worse than the original corruption.
func (r *Repairer) runInTxn(ctx context.Context, fn func(txn Transaction) error) error {
	txn, err := r.Begin(ctx)
	if err != nil {
		return Wrap(KindIo, err)
	}
	if err := fn(txn); err != nil {
		if abortErr := txn.Abort(ctx); abortErr != nil {
			return Wrap(KindFatal, fmt.Errorf("repair failed (%w) and abort failed: %v", err, abortErr))
		}
		return Wrap(KindFatal, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return Wrap(KindFatal, fmt.Errorf("commit failed: %w", err))
	}
	return Again
}

// RepairInode applies the strategy for one inode's error bits and
// returns Again on success, per the "scan restarts after every
// repair" policy (CoW may have invalidated cached tree blocks).
// Only a subset of InodeErr is auto-fixable; the rest are reported by
// the caller without calling RepairInode at all.
func (r *Repairer) RepairInode(ctx context.Context, tree btrfsprim.ObjID, rec *InodeRecord) error {
	switch {
	case rec.Errs&I_ERR_NO_INODE_ITEM != 0:
		return r.runInTxn(ctx, func(txn Transaction) error {
			return r.synthesizeInode(ctx, txn, tree, rec)
		})
	case rec.Errs&I_ERR_FILE_NBYTES_WRONG != 0:
		return r.runInTxn(ctx, func(txn Transaction) error {
			return r.fixInodeSize(ctx, txn, tree, rec)
		})
	case rec.Errs&I_ERR_LINK_COUNT_WRONG != 0:
		return r.runInTxn(ctx, func(txn Transaction) error {
			return r.fixNlink(ctx, txn, tree, rec)
		})
	default:
		return Wrapf(KindUnsupported, "no repair strategy for inode %v errs=%v", rec.ObjID, rec.Errs)
	}
}

// synthesizeInode inserts a minimal INODE_ITEM for an inode that's
// referenced by a direntry but has none. Only Generation is set: the
// mode is left zero (no file type is taken from the direntries), and
// nlink is left at zero so nlink repair runs next and re-derives it
// from surviving direntries.
func (r *Repairer) synthesizeInode(ctx context.Context, txn Transaction, tree btrfsprim.ObjID, rec *InodeRecord) error {
	body := &btrfsitem.Inode{
		Generation: btrfsprim.Generation(r.Sess.generation()),
		NLink:      0,
		Size:       0,
	}
	key := btrfsprim.Key{ObjectID: rec.ObjID, ItemType: btrfsitem.INODE_ITEM_KEY}
	if err := txn.InsertItem(ctx, tree, key, body); err != nil {
		return err
	}
	r.Sess.Warnf("synthesized INODE_ITEM for %v in tree %v", rec.ObjID, tree)
	return nil
}

// readInode reads back the current INODE_ITEM so a single-field fix
// can patch it in place instead of clobbering the rest of the struct
// (generation, mode, uid/gid, times, ...) with zero values.
func (r *Repairer) readInode(ctx context.Context, txn Transaction, tree btrfsprim.ObjID, objID btrfsprim.ObjID) (*btrfsitem.Inode, btrfsprim.Key, error) {
	key := btrfsprim.Key{ObjectID: objID, ItemType: btrfsitem.INODE_ITEM_KEY}
	raw, err := txn.ReadItem(ctx, tree, key)
	if err != nil {
		return nil, key, err
	}
	body, ok := raw.(*btrfsitem.Inode)
	if !ok {
		return nil, key, fmt.Errorf("inode %v: INODE_ITEM has unexpected body type %T", objID, raw)
	}
	return body, key, nil
}

// fixInodeSize overwrites .NumBytes in place with the sum this
// package observed from the file's extents, per the "overwrite in
// place using the observed sum" strategy; every other field of the
// INODE_ITEM is left exactly as read.
func (r *Repairer) fixInodeSize(ctx context.Context, txn Transaction, tree btrfsprim.ObjID, rec *InodeRecord) error {
	body, key, err := r.readInode(ctx, txn, tree, rec.ObjID)
	if err != nil {
		return err
	}
	body.NumBytes = rec.ObservedNBytes
	if err := txn.InsertItem(ctx, tree, key, body); err != nil {
		return err
	}
	r.Sess.Warnf("rewrote INODE_ITEM.nbytes for %v to %d", rec.ObjID, rec.ObservedNBytes)
	return nil
}

// fixNlink rewrites NLink to match the number of direntries that
// still agree across DIR_ITEM/DIR_INDEX/INODE_REF, per the nlink
// repair strategy; every other field of the INODE_ITEM is left
// exactly as read. It does not itself relink orphans into lost+found,
// since that requires the direntry set, not just the inode record.
func (r *Repairer) fixNlink(ctx context.Context, txn Transaction, tree btrfsprim.ObjID, rec *InodeRecord) error {
	body, key, err := r.readInode(ctx, txn, tree, rec.ObjID)
	if err != nil {
		return err
	}
	body.NLink = rec.ComputedNLink
	if err := txn.InsertItem(ctx, tree, key, body); err != nil {
		return err
	}
	r.Sess.Warnf("rewrote INODE_ITEM.nlink for %v to %d", rec.ObjID, rec.ComputedNLink)
	return nil
}

// RepairRef applies the ternary dir-item/dir-index/inode-ref repair:
// when exactly one of the three is missing, insert it from the other
// two's agreement. When all three are present it changes nothing:
// items that disagree on filetype or index are not deleted.
func (r *Repairer) RepairRef(ctx context.Context, tree btrfsprim.ObjID, parent, child btrfsprim.ObjID, name string, d *direntry) error {
	present := 0
	if d.HasDirItem {
		present++
	}
	if d.HasDirIndex {
		present++
	}
	if d.HasInodeRef {
		present++
	}
	if present < 2 {
		return Wrapf(KindUnsupported, "direntry (%v,%v,%q) has too few surviving items to repair", parent, child, name)
	}
	return r.runInTxn(ctx, func(txn Transaction) error {
		switch {
		case !d.HasDirIndex:
			key := btrfsprim.Key{ObjectID: parent, ItemType: btrfsitem.DIR_INDEX_KEY, Offset: uint64(d.InodeRefNo)}
			return txn.InsertItem(ctx, tree, key, &btrfsitem.DirEntry{
				Location: btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_ITEM_KEY},
				Type:     d.FileType,
				Name:     []byte(name),
			})
		case !d.HasDirItem:
			key := btrfsprim.Key{ObjectID: parent, ItemType: btrfsitem.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(name))}
			return txn.InsertItem(ctx, tree, key, &btrfsitem.DirEntry{
				Location: btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_ITEM_KEY},
				Type:     d.FileType,
				Name:     []byte(name),
			})
		case !d.HasInodeRef:
			key := btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.INODE_REF_KEY, Offset: uint64(parent)}
			return txn.InsertItem(ctx, tree, key, &btrfsitem.InodeRefs{
				Refs: []btrfsitem.InodeRef{{Index: d.DirIndexNo, Name: []byte(name)}},
			})
		default:
			return nil
		}
	})
}

// generation is a placeholder for the transaction ID a synthesized
// item should be stamped with; real generation tracking belongs to
// the collaborator layer that hands out transactions, not to the
// checker, so this always reports the same sentinel value until a
// caller wires up the filesystem's actual current generation.
func (s *Session) generation() uint64 { return 1 }
