// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

// asPrimKey converts the old-generation btrfs.Key into the
// btrfsprim.Key that every btrfscheck type is built on; the two are
// field-for-field identical, but are distinct named types.
func asPrimKey(k btrfs.Key) btrfsprim.Key {
	return btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(k.ObjectID),
		ItemType: k.ItemType,
		Offset:   k.Offset,
	}
}

func asPrimItem(it btrfs.Item) btrfstree.Item {
	return btrfstree.Item{
		Key:  asPrimKey(it.Key),
		Body: it.Body,
	}
}

func isSubvolumeRoot(id btrfsprim.ObjID) bool {
	switch {
	case id < btrfsprim.FIRST_FREE_OBJECTID && id != btrfsprim.FS_TREE_OBJECTID:
		return false
	case id == btrfsprim.TREE_RELOC_OBJECTID, id == btrfsprim.DATA_RELOC_TREE_OBJECTID:
		return false
	default:
		return true
	}
}

// checkFlags collects every flag this subcommand registers, including
// the ones that only the original reference fsck's lower-level repair
// modes need and that this port doesn't (yet) act on; those are still
// registered and threaded through so a caller's script that invokes
// this port as a drop-in doesn't fail on an unknown-flag parse error,
// and are reported as unsupported rather than silently ignored if
// actually given a non-default value.
type checkFlags struct {
	mode            string
	repair          bool
	checkDataCSum   bool
	initExtentTree  bool
	initCSumTree    bool
	qgroupReport    bool
	subvolExtents   int64
	treeRoot        string
	chunkRoot       string
	superBlock      int
	backupSB        int
	clearSpaceCache int
	progress        bool
	force           bool
	readOnly        bool
}

func init() {
	var flags checkFlags
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "check",
			Short: "Check (and optionally repair) a btrfs filesystem's consistency",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, cmd *cobra.Command, _ []string) error {
			mode := btrfscheck.ModeOriginal
			if flags.mode == "lowmem" {
				mode = btrfscheck.ModeLowmem
			}
			sess := btrfscheck.NewSession(cmd.Context(), mode, flags.repair)
			sess.CheckDataCSum = flags.checkDataCSum

			for name, given := range map[string]bool{
				"init-extent-tree":   flags.initExtentTree,
				"init-csum-tree":     flags.initCSumTree,
				"qgroup-report":      flags.qgroupReport,
				"subvol-extents":     flags.subvolExtents != 0,
				"tree-root":          flags.treeRoot != "",
				"chunk-root":         flags.chunkRoot != "",
				"super":              flags.superBlock != 0,
				"backup":             flags.backupSB != 0,
				"clear-space-cache":  flags.clearSpaceCache != 0,
				"force":              flags.force,
			} {
				if given {
					sess.Warnf("--%s is accepted for command-line compatibility but is not implemented by this checker", name)
				}
			}
			if flags.readOnly && flags.repair {
				return fmt.Errorf("--readonly and --repair are mutually exclusive")
			}

			var repairer *btrfscheck.Repairer
			if flags.repair {
				repairer = btrfscheck.NewRepairer(sess, openFSTransaction(fs))
			} else {
				repairer = btrfscheck.NewRepairer(sess, func(context.Context) (btrfscheck.Transaction, error) {
					return nil, btrfscheck.Wrapf(btrfscheck.KindUnsupported,
						"no transaction backend is configured; run with --repair to attempt repairs")
				})
			}

			if flags.progress {
				go reportProgress(sess)
			}

			return runCheck(sess, repairer, fs)
		},
	}
	cmd.Command.Flags().StringVar(&flags.mode, "mode", "original", "checker memory strategy: `original` or `lowmem`")
	cmd.Command.Flags().BoolVar(&flags.repair, "repair", false, "attempt to repair problems that are found")
	cmd.Command.Flags().BoolVar(&flags.checkDataCSum, "check-data-csum", false, "additionally flag data extents with no checksum on record (data is not read)")
	cmd.Command.Flags().BoolVar(&flags.initExtentTree, "init-extent-tree", false, "rebuild the extent tree from scratch (not implemented)")
	cmd.Command.Flags().BoolVar(&flags.initCSumTree, "init-csum-tree", false, "rebuild the csum tree from scratch (not implemented)")
	cmd.Command.Flags().BoolVar(&flags.qgroupReport, "qgroup-report", false, "print a qgroup accounting report and exit (not implemented)")
	cmd.Command.Flags().Int64Var(&flags.subvolExtents, "subvol-extents", 0, "print extent accounting for one subvolume id (not implemented)")
	cmd.Command.Flags().StringVarP(&flags.treeRoot, "tree-root", "r", "", "use this bytenr for the tree root (not implemented)")
	cmd.Command.Flags().StringVar(&flags.chunkRoot, "chunk-root", "", "use this bytenr for the chunk tree root (not implemented)")
	cmd.Command.Flags().IntVarP(&flags.superBlock, "super", "s", 0, "use this superblock copy (not implemented)")
	cmd.Command.Flags().IntVarP(&flags.backupSB, "backup", "b", 0, "use the Nth backup root copy (not implemented)")
	cmd.Command.Flags().IntVar(&flags.clearSpaceCache, "clear-space-cache", 0, "clear the v1 or v2 free space cache (not implemented)")
	cmd.Command.Flags().BoolVarP(&flags.progress, "progress", "p", false, "periodically report scan progress")
	cmd.Command.Flags().BoolVar(&flags.force, "force", false, "run even against a filesystem that appears to be mounted (not implemented)")
	cmd.Command.Flags().BoolVar(&flags.readOnly, "readonly", false, "never attempt repairs; rejected with an error if --repair is also given")
	repairers = append(repairers, cmd)
}

// reportProgress logs Session.TaskPosition at a fixed cadence until
// ctx is done, for --progress; it is display-only, per TaskPosition's
// own single-mutator contract.
func reportProgress(sess *btrfscheck.Session) {
	ctx := sess.Context()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.Logf("progress: %d items scanned", sess.TaskPosition())
		}
	}
}

func errHandle(sess *btrfscheck.Session, treeName string) func(*btrfs.TreeError) {
	return func(err *btrfs.TreeError) {
		sess.Warnf("%s: %v", treeName, err)
	}
}

func runCheck(sess *btrfscheck.Session, repairer *btrfscheck.Repairer, fs *btrfs.FS) error {
	ctx := sess.Context()

	// Step 1: walk the extent tree, building the backref graph and
	// collecting block-group records along the way (both live in
	// EXTENT_TREE_OBJECTID on a classic, non-block-group-tree
	// filesystem).
	graph := btrfscheck.NewExtentGraph()
	var blockGroups []btrfscheck.BlockGroupRecord
	fs.TreeWalk(ctx, btrfs.EXTENT_TREE_OBJECTID, errHandle(sess, "extent tree"), btrfs.TreeWalkHandler{
		Item: func(_ btrfs.TreePath, item btrfs.Item) error {
			key := asPrimKey(item.Key)
			switch body := item.Body.(type) {
			case *btrfsitem.Extent:
				graph.ProcessExtentItem(ctx, key, body)
			case *btrfsitem.Metadata:
				// Skinny metadata items don't carry their own
				// size; ProcessExtentItem falls back to a
				// fixed node size whenever the offset is zero
				// and the tree-block flag is set.
				key.Offset = 0
				fake := &btrfsitem.Extent{Head: body.Head, Refs: body.Refs}
				fake.Head.Flags |= btrfsitem.EXTENT_FLAG_TREE_BLOCK
				graph.ProcessExtentItem(ctx, key, fake)
			case *btrfsitem.BlockGroup:
				blockGroups = append(blockGroups, btrfscheck.BlockGroupRecord{
					LAddr: btrfsvol.LogicalAddr(item.Key.ObjectID),
					Size:  btrfsvol.AddrDelta(item.Key.Offset),
					Flags: body.Flags,
					Used:  body.Used,
				})
			}
			return nil
		},
	})

	// Step 2: record the extent tree's (and, in step 5, each
	// subvolume tree's) TREE_BLOCK_REF/SHARED_BLOCK_REF/
	// EXTENT_DATA_REF/SHARED_DATA_REF keyed items so Classify can
	// tell a backref the extent item already knew about (inline)
	// from one that's only recorded as its own keyed item.
	recordKeyedBackrefs := func(treeID btrfsprim.ObjID) btrfs.TreeWalkHandler {
		return btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				key := asPrimKey(item.Key)
				switch key.ItemType {
				case btrfsprim.TREE_BLOCK_REF_KEY:
					graph.RecordKeyedBackref(btrfsvol.LogicalAddr(key.ObjectID),
						btrfscheck.BackrefKey{Root: btrfsprim.ObjID(key.Offset)}, 1)
				case btrfsprim.SHARED_BLOCK_REF_KEY:
					graph.RecordKeyedBackref(btrfsvol.LogicalAddr(key.ObjectID),
						btrfscheck.BackrefKey{FullBackref: true, Parent: btrfsvol.LogicalAddr(key.Offset)}, 1)
				case btrfsprim.EXTENT_DATA_REF_KEY:
					if ref, ok := item.Body.(*btrfsitem.ExtentDataRef); ok {
						graph.RecordKeyedBackref(btrfsvol.LogicalAddr(key.ObjectID), btrfscheck.BackrefKey{
							IsData: true,
							Root:   btrfsprim.ObjID(ref.Root),
							Owner:  btrfsprim.ObjID(ref.ObjectID),
							Offset: uint64(ref.Offset),
						}, int(ref.Count))
					}
				case btrfsprim.SHARED_DATA_REF_KEY:
					if ref, ok := item.Body.(*btrfsitem.SharedDataRef); ok {
						graph.RecordKeyedBackref(btrfsvol.LogicalAddr(key.ObjectID), btrfscheck.BackrefKey{
							IsData:      true,
							FullBackref: true,
							Parent:      btrfsvol.LogicalAddr(key.Offset),
						}, int(ref.Count))
					}
				}
				return nil
			},
		}
	}
	fs.TreeWalk(ctx, btrfs.EXTENT_TREE_OBJECTID, errHandle(sess, "extent tree"), recordKeyedBackrefs(btrfs.EXTENT_TREE_OBJECTID))

	// Step 3: walk the device tree for DEV_EXTENT records.
	var devExtents []btrfscheck.DevExtentRecord
	fs.TreeWalk(ctx, btrfs.DEV_TREE_OBJECTID, errHandle(sess, "device tree"), btrfs.TreeWalkHandler{
		Item: func(_ btrfs.TreePath, item btrfs.Item) error {
			body, ok := item.Body.(*btrfsitem.DevExtent)
			if !ok {
				return nil
			}
			mapping := body.Mapping(asPrimKey(item.Key))
			devExtents = append(devExtents, btrfscheck.DevExtentRecord{
				Dev:           mapping.PAddr.Dev,
				PAddr:         mapping.PAddr.Addr,
				Size:          mapping.Size,
				LAddr:         mapping.LAddr,
				ChunkTreeUUID: body.ChunkTreeUUID,
			})
			return nil
		},
	})

	for _, bg := range blockGroups {
		sess.AddBytesUsed(int64(bg.Used))
	}

	// Step 4: cross-check chunks/block-groups/dev-extents using the
	// mappings this filesystem's LogicalVolume already loaded from
	// the chunk tree and superblock.
	chunkProblems := btrfscheck.CrossCheckChunksBlockGroupsDevExtents(&fs.LV, blockGroups, devExtents)
	for _, p := range chunkProblems {
		sess.Warnf("chunk: %v", p)
	}

	chunkTypeOf := func(addr btrfsvol.LogicalAddr) (btrfsvol.BlockGroupFlags, bool) {
		for _, m := range fs.LV.Mappings() {
			if addr >= m.LAddr && addr < m.LAddr.Add(m.Size) && m.Flags != nil {
				return *m.Flags, true
			}
		}
		return 0, false
	}

	// Step 4.5: optionally walk the csum tree, building an index of
	// which logical byte ranges have an on-record checksum, so
	// FsChecker can set I_ERR_SOME_CSUM_MISSING for a data extent that
	// doesn't. Skipped unless --check-data-csum was given, since it's
	// an extra full tree walk.
	var csums *btrfscheck.CSumIndex
	if sess.CheckDataCSum {
		csums = btrfscheck.NewCSumIndex()
		fs.TreeWalk(ctx, btrfs.CSUM_TREE_OBJECTID, errHandle(sess, "csum tree"), btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				body, ok := item.Body.(*btrfsitem.ExtentCSum)
				if !ok {
					return nil
				}
				span := btrfsvol.AddrDelta(len(body.Sums)) * btrfsitem.CSumBlockSize
				csums.Add(btrfsvol.LogicalAddr(item.Key.Offset), span)
				sess.AddCSumBytes(int64(span))
				return nil
			},
		})
	}

	// Step 5: walk the root tree to discover subvolumes, and feed
	// each one's items to its own FsChecker.
	var subvolumes []btrfsprim.ObjID
	fs.TreeWalk(ctx, btrfs.ROOT_TREE_OBJECTID, errHandle(sess, "root tree"), btrfs.TreeWalkHandler{
		Item: func(_ btrfs.TreePath, item btrfs.Item) error {
			if item.Key.ItemType != btrfsitem.ROOT_ITEM_KEY {
				return nil
			}
			id := btrfsprim.ObjID(item.Key.ObjectID)
			if isSubvolumeRoot(id) {
				subvolumes = append(subvolumes, id)
			}
			return nil
		},
	})

	var itemsWalked int64
	inodeErrsByTree := make(map[btrfsprim.ObjID]map[btrfsprim.ObjID]btrfscheck.InodeErr)
	refErrsByTree := make(map[btrfsprim.ObjID]map[btrfscheck.DirentryKey]btrfscheck.RefErr)
	for _, subvolID := range subvolumes {
		checker := btrfscheck.NewFsChecker(subvolID)
		checker.CSums = csums
		fs.TreeWalk(ctx, btrfs.ObjID(subvolID), errHandle(sess, fmt.Sprintf("fs tree %v", subvolID)), btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				checker.HandleItem(ctx, asPrimItem(item))
				itemsWalked++
				sess.SetTaskPosition(itemsWalked)
				return nil
			},
		})
		// Also feed this subvolume's keyed backrefs to the extent
		// graph, so Classify's refcount cross-check sees every
		// backref, not just the ones inlined in EXTENT_ITEM bodies.
		fs.TreeWalk(ctx, btrfs.ObjID(subvolID), errHandle(sess, fmt.Sprintf("fs tree %v", subvolID)), recordKeyedBackrefs(subvolID))

		inodeRecs, refErrs := checker.Finalize(ctx)
		if len(inodeRecs) > 0 {
			inodeErrs := make(map[btrfsprim.ObjID]btrfscheck.InodeErr, len(inodeRecs))
			for objID, rec := range inodeRecs {
				inodeErrs[objID] = rec.Errs
			}
			inodeErrsByTree[subvolID] = inodeErrs
		}
		if len(refErrs) > 0 {
			refErrsByTree[subvolID] = refErrs
		}

		if sess.Repair {
			for objID, rec := range inodeRecs {
				if err := repairer.RepairInode(ctx, subvolID, rec); err != nil && !btrfscheck.IsKind(err, btrfscheck.KindAgain) {
					sess.Warnf("repair inode %v in tree %v: %v", objID, subvolID, err)
				} else if err == nil || btrfscheck.IsKind(err, btrfscheck.KindAgain) {
					sess.AddRepaired(1)
				}
			}
		}
	}

	graph.Classify(ctx, chunkTypeOf)

	for _, rec := range graph.All() {
		if rec.Errs&btrfscheck.ExtentErrDuplicateExtent != 0 {
			sess.AddDuplicateExtent()
		}
	}

	// Step 6: walk the quota tree, feeding the qgroup verifier.
	verifier := btrfscheck.NewQGroupVerifier(graph)
	fs.TreeWalk(ctx, btrfs.QUOTA_TREE_OBJECTID, errHandle(sess, "quota tree"), btrfs.TreeWalkHandler{
		Item: func(_ btrfs.TreePath, item btrfs.Item) error {
			body, ok := item.Body.(*btrfsitem.QGroupInfo)
			if !ok || item.Key.ItemType != btrfsitem.QGROUP_INFO_KEY {
				return nil
			}
			verifier.LoadOnDisk(btrfsprim.ObjID(item.Key.Offset), body)
			return nil
		},
	})
	verifier.Account(ctx)

	// Report.
	reportExtents(sess, graph)
	reportInodes(sess, inodeErrsByTree)
	reportRefs(sess, refErrsByTree)
	reportQGroups(sess, verifier)

	sess.Logf("total bytes used: %d, csum bytes: %d, duplicate extents: %d, items repaired: %d",
		textui.Humanized(sess.BytesUsed()), textui.Humanized(sess.CSumBytes()),
		sess.DuplicateExtents(), sess.Repaired())

	return nil
}

func reportExtents(sess *btrfscheck.Session, graph *btrfscheck.ExtentGraph) {
	for _, rec := range graph.All() {
		if rec.Errs != 0 {
			sess.Warnf("extent %v: %v", rec.Start, rec.Errs)
		}
	}
}

func reportInodes(sess *btrfscheck.Session, byTree map[btrfsprim.ObjID]map[btrfsprim.ObjID]btrfscheck.InodeErr) {
	trees := make([]btrfsprim.ObjID, 0, len(byTree))
	for t := range byTree {
		trees = append(trees, t)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i] < trees[j] })
	for _, t := range trees {
		inodes := byTree[t]
		ids := make([]btrfsprim.ObjID, 0, len(inodes))
		for id := range inodes {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			sess.Warnf("tree %v inode %v: %v", t, id, inodes[id])
		}
	}
}

func reportRefs(sess *btrfscheck.Session, byTree map[btrfsprim.ObjID]map[btrfscheck.DirentryKey]btrfscheck.RefErr) {
	for t, refs := range byTree {
		for key, e := range refs {
			sess.Warnf("tree %v ref (%v,%v,%q): %v", t, key.ParentDir, key.Child, key.Name, e)
		}
	}
}

func reportQGroups(sess *btrfscheck.Session, verifier *btrfscheck.QGroupVerifier) {
	for _, rec := range verifier.Mismatches() {
		sess.Warnf("%v", rec)
	}
}
