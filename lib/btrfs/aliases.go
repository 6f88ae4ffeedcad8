// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/internal"
	"git.lukeshu.com/btrfs-progs-ng/lib/util"
)

type (
	// (u)int64 types

	Generation = internal.Generation
	ObjID      = internal.ObjID

	// complex types

	Key  = internal.Key
	Time = internal.Time
	UUID = util.UUID
)

// Well-known tree object IDs, re-exported from internal so that
// callers of this package (e.g. TreeWalk, LookupTreeRoot) don't need
// to import internal themselves.
const (
	ROOT_TREE_OBJECTID        = internal.ROOT_TREE_OBJECTID
	EXTENT_TREE_OBJECTID      = internal.EXTENT_TREE_OBJECTID
	CHUNK_TREE_OBJECTID       = internal.CHUNK_TREE_OBJECTID
	DEV_TREE_OBJECTID         = internal.DEV_TREE_OBJECTID
	FS_TREE_OBJECTID          = internal.FS_TREE_OBJECTID
	CSUM_TREE_OBJECTID        = internal.CSUM_TREE_OBJECTID
	QUOTA_TREE_OBJECTID       = internal.QUOTA_TREE_OBJECTID
	UUID_TREE_OBJECTID        = internal.UUID_TREE_OBJECTID
	FREE_SPACE_TREE_OBJECTID  = internal.FREE_SPACE_TREE_OBJECTID
	BLOCK_GROUP_TREE_OBJECTID = internal.BLOCK_GROUP_TREE_OBJECTID
	TREE_LOG_OBJECTID         = internal.TREE_LOG_OBJECTID
	TREE_RELOC_OBJECTID       = internal.TREE_RELOC_OBJECTID
	DATA_RELOC_TREE_OBJECTID  = internal.DATA_RELOC_TREE_OBJECTID
	FIRST_CHUNK_TREE_OBJECTID = internal.FIRST_CHUNK_TREE_OBJECTID
)
