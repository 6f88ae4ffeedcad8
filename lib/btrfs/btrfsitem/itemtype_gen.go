// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"reflect"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

const (
	UNTYPED_KEY = btrfsprim.UNTYPED_KEY

	INODE_ITEM_KEY    = btrfsprim.INODE_ITEM_KEY
	INODE_REF_KEY     = btrfsprim.INODE_REF_KEY
	INODE_EXTREF_KEY  = btrfsprim.INODE_EXTREF_KEY
	XATTR_ITEM_KEY    = btrfsprim.XATTR_ITEM_KEY
	ORPHAN_ITEM_KEY   = btrfsprim.ORPHAN_ITEM_KEY
	DIR_LOG_ITEM_KEY  = btrfsprim.DIR_LOG_ITEM_KEY
	DIR_LOG_INDEX_KEY = btrfsprim.DIR_LOG_INDEX_KEY
	DIR_ITEM_KEY      = btrfsprim.DIR_ITEM_KEY
	DIR_INDEX_KEY     = btrfsprim.DIR_INDEX_KEY
	EXTENT_DATA_KEY   = btrfsprim.EXTENT_DATA_KEY

	EXTENT_CSUM_KEY  = btrfsprim.EXTENT_CSUM_KEY
	ROOT_ITEM_KEY    = btrfsprim.ROOT_ITEM_KEY
	ROOT_BACKREF_KEY = btrfsprim.ROOT_BACKREF_KEY
	ROOT_REF_KEY     = btrfsprim.ROOT_REF_KEY

	EXTENT_ITEM_KEY      = btrfsprim.EXTENT_ITEM_KEY
	METADATA_ITEM_KEY    = btrfsprim.METADATA_ITEM_KEY
	TREE_BLOCK_REF_KEY   = btrfsprim.TREE_BLOCK_REF_KEY
	EXTENT_DATA_REF_KEY  = btrfsprim.EXTENT_DATA_REF_KEY
	EXTENT_REF_V0_KEY    = btrfsprim.EXTENT_REF_V0_KEY
	SHARED_BLOCK_REF_KEY = btrfsprim.SHARED_BLOCK_REF_KEY
	SHARED_DATA_REF_KEY  = btrfsprim.SHARED_DATA_REF_KEY

	BLOCK_GROUP_ITEM_KEY  = btrfsprim.BLOCK_GROUP_ITEM_KEY
	FREE_SPACE_INFO_KEY   = btrfsprim.FREE_SPACE_INFO_KEY
	FREE_SPACE_EXTENT_KEY = btrfsprim.FREE_SPACE_EXTENT_KEY
	FREE_SPACE_BITMAP_KEY = btrfsprim.FREE_SPACE_BITMAP_KEY
	DEV_EXTENT_KEY        = btrfsprim.DEV_EXTENT_KEY
	DEV_ITEM_KEY          = btrfsprim.DEV_ITEM_KEY
	CHUNK_ITEM_KEY        = btrfsprim.CHUNK_ITEM_KEY

	QGROUP_STATUS_KEY   = btrfsprim.QGROUP_STATUS_KEY
	QGROUP_INFO_KEY     = btrfsprim.QGROUP_INFO_KEY
	QGROUP_LIMIT_KEY    = btrfsprim.QGROUP_LIMIT_KEY
	QGROUP_RELATION_KEY = btrfsprim.QGROUP_RELATION_KEY

	TEMPORARY_ITEM_KEY  = btrfsprim.TEMPORARY_ITEM_KEY
	PERSISTENT_ITEM_KEY = btrfsprim.PERSISTENT_ITEM_KEY

	UUID_SUBVOL_KEY          = btrfsprim.UUID_SUBVOL_KEY
	UUID_RECEIVED_SUBVOL_KEY = btrfsprim.UUID_RECEIVED_SUBVOL_KEY

	STRING_ITEM_KEY = btrfsprim.STRING_ITEM_KEY
)

// keytype2gotype and untypedObjID2gotype drive UnmarshalItem's
// dispatch from on-disk (ObjectID,ItemType) to the Go type that
// knows how to decode that item's body.
var keytype2gotype = map[Type]reflect.Type{
	INODE_ITEM_KEY:   reflect.TypeOf(Inode{}),
	INODE_REF_KEY:    reflect.TypeOf(InodeRefs{}),
	INODE_EXTREF_KEY: reflect.TypeOf(InodeExtRefs{}),
	XATTR_ITEM_KEY:   reflect.TypeOf(DirEntry{}),
	ORPHAN_ITEM_KEY:  reflect.TypeOf(Empty{}),
	DIR_ITEM_KEY:     reflect.TypeOf(DirEntry{}),
	DIR_INDEX_KEY:    reflect.TypeOf(DirEntry{}),
	EXTENT_DATA_KEY:  reflect.TypeOf(FileExtent{}),

	EXTENT_CSUM_KEY:  reflect.TypeOf(ExtentCSum{}),
	ROOT_ITEM_KEY:    reflect.TypeOf(Root{}),
	ROOT_BACKREF_KEY: reflect.TypeOf(RootRef{}),
	ROOT_REF_KEY:     reflect.TypeOf(RootRef{}),

	EXTENT_ITEM_KEY:      reflect.TypeOf(Extent{}),
	METADATA_ITEM_KEY:    reflect.TypeOf(Metadata{}),
	TREE_BLOCK_REF_KEY:   reflect.TypeOf(Empty{}),
	EXTENT_DATA_REF_KEY:  reflect.TypeOf(ExtentDataRef{}),
	SHARED_BLOCK_REF_KEY: reflect.TypeOf(Empty{}),
	SHARED_DATA_REF_KEY:  reflect.TypeOf(SharedDataRef{}),

	BLOCK_GROUP_ITEM_KEY:  reflect.TypeOf(BlockGroup{}),
	FREE_SPACE_INFO_KEY:   reflect.TypeOf(FreeSpaceInfo{}),
	FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	DEV_EXTENT_KEY:        reflect.TypeOf(DevExtent{}),
	DEV_ITEM_KEY:          reflect.TypeOf(Dev{}),
	CHUNK_ITEM_KEY:        reflect.TypeOf(Chunk{}),

	QGROUP_STATUS_KEY:   reflect.TypeOf(QGroupStatus{}),
	QGROUP_INFO_KEY:     reflect.TypeOf(QGroupInfo{}),
	QGROUP_LIMIT_KEY:    reflect.TypeOf(QGroupLimit{}),
	QGROUP_RELATION_KEY: reflect.TypeOf(Empty{}),

	PERSISTENT_ITEM_KEY: reflect.TypeOf(DevStats{}),

	UUID_SUBVOL_KEY:          reflect.TypeOf(UUIDMap{}),
	UUID_RECEIVED_SUBVOL_KEY: reflect.TypeOf(UUIDMap{}),
}

var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}
