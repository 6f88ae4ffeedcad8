// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

// isItem marks each decodable item-body type as satisfying the Item
// interface. Split out from the individual item_*.go files because
// it's pure boilerplate.

func (BlockGroup) isItem()      {}
func (Chunk) isItem()           {}
func (Dev) isItem()             {}
func (DevExtent) isItem()       {}
func (DevStats) isItem()        {}
func (DirEntry) isItem()        {}
func (Empty) isItem()           {}
func (Extent) isItem()          {}
func (ExtentCSum) isItem()      {}
func (ExtentDataRef) isItem()   {}
func (FileExtent) isItem()      {}
func (FreeSpaceBitmap) isItem() {}
func (FreeSpaceHeader) isItem() {}
func (FreeSpaceInfo) isItem()   {}
func (Inode) isItem()           {}
func (Metadata) isItem()        {}
func (QGroupInfo) isItem()      {}
func (QGroupLimit) isItem()     {}
func (QGroupStatus) isItem()    {}
func (Root) isItem()            {}
func (RootRef) isItem()         {}
func (SharedDataRef) isItem()   {}
func (UUIDMap) isItem()         {}
