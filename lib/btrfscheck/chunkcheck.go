// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"fmt"
	"sort"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
)

// ChunkErr is a bitmask of ways the chunk tree, block-group tree, and
// device-extent tree can disagree about the same span of logical or
// physical space.
type ChunkErr uint32

const (
	// ChunkErrNoBlockGroup means a CHUNK_ITEM has no matching
	// BLOCK_GROUP_ITEM at the same logical address.
	ChunkErrNoBlockGroup ChunkErr = 1 << iota
	// ChunkErrNoChunk means a BLOCK_GROUP_ITEM has no matching
	// CHUNK_ITEM.
	ChunkErrNoChunk
	// ChunkErrFlagMismatch means the chunk and block group agree
	// that something is there, but disagree on its BlockGroupFlags.
	ChunkErrFlagMismatch
	// ChunkErrSizeMismatch means the chunk and block group disagree
	// on the size of the span.
	ChunkErrSizeMismatch
	// ChunkErrNoDevExtent means a chunk stripe has no matching
	// DEV_EXTENT on the referenced device.
	ChunkErrNoDevExtent
	// ChunkErrOrphanDevExtent means a DEV_EXTENT doesn't correspond
	// to any stripe of any chunk.
	ChunkErrOrphanDevExtent
)

func (e ChunkErr) String() string {
	names := []string{"NO_BLOCK_GROUP", "NO_CHUNK", "FLAG_MISMATCH", "SIZE_MISMATCH", "NO_DEV_EXTENT", "ORPHAN_DEV_EXTENT"}
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

// ChunkProblem names one inconsistency found by
// CrossCheckChunksBlockGroupsDevExtents, anchored at the logical or
// physical address where it was observed.
type ChunkProblem struct {
	Err    ChunkErr
	LAddr  btrfsvol.LogicalAddr
	Dev    btrfsvol.DeviceID
	PAddr  btrfsvol.PhysicalAddr
	Detail string
}

func (p ChunkProblem) String() string {
	return fmt.Sprintf("%v at laddr=%v dev=%v paddr=%v: %s", p.Err, p.LAddr, p.Dev, p.PAddr, p.Detail)
}

// BlockGroupRecord is a BLOCK_GROUP_ITEM reduced to what the
// cross-check needs.
type BlockGroupRecord struct {
	LAddr btrfsvol.LogicalAddr
	Size  btrfsvol.AddrDelta
	Flags btrfsvol.BlockGroupFlags
	Used  int64
}

// DevExtentRecord is a DEV_EXTENT reduced to what the cross-check
// needs.
type DevExtentRecord struct {
	Dev    btrfsvol.DeviceID
	PAddr  btrfsvol.PhysicalAddr
	Size   btrfsvol.AddrDelta
	LAddr  btrfsvol.LogicalAddr // the ChunkOffset it claims to belong to
	ChunkTreeUUID btrfsprim.UUID
}

// CrossCheckChunksBlockGroupsDevExtents reconciles the three
// independent records of the same physical/logical space — chunks,
// block groups, and device extents — the way btrfs's own low-memory
// mode does before trusting any of them, per the "DoubleCheckBlockGroups"
// idea: each of the three trees can be individually self-consistent
// and still disagree with the other two.
func CrossCheckChunksBlockGroupsDevExtents[PhysicalVolume diskio.File[btrfsvol.PhysicalAddr]](
	chunks *btrfsvol.LogicalVolume[PhysicalVolume],
	blockGroups []BlockGroupRecord,
	devExtents []DevExtentRecord,
) []ChunkProblem {
	var problems []ChunkProblem

	bgByAddr := make(map[btrfsvol.LogicalAddr]BlockGroupRecord, len(blockGroups))
	for _, bg := range blockGroups {
		bgByAddr[bg.LAddr] = bg
	}

	chunkMappings := chunks.Mappings()
	chunkByAddr := make(map[btrfsvol.LogicalAddr][]btrfsvol.Mapping)
	for _, m := range chunkMappings {
		chunkByAddr[m.LAddr] = append(chunkByAddr[m.LAddr], m)
	}

	for laddr, stripes := range chunkByAddr {
		bg, ok := bgByAddr[laddr]
		size := stripes[0].Size
		switch {
		case !ok:
			problems = append(problems, ChunkProblem{
				Err: ChunkErrNoBlockGroup, LAddr: laddr,
				Detail: "chunk has no block group",
			})
		case bg.Size != size:
			problems = append(problems, ChunkProblem{
				Err: ChunkErrSizeMismatch, LAddr: laddr,
				Detail: fmt.Sprintf("chunk size=%v block-group size=%v", size, bg.Size),
			})
		case stripes[0].Flags != nil && *stripes[0].Flags != bg.Flags:
			problems = append(problems, ChunkProblem{
				Err: ChunkErrFlagMismatch, LAddr: laddr,
				Detail: fmt.Sprintf("chunk flags=%v block-group flags=%v", *stripes[0].Flags, bg.Flags),
			})
		}
	}
	for laddr := range bgByAddr {
		if _, ok := chunkByAddr[laddr]; !ok {
			problems = append(problems, ChunkProblem{
				Err: ChunkErrNoChunk, LAddr: laddr,
				Detail: "block group has no chunk",
			})
		}
	}

	devExtentByStripe := make(map[btrfsvol.QualifiedPhysicalAddr]DevExtentRecord, len(devExtents))
	for _, ext := range devExtents {
		devExtentByStripe[btrfsvol.QualifiedPhysicalAddr{Dev: ext.Dev, Addr: ext.PAddr}] = ext
	}
	for _, m := range chunkMappings {
		if _, ok := devExtentByStripe[m.PAddr]; !ok {
			problems = append(problems, ChunkProblem{
				Err: ChunkErrNoDevExtent, LAddr: m.LAddr, Dev: m.PAddr.Dev, PAddr: m.PAddr.Addr,
				Detail: "chunk stripe has no matching dev extent",
			})
		}
	}
	chunkStripeSet := make(map[btrfsvol.QualifiedPhysicalAddr]struct{}, len(chunkMappings))
	for _, m := range chunkMappings {
		chunkStripeSet[m.PAddr] = struct{}{}
	}
	for _, ext := range devExtents {
		key := btrfsvol.QualifiedPhysicalAddr{Dev: ext.Dev, Addr: ext.PAddr}
		if _, ok := chunkStripeSet[key]; !ok {
			problems = append(problems, ChunkProblem{
				Err: ChunkErrOrphanDevExtent, LAddr: ext.LAddr, Dev: ext.Dev, PAddr: ext.PAddr,
				Detail: "dev extent does not correspond to any chunk stripe",
			})
		}
	}

	sort.Slice(problems, func(i, j int) bool {
		if problems[i].LAddr != problems[j].LAddr {
			return problems[i].LAddr < problems[j].LAddr
		}
		return problems[i].PAddr < problems[j].PAddr
	})
	return problems
}
