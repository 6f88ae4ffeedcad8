// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// key.objectid = inode number of the file
// key.offset = NameHash(name) ^ parent inode number (collisions pack
// multiple refs back-to-back, same as InodeRef/InodeRefs)
type InodeExtRef struct {
	Parent        btrfsprim.ObjID `bin:"off=0x0, siz=0x8"`
	Index         int64           `bin:"off=0x8, siz=0x8"`
	NameLen       uint16          `bin:"off=0x10, siz=0x2"` // [ignored-when-writing]
	binstruct.End `bin:"off=0x12"`
	Name          []byte `bin:"-"`
}

func (o *InodeExtRef) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	dat = dat[n:]
	o.Name = dat[:o.NameLen]
	n += int(o.NameLen)
	return n, nil
}

func (o InodeExtRef) MarshalBinary() ([]byte, error) {
	o.NameLen = uint16(len(o.Name))
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	dat = append(dat, o.Name...)
	return dat, nil
}

type InodeExtRefs struct { // INODE_EXTREF=13
	Refs []InodeExtRef
}

func (InodeExtRefs) isItem() {}

func (o *InodeExtRefs) UnmarshalBinary(dat []byte) (int, error) {
	o.Refs = nil
	n := 0
	for n < len(dat) {
		var ref InodeExtRef
		_n, err := binstruct.Unmarshal(dat[n:], &ref)
		n += _n
		if err != nil {
			return n, err
		}
		o.Refs = append(o.Refs, ref)
	}
	return n, nil
}

func (o InodeExtRefs) MarshalBinary() ([]byte, error) {
	var dat []byte
	for _, ref := range o.Refs {
		bs, err := binstruct.Marshal(ref)
		dat = append(dat, bs...)
		if err != nil {
			return dat, err
		}
	}
	return dat, nil
}
