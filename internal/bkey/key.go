/*
 * Copyright (c)2011-2016 Christian Blichmann
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *     * Redistributions of source code must retain the above copyright
 *       notice, this list of conditions and the following disclaimer.
 *     * Redistributions in binary form must reproduce the above copyright
 *       notice, this list of conditions and the following disclaimer in the
 *       documentation and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

package bkey

import "fmt"

// Type tags a key's value payload. Generalized from btrfscue's key-type
// constants (InodeItemKey, ExtentDataKey, ...), collapsed to the set this
// spec names in §3.1.
type Type uint8

const (
	TypeInode Type = iota + 1
	TypeDirent
	TypeExtent
	TypeAllocBucket
	TypeFreespace
	TypeNeedDiscard
	TypeLRU
	TypeReplicas
	TypeSnapshot
	TypeSubvolume
	TypeXattr
)

func (t Type) String() string {
	switch t {
	case TypeInode:
		return "inode"
	case TypeDirent:
		return "dirent"
	case TypeExtent:
		return "extent"
	case TypeAllocBucket:
		return "alloc"
	case TypeFreespace:
		return "freespace"
	case TypeNeedDiscard:
		return "need_discard"
	case TypeLRU:
		return "lru"
	case TypeReplicas:
		return "replicas"
	case TypeSnapshot:
		return "snapshot"
	case TypeSubvolume:
		return "subvolume"
	case TypeXattr:
		return "xattr"
	default:
		return fmt.Sprintf("bkey.Type(%d)", uint8(t))
	}
}

// Value is implemented by every per-type key payload. Mirrors btrfscue's
// itemData interface (a Parse(*ParseBuffer) method), extended with Put for
// round-trip writes and Clone for COW staging in the transaction layer.
type Value interface {
	Parse(b *ParseBuffer)
	Put(b *PutBuffer)
	Clone() Value
}

// Key is a position + size + type tag + value payload, the unit every
// B-tree stores and orders by Position (spec §3.1).
type Key struct {
	Pos  Position
	Size uint32
	Type Type
	Val  Value
}

// Compare orders keys by Position. Ties within one type are broken by the
// caller (e.g. the extent tree's adjacent-key merge rule, invariant 1).
func (k Key) Compare(o Key) int { return k.Pos.Compare(o.Pos) }

// Clone deep-copies a key so transaction staging never aliases a live
// node's in-memory value.
func (k Key) Clone() Key {
	c := k
	if k.Val != nil {
		c.Val = k.Val.Clone()
	}
	return c
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Type, k.Pos)
}

// newValue constructs a zero Value for the given type, the tagged-variant
// dispatch generalized from btrfscue's Item.ParseData switch.
func newValue(t Type) Value {
	switch t {
	case TypeInode:
		return &InodeValue{}
	case TypeDirent:
		return &DirentValue{}
	case TypeExtent:
		return &ExtentValue{}
	case TypeAllocBucket:
		return &AllocValue{}
	case TypeFreespace:
		return &FreespaceValue{}
	case TypeNeedDiscard:
		return &NeedDiscardValue{}
	case TypeLRU:
		return &LRUValue{}
	case TypeReplicas:
		return &ReplicasValue{}
	case TypeSnapshot:
		return &SnapshotValue{}
	case TypeSubvolume:
		return &SubvolumeValue{}
	case TypeXattr:
		return &XattrValue{}
	default:
		return nil
	}
}

// ParseKey decodes a packed key header followed by its type-tagged value,
// generalizing btrfscue's Key.Parse + Item.ParseData two-step.
func ParseKey(b *ParseBuffer) (Key, error) {
	var k Key
	k.Pos.Inode = b.NextUint64()
	k.Pos.Offset = b.NextUint64()
	k.Pos.Snapshot = b.NextUint32()
	k.Size = b.NextUint32()
	k.Type = Type(b.NextUint8())
	k.Val = newValue(k.Type)
	if k.Val == nil {
		return k, fmt.Errorf("bkey: unknown key type %d", uint8(k.Type))
	}
	k.Val.Parse(b)
	return k, nil
}

// PutKey encodes k in the same layout ParseKey reads.
func PutKey(b *PutBuffer, k Key) {
	b.PutUint64(k.Pos.Inode)
	b.PutUint64(k.Pos.Offset)
	b.PutUint32(k.Pos.Snapshot)
	b.PutUint32(k.Size)
	b.PutUint8(uint8(k.Type))
	if k.Val != nil {
		k.Val.Put(b)
	}
}
