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

// Package bkey implements the position/key data model shared by every
// B-tree in the filesystem (spec §3.1), generalized from the teacher's
// Header/Key/Item triple in btrfs.go into a closed tagged-variant key type
// usable across all btree-ids.
package bkey

import "fmt"

// Position is the triple (inode, offset, snapshot) with lexicographic
// ordering that every key's sort position derives from (spec §3.1).
type Position struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

// PosMin and PosMax bound the ordering.
var (
	PosMin = Position{0, 0, 0}
	PosMax = Position{^uint64(0), ^uint64(0), ^uint32(0)}
)

// Compare orders positions lexicographically by (Inode, Offset, Snapshot).
// Returns -1, 0, or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Inode != o.Inode:
		return cmpUint64(p.Inode, o.Inode)
	case p.Offset != o.Offset:
		return cmpUint64(p.Offset, o.Offset)
	case p.Snapshot != o.Snapshot:
		return cmpUint32(p.Snapshot, o.Snapshot)
	default:
		return 0
	}
}

func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d,snap=%d)", p.Inode, p.Offset, p.Snapshot)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
