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

// Package btree implements the COW B-tree engine of spec §4.2: one ordered
// store per btree-id, nodes composed of append-only bsets, a six-state
// node lock, and an LRU node cache. Each tree is a single leaf node: Update
// logs when that node passes the split fill threshold, and nodes are never
// split or merged.
package btree

import (
	"fmt"
	"sort"

	"blichmann.eu/code/bcachefs/internal/bkey"
)

// ID enumerates the distinct ordered stores a filesystem maintains (spec
// §3.1 "B-tree identifier").
type ID uint8

const (
	IDExtents ID = iota
	IDInodes
	IDDirents
	IDXattrs
	IDAlloc
	IDFreespace
	IDNeedDiscard
	IDLRU
	IDReflink
	IDSubvolumes
	IDSnapshots
)

func (id ID) String() string {
	names := [...]string{"extents", "inodes", "dirents", "xattrs", "alloc",
		"freespace", "need_discard", "lru", "reflink", "subvolumes", "snapshots"}
	if int(id) < len(names) {
		return names[id]
	}
	return fmt.Sprintf("btree.ID(%d)", uint8(id))
}

// NodeSize is the default node size (spec §9 btree_node_size default).
const NodeSize = 256 * 1024

// bset is one append-only sorted run of keys within a node, separated by
// journaling events per spec §4.2 "Node format". New writes append to the
// newest bset; compaction merges older ones.
type bset struct {
	seq  uint64
	keys []bkey.Key // kept sorted by Position within the bset
}

func (s *bset) insert(k bkey.Key) {
	i := sort.Search(len(s.keys), func(i int) bool { return !s.keys[i].Pos.Less(k.Pos) })
	if i < len(s.keys) && s.keys[i].Pos == k.Pos {
		s.keys[i] = k
		return
	}
	s.keys = append(s.keys, bkey.Key{})
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = k
}

// NodePointer locates a node on disk: which device/offset, the generation
// it was allocated under, and a checksum of its serialized contents (spec
// §4.2 "Node write").
type NodePointer struct {
	Device     uint32
	Offset     uint64
	Generation uint64
	Checksum   [16]byte
}

// Node is an in-memory decoded B-tree node: interior nodes carry child
// NodePointers keyed by the highest position in the child's range; leaves
// carry the merged view across their bsets.
type Node struct {
	Btree    ID
	Level    uint8 // 0 == leaf
	Self     NodePointer
	bsets    []*bset
	children []childPtr // only populated for interior nodes (Level > 0)

	lock lockState
}

type childPtr struct {
	MaxKey bkey.Position
	Ptr    NodePointer
}

// IsLeaf reports whether n is a leaf node (spec §4.2, generalizing
// btrfscue's Header.IsLeaf).
func (n *Node) IsLeaf() bool { return n.Level == 0 }

// newLeaf allocates an empty leaf node with one active bset.
func newLeaf(id ID) *Node {
	return &Node{Btree: id, Level: 0, bsets: []*bset{{seq: 1}}}
}

func newInterior(id ID, level uint8) *Node {
	return &Node{Btree: id, Level: level, bsets: []*bset{{seq: 1}}}
}

// activeBset returns the newest, currently-appendable bset.
func (n *Node) activeBset() *bset {
	return n.bsets[len(n.bsets)-1]
}

// insert stages k into the active bset. Mutation must hold the node's
// write lock (spec §4.2 Locking).
func (n *Node) insert(k bkey.Key) {
	n.activeBset().insert(k)
}

// mergedKeys returns the node's keys as a single sorted, deduplicated
// slice merging all bsets newest-wins, generalizing btrfscue's Leaf.Items
// decode into the multi-bset-aware read path spec §4.2 describes ("the
// decoder validates the bset sequence number... a node contains one or
// more bsets merged on read").
func (n *Node) mergedKeys() []bkey.Key {
	byPos := make(map[bkey.Position]bkey.Key)
	order := make([]bkey.Position, 0)
	for _, s := range n.bsets {
		for _, k := range s.keys {
			if _, ok := byPos[k.Pos]; !ok {
				order = append(order, k.Pos)
			}
			byPos[k.Pos] = k
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	out := make([]bkey.Key, len(order))
	for i, p := range order {
		out[i] = byPos[p]
	}
	return out
}

// compact merges all bsets of n into a single bset, discarding shadowed
// keys. Called periodically as node writes accumulate (spec §4.2 "with
// periodic compaction").
func (n *Node) compact() {
	merged := n.mergedKeys()
	n.bsets = []*bset{{seq: n.activeBset().seq + 1, keys: merged}}
}

// fillRatio estimates how full the node is relative to NodeSize, used by
// the split/merge thresholds (spec §4.2 "Split / merge").
func (n *Node) fillRatio() float64 {
	size := 0
	for _, k := range n.mergedKeys() {
		size += keyEncodedSize(k)
	}
	return float64(size) / float64(NodeSize)
}

func keyEncodedSize(k bkey.Key) int {
	var pb bkey.PutBuffer
	bkey.PutKey(&pb, k)
	return len(pb.Bytes())
}

const (
	splitThreshold = 0.9
	mergeFloor     = 0.25
)
