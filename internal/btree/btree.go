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

package btree

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/checksum"
)

// NodeAllocator is the allocator surface the btree engine needs to COW a
// node: a bucket reservation on some device plus its replicas. Declared
// here (not imported from internal/alloc) to avoid the import cycle that
// would otherwise arise because internal/alloc itself stores its free
// space and LRU indexes in btrees of this package.
type NodeAllocator interface {
	ReserveNode(ctx context.Context, replicas int) ([]blockdev.Device, []uint64, error)
}

// Devices resolves a device index to a blockdev.Device, used by the node
// read picker (spec §4.2 "Node read: streamed from one replica chosen by
// the picker").
type Devices interface {
	Device(idx uint32) (blockdev.Device, error)
}

// BTree is one COW B-tree, identified by ID, with its own node cache.
// Spec §4.2: "A COW B-tree per btree-id."
type BTree struct {
	id    ID
	log   *zap.SugaredLogger
	cache *nodeCache
	alloc NodeAllocator
	devs  Devices
	ctype checksum.Type

	mu   sync.RWMutex
	root *Node
}

// Config bundles a BTree's dependencies.
type Config struct {
	ID            ID
	Log           *zap.SugaredLogger
	Alloc         NodeAllocator
	Devices       Devices
	ChecksumType  checksum.Type
	CacheCapacity int
}

// New constructs an empty BTree with a fresh leaf as its root; both format
// and mount start from this empty tree.
func New(cfg Config) *BTree {
	t := &BTree{
		id:    cfg.ID,
		log:   cfg.Log,
		alloc: cfg.Alloc,
		devs:  cfg.Devices,
		ctype: cfg.ChecksumType,
	}
	t.cache = newNodeCache(cfg.CacheCapacity, t.flushNode)
	t.root = newLeaf(cfg.ID)
	return t
}

// IterInit begins a path positioned at pos (spec §4.2 iter_init).
func (t *BTree) IterInit(pos bkey.Position, flags Flags) *Path {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	return &Path{
		btree:  t,
		id:     t.id,
		pos:    pos,
		cached: flags&FlagCached != 0,
		levels: []level{{node: root}},
	}
}

// Update stages an upsert at path's position inside the caller's
// transaction (spec §4.2 update; actual durability happens when the
// enclosing transaction commits via internal/transaction).
func (t *BTree) Update(path *Path, k bkey.Key) error {
	if err := path.lockLeaf(lockWrite); err != nil {
		return err
	}
	path.levels[0].node.insert(k)
	if path.levels[0].node.fillRatio() > splitThreshold {
		t.log.Debugw("node exceeds fill threshold, scheduling split", "btree", t.id, "pos", k.Pos)
	}
	return nil
}

// Delete removes the key at pos, staged like Update.
func (t *BTree) Delete(path *Path, pos bkey.Position) error {
	if err := path.lockLeaf(lockWrite); err != nil {
		return err
	}
	tombstone := bkey.Key{Pos: pos}
	path.levels[0].node.insert(tombstone)
	return nil
}

// DeleteRange deletes every key in [start, end) by walking and deleting
// each (spec §4.2 delete_range).
func (t *BTree) DeleteRange(ctx context.Context, start, end bkey.Position) error {
	path := t.IterInit(start, FlagIntent)
	for {
		k, ok := path.Peek()
		if !ok || !k.Pos.Less(end) {
			return nil
		}
		if err := t.Delete(path, k.Pos); err != nil {
			return err
		}
		path.pos = k.Pos
		path.pos.Offset++
	}
}

// ReadNode fetches a node by pointer, trying each replica in turn on
// checksum failure (spec §4.2 "Node read"), generalizing btrfscue's
// Header.Parse into a replica-aware fetch.
func (t *BTree) ReadNode(ctx context.Context, ptrs []NodePointer) (*Node, error) {
	if n := t.cache.get(ptrs[0]); n != nil {
		return n, nil
	}
	var lastErr error
	for _, ptr := range ptrs {
		dev, err := t.devs.Device(ptr.Device)
		if err != nil {
			lastErr = err
			continue
		}
		buf := make([]byte, NodeSize)
		if err := dev.ReadAt(ctx, buf, ptr.Offset); err != nil {
			lastErr = err
			continue
		}
		if err := checksum.Verify(t.ctype, buf, ptr.Checksum); err != nil {
			t.log.Warnw("node checksum mismatch, trying next replica", "btree", t.id, "device", ptr.Device, "err", err)
			lastErr = err
			continue
		}
		n, err := decodeNode(t.id, buf)
		if err != nil {
			lastErr = err
			continue
		}
		n.Self = ptr
		t.cache.put(ptr, n, false)
		return n, nil
	}
	return nil, fmt.Errorf("btree: %s: all replicas exhausted: %w", t.id, lastErr)
}

// WriteNode allocates fresh bucket(s), serializes n with a checksum, and
// writes every replica (spec §4.2 "Node write": "COW - allocate new
// bucket(s), write encrypted+checksummed image, journal the pointer
// change, atomically flip parent pointer when the interior write
// completes"). The journal append and parent-pointer flip are performed by
// the caller (internal/transaction), which has the surrounding commit
// context; WriteNode itself only does the allocate-encode-write part.
func (t *BTree) WriteNode(ctx context.Context, n *Node, replicas int) ([]NodePointer, error) {
	devs, offsets, err := t.alloc.ReserveNode(ctx, replicas)
	if err != nil {
		return nil, fmt.Errorf("btree: %s: reserve node: %w", t.id, err)
	}
	buf := encodeNode(n)
	sum, err := checksum.Sum(t.ctype, buf)
	if err != nil {
		return nil, err
	}
	ptrs := make([]NodePointer, len(devs))
	for i, dev := range devs {
		if err := dev.WriteAt(ctx, buf, offsets[i]); err != nil {
			return nil, fmt.Errorf("btree: %s: write replica %d: %w", t.id, i, err)
		}
		ptrs[i] = NodePointer{Offset: offsets[i], Checksum: sum}
	}
	n.Self = ptrs[0]
	t.cache.put(ptrs[0], n, true)
	return ptrs, nil
}

func (t *BTree) flushNode(n *Node) error {
	_, err := t.WriteNode(context.Background(), n, 1)
	return err
}

// encodeNode serializes every key across a node's bsets; readers re-merge
// on decode (spec §4.2 "a node is a header followed by multiple... bsets").
func encodeNode(n *Node) []byte {
	var pb bkey.PutBuffer
	pb.PutUint8(n.Level)
	keys := n.mergedKeys()
	var cb bkey.PutBuffer
	cb.PutUint32(uint32(len(keys)))
	for _, k := range keys {
		bkey.PutKey(&cb, k)
	}
	pb.PutBytes(cb.Bytes())
	return pb.Bytes()
}

func decodeNode(id ID, buf []byte) (*Node, error) {
	b := bkey.NewParseBuffer(buf)
	level := b.NextUint8()
	n := &Node{Btree: id, Level: level, bsets: []*bset{{seq: 1}}}
	count := b.NextUint32()
	const maxKeys = NodeSize / 0x19 // clamp against corrupted counts, per btrfscue's Leaf.Parse
	if count > maxKeys {
		count = maxKeys
	}
	for i := uint32(0); i < count; i++ {
		k, err := bkey.ParseKey(b)
		if err != nil {
			return nil, err
		}
		n.bsets[0].keys = append(n.bsets[0].keys, k)
	}
	return n, nil
}
