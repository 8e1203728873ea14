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
	"fmt"

	"blichmann.eu/code/bcachefs/internal/bkey"
)

// Flags control iterator behavior (spec §4.2 iter_init).
type Flags uint8

const (
	FlagCached Flags = 1 << iota
	FlagIntent
)

// level records the node pointer and per-level cursor at one depth of a
// Path, supporting both leaf-level key iteration and whole-node iteration
// (spec §4.2 "Path").
type level struct {
	node   *Node
	held   lockLevel
	cursor int // index into node.mergedKeys() for leaf levels
}

// Path records the node pointer at each level walked from the root to a
// target position, plus held locks, so an update or delete can be staged
// without re-walking the tree (spec §4.2 "Path").
type Path struct {
	btree   *BTree
	id      ID
	pos     bkey.Position
	cached  bool
	levels  []level // index 0 == leaf
	restart bool
}

// order is the global lock-acquisition ordering token used to detect and
// avoid deadlock (spec §4.2 "a global ordering (btree_id, cached?,
// position, -level)"). Paths acquire locks strictly by increasing order;
// the transaction layer restarts any path that would violate it.
type order struct {
	btreeID ID
	cached  bool
	pos     bkey.Position
	level   int // stored as-is; less() applies the "-level" ordering
}

func (o order) less(other order) bool {
	if o.btreeID != other.btreeID {
		return o.btreeID < other.btreeID
	}
	if o.cached != other.cached {
		return !o.cached && other.cached
	}
	if c := o.pos.Compare(other.pos); c != 0 {
		return c < 0
	}
	return o.level > other.level // "-level": deeper (larger) levels sort first
}

func (p *Path) orderToken(lvl int) order {
	return order{btreeID: p.id, cached: p.cached, pos: p.pos, level: lvl}
}

// Peek returns the key at or after the path's current position without
// advancing it, or (Key{}, false) if none remains (spec §4.2 iter_peek).
func (p *Path) Peek() (bkey.Key, bool) {
	if len(p.levels) == 0 {
		return bkey.Key{}, false
	}
	leaf := p.levels[0]
	keys := leaf.node.mergedKeys()
	for i := leaf.cursor; i < len(keys); i++ {
		if !keys[i].Pos.Less(p.pos) {
			return keys[i], true
		}
	}
	return bkey.Key{}, false
}

// Next returns the key at or after the path's current position (the one
// Peek would return) and advances the cursor past it.
func (p *Path) Next() (bkey.Key, bool) {
	k, ok := p.Peek()
	if !ok {
		return k, false
	}
	p.pos = k.Pos
	p.pos.Offset++ // advance strictly past the returned position
	return k, true
}

// Prev returns the key immediately before the path's current position
// (spec §4.2 iter_prev).
func (p *Path) Prev() (bkey.Key, bool) {
	if len(p.levels) == 0 {
		return bkey.Key{}, false
	}
	leaf := p.levels[0]
	keys := leaf.node.mergedKeys()
	var best *bkey.Key
	for i := range keys {
		if keys[i].Pos.Less(p.pos) {
			k := keys[i]
			best = &k
		}
	}
	if best == nil {
		return bkey.Key{}, false
	}
	return *best, true
}

// NextNode returns the whole leaf node at the path's current level (spec
// §4.2 iter_next_node, "for bulk operations" such as fsck/migrate scans).
// It does not advance the path: every call returns the same leaf.
func (p *Path) NextNode() (*Node, bool) {
	if len(p.levels) == 0 {
		return nil, false
	}
	return p.levels[0].node, true
}

// lockLeaf acquires the requested lock on the path's leaf node, honoring
// the global ordering: a request that would violate ordering relative to
// locks already held by this path aborts with a restart signal instead of
// deadlocking (spec §4.2 Locking, §4.3 "Restart reasons": lock ordering
// conflict).
func (p *Path) lockLeaf(want lockLevel) error {
	if len(p.levels) == 0 {
		return fmt.Errorf("btree: empty path")
	}
	lvl := &p.levels[0]
	if lvl.held >= want {
		return nil
	}
	if !lvl.node.lock.tryAcquire(want) {
		p.restart = true
		return ErrRestart
	}
	lvl.held = want
	return nil
}

// Lock acquires the write lock this path's leaf needs, exported for the
// transaction layer's staging step (spec §4.3 step 2 "Acquire paths, which
// take node locks as needed").
func (p *Path) Lock() error {
	return p.lockLeaf(lockWrite)
}

// Unlock releases every lock this path holds, in reverse acquisition order.
// Callers (internal/transaction) call it once a transaction attempt
// commits or aborts.
func (p *Path) Unlock() {
	for i := range p.levels {
		lvl := &p.levels[i]
		if lvl.held != lockNone {
			lvl.node.lock.release(lvl.held)
			lvl.held = lockNone
		}
	}
}

// ErrRestart signals a lock-ordering conflict that the transaction layer
// must translate into a transaction restart (spec §4.3 "Restart reasons:
// lock ordering conflict").
var ErrRestart = fmt.Errorf("btree: lock ordering conflict, restart required")
