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
	"container/list"
	"sync"
)

// nodeCache is an LRU of in-memory node buffers with reference counts, and
// a cannibalize lock serialising reclaim when memory is tight (spec §4.2
// "Cache"), grounded on rickcollette-kayveedb's Cache type (a
// container/list order list plus a map, with a flush callback invoked on
// eviction of a dirty entry).
type nodeCache struct {
	mu          sync.Mutex
	order       *list.List
	entries     map[NodePointer]*list.Element
	maxEntries  int
	cannibalize sync.Mutex // serializes reclaim under memory pressure

	// flush is called when a dirty node is evicted, so its contents are
	// not lost; mirrors kayveedb's Cache.flushFn.
	flush func(*Node) error
}

type cacheEntry struct {
	ptr   NodePointer
	node  *Node
	refs  int
	dirty bool
}

func newNodeCache(maxEntries int, flush func(*Node) error) *nodeCache {
	return &nodeCache{
		order:      list.New(),
		entries:    make(map[NodePointer]*list.Element),
		maxEntries: maxEntries,
		flush:      flush,
	}
}

// get returns a cached node and bumps its reference count, or nil if not
// present. Callers must call release when done.
func (c *nodeCache) get(ptr NodePointer) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[ptr]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	ent := el.Value.(*cacheEntry)
	ent.refs++
	return ent.node
}

// put inserts n into the cache under ptr, evicting the least-recently-used
// unreferenced entry if the cache is full.
func (c *nodeCache) put(ptr NodePointer, n *Node, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ptr]; ok {
		ent := el.Value.(*cacheEntry)
		ent.node = n
		ent.dirty = ent.dirty || dirty
		c.order.MoveToFront(el)
		return
	}
	ent := &cacheEntry{ptr: ptr, node: n, refs: 1, dirty: dirty}
	el := c.order.PushFront(ent)
	c.entries[ptr] = el
	c.evictIfNeeded()
}

// release drops a reference acquired by get, making the node eligible for
// eviction once its count reaches zero.
func (c *nodeCache) release(ptr NodePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[ptr]
	if !ok {
		return
	}
	ent := el.Value.(*cacheEntry)
	if ent.refs > 0 {
		ent.refs--
	}
}

// evictIfNeeded reclaims unreferenced entries from the back of the LRU
// list until the cache is within maxEntries. Called with c.mu held.
func (c *nodeCache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}
	for c.order.Len() > c.maxEntries {
		el := c.order.Back()
		for el != nil && el.Value.(*cacheEntry).refs > 0 {
			el = el.Prev()
		}
		if el == nil {
			return // everything referenced; cannibalize lock handles this case
		}
		ent := el.Value.(*cacheEntry)
		if ent.dirty && c.flush != nil {
			_ = c.flush(ent.node)
		}
		c.order.Remove(el)
		delete(c.entries, ent.ptr)
	}
}

// cannibalizeOne forcibly reclaims one entry under memory pressure,
// serialized by the cannibalize lock so concurrent reclaimers do not race
// on the same victim (spec §4.2 "a cannibalize lock serialises reclaim
// when memory is tight").
func (c *nodeCache) cannibalizeOne() *Node {
	c.cannibalize.Lock()
	defer c.cannibalize.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.order.Back()
	for el != nil && el.Value.(*cacheEntry).refs > 0 {
		el = el.Prev()
	}
	if el == nil {
		return nil
	}
	ent := el.Value.(*cacheEntry)
	if ent.dirty && c.flush != nil {
		_ = c.flush(ent.node)
	}
	c.order.Remove(el)
	delete(c.entries, ent.ptr)
	return ent.node
}
