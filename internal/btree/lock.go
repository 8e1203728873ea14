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

import "sync"

// lockLevel is one of the six states a node lock may grant, spec §4.2
// "Locking": "a six-state lock on each node allowing {read, intent,
// write}. Intent excludes intent+write; read excludes write."
//
// The six states are the combinations {none, read, intent, write,
// read+intent, intent+write} reachable under those exclusion rules;
// lockState tracks them as a reader count plus intent and writer flags
// rather than enumerating all six explicitly.
type lockLevel uint8

const (
	lockNone lockLevel = iota
	lockRead
	lockIntent
	lockWrite
)

type lockState struct {
	mu      sync.Mutex
	readers int
	intent  bool
	writer  bool
	waiters []chan struct{}
}

// acquire blocks until level is granted. Callers must release with the
// matching release call. Lock ordering (btree_id, cached?, position,
// -level) is enforced by the caller (Path), not here; this type only
// implements the exclusion rules for a single node.
func (l *lockState) acquire(level lockLevel) {
	l.mu.Lock()
	for !l.canGrant(level) {
		ch := make(chan struct{})
		l.waiters = append(l.waiters, ch)
		l.mu.Unlock()
		<-ch
		l.mu.Lock()
	}
	l.grant(level)
	l.mu.Unlock()
}

// tryAcquire attempts to acquire level without blocking, used by the
// deadlock-avoidance restart path when out-of-order acquisition is
// detected (spec §4.2 "violating threads restart their transaction").
func (l *lockState) tryAcquire(level lockLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canGrant(level) {
		return false
	}
	l.grant(level)
	return true
}

func (l *lockState) canGrant(level lockLevel) bool {
	switch level {
	case lockRead:
		return !l.writer
	case lockIntent:
		return !l.intent && !l.writer
	case lockWrite:
		return l.readers == 0 && !l.writer
	default:
		return true
	}
}

func (l *lockState) grant(level lockLevel) {
	switch level {
	case lockRead:
		l.readers++
	case lockIntent:
		l.intent = true
	case lockWrite:
		l.writer = true
	}
}

func (l *lockState) release(level lockLevel) {
	l.mu.Lock()
	switch level {
	case lockRead:
		l.readers--
	case lockIntent:
		l.intent = false
	case lockWrite:
		l.writer = false
	}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// upgrade converts an intent lock held by the caller into a write lock,
// used when a transaction that walked down with intent locks reaches the
// node it actually needs to mutate.
func (l *lockState) upgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.intent || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}
