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

// Package transaction implements the begin/acquire/stage/commit protocol of
// spec §4.3: multiple B-tree updates grouped into one atomic, crash-safe
// step with optimistic concurrency, retried transparently on restart.
package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/fserrors"
	"blichmann.eu/code/bcachefs/internal/journal"
)

// stagedUpdate is one (btree_id, old_key_snapshot, new_key) record staged
// during a transaction body (spec §4.3 step 3).
type stagedUpdate struct {
	btreeID btree.ID
	path    *btree.Path
	oldKey  bkey.Key
	newKey  bkey.Key
}

// Hook runs as a pre-commit trigger (allocator trigger, extent trigger,
// replicas accounting, spec §4.3 step 4) and may stage further updates.
type Hook func(tx *Tx) error

// Tx is the scratch arena and update list threaded through one transaction
// attempt (spec §4.3 step 1 "allocate a transaction object with a scratch
// arena and an empty path list").
type Tx struct {
	btrees  map[btree.ID]*btree.BTree
	updates []stagedUpdate
	hooks   []Hook
}

// Btree returns the BTree registered under id, or nil if none is.
func (tx *Tx) Btree(id btree.ID) *btree.BTree { return tx.btrees[id] }

// Update acquires the write lock path needs (spec §4.3 step 2 "Acquire
// paths, which take node locks as needed") and stages an upsert of newKey,
// recording oldKey so commit can detect whether the live value changed
// since path was acquired (step 3, step 5b). A lock-ordering conflict
// returns btree.ErrRestart, which the caller should propagate so Manager.Run
// retries the whole body.
func (tx *Tx) Update(id btree.ID, path *btree.Path, oldKey, newKey bkey.Key) error {
	if err := path.Lock(); err != nil {
		return err
	}
	tx.updates = append(tx.updates, stagedUpdate{btreeID: id, path: path, oldKey: oldKey, newKey: newKey})
	return nil
}

// AddHook registers a pre-commit hook (spec §4.3 step 4).
func (tx *Tx) AddHook(h Hook) { tx.hooks = append(tx.hooks, h) }

// Manager runs transactions against a fixed set of btrees and a shared
// journal, implementing the full commit protocol of spec §4.3.
type Manager struct {
	log     *zap.SugaredLogger
	btrees  map[btree.ID]*btree.BTree
	journal *journal.Journal
	reclaim func(ctx context.Context) error
}

// Config bundles a Manager's dependencies.
type Config struct {
	Log     *zap.SugaredLogger
	Btrees  map[btree.ID]*btree.BTree
	Journal *journal.Journal
	// Reclaim flushes the oldest dirty B-tree nodes to free journal space,
	// invoked by the journal's Reserve when backpressure triggers
	// (spec §4.4 "Backpressure").
	Reclaim func(ctx context.Context) error
}

func New(cfg Config) *Manager {
	return &Manager{log: cfg.Log, btrees: cfg.Btrees, journal: cfg.Journal, reclaim: cfg.Reclaim}
}

// Body is a transaction body, re-executed in full on every restart
// (spec §4.3 "Restart is transparent to callers above a fixed wrapper;
// callers not holding external resources must be prepared to re-execute
// the entire transaction body").
type Body func(tx *Tx) error

// Run executes fn as one transaction, retrying on ErrTransactionRestart
// with exponential backoff until it commits, a non-restart error occurs, or
// ctx is cancelled. ErrTransactionRestart never crosses this boundary.
func (m *Manager) Run(ctx context.Context, fn Body) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	attempt := 0
	op := func() error {
		attempt++
		err := m.attempt(ctx, fn)
		if errors.Is(err, fserrors.ErrTransactionRestart) {
			m.log.Debugw("transaction restart", "attempt", attempt)
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		if errors.Is(err, fserrors.ErrTransactionRestart) {
			return fmt.Errorf("transaction: exhausted retries: %v", err)
		}
		return fmt.Errorf("transaction: exhausted retries: %w", err)
	}
	return nil
}

// attempt runs one begin/acquire/stage/commit cycle (spec §4.3 steps 1-6).
func (m *Manager) attempt(ctx context.Context, fn Body) (err error) {
	tx := &Tx{btrees: m.btrees}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction: panic: %v", r)
		}
	}()

	// Step 2-3: body acquires paths and stages updates.
	if err := fn(tx); err != nil {
		return classifyLockErr(err)
	}

	// Step 4: pre-commit hooks may append further updates.
	for _, h := range tx.hooks {
		if err := h(tx); err != nil {
			return classifyLockErr(err)
		}
	}

	// Step 5a: reserve journal space; backpressure reclaims via m.reclaim.
	seq, err := m.journal.Reserve(ctx, m.reclaim)
	if err != nil {
		return err
	}

	// Step 5b: re-check every staged old_key_snapshot against the live
	// value; a mismatch means another transaction committed first. An update
	// expecting absence only conflicts with a live key at its own position.
	for _, u := range tx.updates {
		if live, ok := u.path.Peek(); ok && (u.oldKey.Val != nil || live.Pos == u.newKey.Pos) {
			if !keysEqualSnapshot(live, u.oldKey) {
				return fmt.Errorf("transaction: optimistic conflict at %s: %w", u.oldKey.Pos, fserrors.ErrTransactionRestart)
			}
		}
	}

	// Step 5c: append entries to the journal under the reserved sequence.
	records := make([]journal.UpdateRecord, len(tx.updates))
	for i, u := range tx.updates {
		records[i] = journal.UpdateRecord{Btree: u.btreeID, OldKey: u.oldKey, NewKey: u.newKey}
	}
	if err := m.journal.Append(ctx, seq, records, false); err != nil {
		return err
	}

	// Step 5d: apply updates to in-memory nodes.
	for _, u := range tx.updates {
		t := tx.btrees[u.btreeID]
		if t == nil {
			return fmt.Errorf("transaction: unknown btree %s", u.btreeID)
		}
		if u.newKey.Val == nil {
			if err := t.Delete(u.path, u.newKey.Pos); err != nil {
				return classifyLockErr(err)
			}
			continue
		}
		if err := t.Update(u.path, u.newKey); err != nil {
			return classifyLockErr(err)
		}
	}

	// Step 6: release locks.
	for _, u := range tx.updates {
		u.path.Unlock()
	}
	return nil
}

// keysEqualSnapshot compares the positions and raw encodings of two keys,
// used for the optimistic re-check; a zero oldKey (Val == nil) means the
// update expects no prior value to exist.
func keysEqualSnapshot(live, old bkey.Key) bool {
	if old.Val == nil {
		return false // caller expected absence; any live value is a conflict
	}
	if live.Pos != old.Pos || live.Type != old.Type {
		return false
	}
	var lb, ob bkey.PutBuffer
	bkey.PutKey(&lb, live)
	bkey.PutKey(&ob, old)
	la, oa := lb.Bytes(), ob.Bytes()
	if len(la) != len(oa) {
		return false
	}
	for i := range la {
		if la[i] != oa[i] {
			return false
		}
	}
	return true
}

// classifyLockErr maps a lock-ordering restart from the btree package into
// the transaction layer's retryable sentinel (spec §4.3 "Restart reasons:
// lock ordering conflict").
func classifyLockErr(err error) error {
	if errors.Is(err, btree.ErrRestart) {
		return fmt.Errorf("transaction: %w: %w", fserrors.ErrTransactionRestart, err)
	}
	return err
}
