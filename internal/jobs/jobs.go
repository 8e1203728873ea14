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

// Package jobs implements the cancellable, progress-reporting background
// job type; `data rereplicate` runs as a Job, while fsck, scrub, and
// migrate only report through Progress (SPEC_FULL.md supplemented feature: "operations
// that scan the whole filesystem expose progress and accept cancellation
// rather than blocking the CLI until completion").
package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is a job's lifecycle stage.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("jobs.State(%d)", uint8(s))
	}
}

// Progress is a point-in-time snapshot a job publishes as it runs.
type Progress struct {
	Done  uint64
	Total uint64 // 0 means unknown
	Note  string
}

// Func is the body a Job runs; it must check ctx.Err() at reasonable
// granularity and report progress via report.
type Func func(ctx context.Context, report func(Progress)) error

// Job tracks one running or finished background operation.
type Job struct {
	ID   uint64
	Name string

	mu       sync.Mutex
	state    State
	progress Progress
	err      error

	cancel context.CancelFunc
	done    chan struct{}
}

// Manager creates and tracks jobs, the handle `data rereplicate` starts its
// job through and `data job` CLI commands use to list and cancel jobs.
type Manager struct {
	log    *zap.SugaredLogger
	mu     sync.Mutex
	nextID uint64
	jobs   map[uint64]*Job
}

// New constructs an empty job Manager.
func New(log *zap.SugaredLogger) *Manager {
	return &Manager{log: log, jobs: make(map[uint64]*Job)}
}

// Start launches fn in a new goroutine under a child of ctx, returning a
// handle the caller can poll or Cancel.
func (m *Manager) Start(ctx context.Context, name string, fn Func) *Job {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{ID: id, Name: name, state: StateRunning, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	go func() {
		defer close(j.done)
		err := fn(jobCtx, j.report)
		j.mu.Lock()
		defer j.mu.Unlock()
		switch {
		case err == nil:
			j.state = StateDone
		case jobCtx.Err() != nil:
			j.state = StateCancelled
			j.err = jobCtx.Err()
		default:
			j.state = StateFailed
			j.err = err
		}
		if j.err != nil {
			m.log.Warnw("job finished with error", "job", name, "id", id, "err", j.err)
		}
	}()
	return j
}

func (j *Job) report(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = p
}

// Snapshot returns the job's current state, progress, and terminal error
// (nil until finished).
func (j *Job) Snapshot() (State, Progress, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.progress, j.err
}

// Cancel requests early termination; the job transitions to StateCancelled
// once its Func observes ctx.Err().
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job finishes or ctx is cancelled.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the job with the given ID, if any is still tracked.
func (m *Manager) Get(id uint64) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// List returns every tracked job, running or finished.
func (m *Manager) List() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}
