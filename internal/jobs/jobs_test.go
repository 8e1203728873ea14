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

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager() *Manager {
	return New(zap.NewNop().Sugar())
}

func TestManagerStartWaitDone(t *testing.T) {
	m := newTestManager()
	j := m.Start(context.Background(), "scan", func(ctx context.Context, report func(Progress)) error {
		report(Progress{Done: 1, Total: 2, Note: "half"})
		report(Progress{Done: 2, Total: 2, Note: "done"})
		return nil
	})

	require.NoError(t, j.Wait(context.Background()))
	state, progress, err := j.Snapshot()
	assert.Equal(t, StateDone, state)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), progress.Done)
	assert.Equal(t, "done", progress.Note)
}

func TestManagerStartFailed(t *testing.T) {
	m := newTestManager()
	wantErr := errors.New("boom")
	j := m.Start(context.Background(), "scrub", func(ctx context.Context, report func(Progress)) error {
		return wantErr
	})

	require.NoError(t, j.Wait(context.Background()))
	state, _, err := j.Snapshot()
	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, err, wantErr)
}

func TestJobCancel(t *testing.T) {
	m := newTestManager()
	started := make(chan struct{})
	j := m.Start(context.Background(), "rereplicate", func(ctx context.Context, report func(Progress)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	j.Cancel()
	require.NoError(t, j.Wait(context.Background()))

	state, _, err := j.Snapshot()
	assert.Equal(t, StateCancelled, state)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManagerListAndGet(t *testing.T) {
	m := newTestManager()
	j1 := m.Start(context.Background(), "a", func(ctx context.Context, report func(Progress)) error { return nil })
	j2 := m.Start(context.Background(), "b", func(ctx context.Context, report func(Progress)) error { return nil })
	require.NoError(t, j1.Wait(context.Background()))
	require.NoError(t, j2.Wait(context.Background()))

	got, ok := m.Get(j1.ID)
	require.True(t, ok)
	assert.Equal(t, j1, got)

	_, ok = m.Get(j1.ID + j2.ID + 1)
	assert.False(t, ok)

	assert.Len(t, m.List(), 2)
}

func TestJobWaitRespectsContext(t *testing.T) {
	m := newTestManager()
	block := make(chan struct{})
	j := m.Start(context.Background(), "slow", func(ctx context.Context, report func(Progress)) error {
		<-block
		return nil
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := j.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
