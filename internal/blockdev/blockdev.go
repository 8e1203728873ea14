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

// Package blockdev abstracts sector-addressed I/O over a device, the unit
// every higher layer (super, btree, journal, alloc, extentio) issues reads
// and writes against. Submission is asynchronous per spec §5 "Block-I/O
// submit/wait maps to a concurrency contract: submit returns immediately;
// completion is delivered via a handler"; Go expresses that contract
// directly with goroutines and channels rather than a callback registry.
package blockdev

import (
	"context"
	"fmt"
)

// SectorSize is the fixed on-disk sector size (spec §6.1).
const SectorSize = 512

// Device is a single member device or image file addressed in sectors.
type Device interface {
	// ReadAt reads len(p) bytes starting at the given sector.
	ReadAt(ctx context.Context, p []byte, sector uint64) error
	// WriteAt writes p starting at the given sector.
	WriteAt(ctx context.Context, p []byte, sector uint64) error
	// Flush issues a write barrier, completing only once prior writes are
	// durable (spec §4.1 "issues barrier/flush").
	Flush(ctx context.Context) error
	// Discard issues a TRIM for the sector range (spec §4.5 discard worker).
	Discard(ctx context.Context, sector, nsectors uint64) error
	// Nsectors reports the device's total size in sectors.
	Nsectors() uint64
	// Close releases the underlying file descriptor or mapping.
	Close() error
}

// Completion is delivered asynchronously for a submitted I/O; Submit
// returns immediately and the caller selects on Done or blocks in Wait.
type Completion struct {
	Err  error
	done chan struct{}
}

// NewCompletion allocates a pending Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Signal completes c with err, waking any waiter. Signal must be called
// exactly once.
func (c *Completion) Signal(err error) {
	c.Err = err
	close(c.done)
}

// Wait blocks until the completion is signalled or ctx is cancelled.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRead issues an asynchronous read and returns its Completion
// without blocking the caller, matching the "no blocking call is made
// while holding node write locks" contract in spec §5.
func SubmitRead(ctx context.Context, d Device, p []byte, sector uint64) *Completion {
	c := NewCompletion()
	go func() { c.Signal(d.ReadAt(ctx, p, sector)) }()
	return c
}

// SubmitWrite issues an asynchronous write and returns its Completion.
func SubmitWrite(ctx context.Context, d Device, p []byte, sector uint64) *Completion {
	c := NewCompletion()
	go func() { c.Signal(d.WriteAt(ctx, p, sector)) }()
	return c
}

// ErrShortDevice is returned when an access would run past Nsectors.
var ErrShortDevice = fmt.Errorf("blockdev: access beyond device end")

// CheckBounds validates that [sector, sector+nsectors) lies within dev.
func CheckBounds(dev Device, sector, nsectors uint64) error {
	if sector+nsectors > dev.Nsectors() || sector+nsectors < sector {
		return fmt.Errorf("%w: sector %d + %d > %d", ErrShortDevice, sector, nsectors, dev.Nsectors())
	}
	return nil
}
