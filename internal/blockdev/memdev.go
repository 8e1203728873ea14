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

package blockdev

import (
	"context"
	"sync"
)

// MemDevice is an in-memory Device, grounded on rockyardkv's split of a
// small vfs package out from the B-tree logic it backs. No code or test in
// this module constructs one; the integration tests use sparse files.
type MemDevice struct {
	mu       sync.RWMutex
	data     []byte
	discards []discardRange
}

type discardRange struct{ sector, nsectors uint64 }

// NewMemDevice allocates an in-memory device of the given size in sectors.
func NewMemDevice(nsectors uint64) *MemDevice {
	return &MemDevice{data: make([]byte, nsectors*SectorSize)}
}

func (m *MemDevice) ReadAt(_ context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(m, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(p, m.data[sector*SectorSize:])
	return nil
}

func (m *MemDevice) WriteAt(_ context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(m, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[sector*SectorSize:], p)
	return nil
}

func (m *MemDevice) Flush(_ context.Context) error { return nil }

func (m *MemDevice) Discard(_ context.Context, sector, nsectors uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discards = append(m.discards, discardRange{sector, nsectors})
	return nil
}

// Discards returns the ranges passed to Discard, for test assertions.
func (m *MemDevice) Discards() []discardRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discardRange, len(m.discards))
	copy(out, m.discards)
	return out
}

func (m *MemDevice) Nsectors() uint64 { return uint64(len(m.data)) / SectorSize }

func (m *MemDevice) Close() error { return nil }

// CorruptByte flips one byte at the given sector-relative offset, used by
// tests exercising the "checksum soundness" property (spec §8.1 invariant 7).
func (m *MemDevice) CorruptByte(sector uint64, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sector*SectorSize + uint64(offset)
	m.data[idx] ^= 0xff
}
