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

// Package uuid wraps 128-bit little-endian UUIDs as they appear on disk in
// bcachefs superblocks, member tables, and per-extent keys.
package uuid

import (
	"fmt"

	guuid "github.com/google/uuid"
)

// Size is the on-disk size of a UUID in bytes.
const Size = 16

// UUID is a 128-bit identifier stored little-endian, matching the disk
// layout of FSID/ChunkTreeUUID-style fields in btrfs and bcachefs alike.
type UUID [Size]byte

// Nil is the all-zero UUID.
var Nil UUID

// New generates a random v4 UUID.
func New() UUID {
	var u UUID
	copy(u[:], guuid.New()[:])
	return u
}

// Parse decodes a UUID from its little-endian on-disk representation.
func Parse(b []byte) (UUID, error) {
	var u UUID
	if len(b) < Size {
		return u, fmt.Errorf("uuid: short buffer: %d bytes", len(b))
	}
	copy(u[:], b[:Size])
	return u, nil
}

// PutTo writes the little-endian on-disk representation of u into b.
func (u UUID) PutTo(b []byte) {
	copy(b, u[:])
}

// IsNil reports whether u is the all-zero UUID.
func (u UUID) IsNil() bool { return u == Nil }

// String renders the UUID in canonical 8-4-4-4-12 form, byte-swapping from
// the on-disk little-endian layout into the big-endian textual layout that
// google/uuid expects.
func (u UUID) String() string {
	var be [Size]byte
	for i := 0; i < Size; i++ {
		be[i] = u[Size-1-i]
	}
	return guuid.UUID(be).String()
}

// Equal reports whether two UUIDs carry the same bits.
func (u UUID) Equal(other UUID) bool { return u == other }
