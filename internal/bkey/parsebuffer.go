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

package bkey

import "encoding/binary"

// ParseBuffer is a cursor over a packed on-disk byte range, generalized
// from btrfscue's ParseBuffer used to decode Header/Key/Item structures
// field by field.
type ParseBuffer struct {
	buf []byte
	off int
}

// NewParseBuffer wraps buf for sequential decoding from offset 0.
func NewParseBuffer(buf []byte) *ParseBuffer { return &ParseBuffer{buf: buf} }

// Offset returns the current read position.
func (b *ParseBuffer) Offset() int { return b.off }

// SetOffset repositions the cursor, used when item data starts at a
// computed offset relative to a node header (mirrors btrfscue's Leaf.Parse
// jumping to headerEnd+item.Offset for each item's data).
func (b *ParseBuffer) SetOffset(off int) { b.off = off }

// Unread returns the number of bytes remaining.
func (b *ParseBuffer) Unread() int { return len(b.buf) - b.off }

// Next returns the next n bytes and advances the cursor. Returns a short
// slice (never panics) if n exceeds what remains, so malformed on-disk
// counts degrade to truncated reads rather than crashes.
func (b *ParseBuffer) Next(n int) []byte {
	if b.off+n > len(b.buf) {
		n = len(b.buf) - b.off
		if n < 0 {
			n = 0
		}
	}
	out := b.buf[b.off : b.off+n]
	b.off += n
	return out
}

func (b *ParseBuffer) NextUint8() uint8 {
	v := b.Next(1)
	if len(v) < 1 {
		return 0
	}
	return v[0]
}

func (b *ParseBuffer) NextUint16() uint16 {
	v := b.Next(2)
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func (b *ParseBuffer) NextUint32() uint32 {
	v := b.Next(4)
	if len(v) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(v)
}

func (b *ParseBuffer) NextUint64() uint64 {
	v := b.Next(8)
	if len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// PutBuffer is the write-side counterpart, appending packed fields in the
// same order ParseBuffer expects to read them.
type PutBuffer struct {
	buf []byte
}

func (b *PutBuffer) Bytes() []byte { return b.buf }

func (b *PutBuffer) PutBytes(p []byte) { b.buf = append(b.buf, p...) }

func (b *PutBuffer) PutUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *PutBuffer) PutUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *PutBuffer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *PutBuffer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
