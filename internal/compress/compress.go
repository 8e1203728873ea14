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

// Package compress implements the per-extent compression algorithms
// selectable via the compression option (spec §9): none, lz4, gzip, zstd.
// Each Encode falls back to storing the input uncompressed when the
// compressed form would expand it, per spec §4.6 step 2.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression algorithm. Aliased by internal/options as
// CompressionType.
type Type uint8

const (
	TypeNone Type = iota
	TypeLZ4
	TypeGzip
	TypeZstd
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLZ4:
		return "lz4"
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compress.Type(%d)", uint8(t))
	}
}

// shared zstd encoder/decoder pools; construction is comparatively
// expensive so extentio reuses these across writes and reads.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode compresses src under algorithm t. It returns (compressed, true) on
// success, or (src, false) if compression was skipped because the result
// would not have been smaller than src (the extent path then writes src
// uncompressed and records TypeNone in the extent pointer).
func Encode(t Type, src []byte) (out []byte, compressed bool, err error) {
	switch t {
	case TypeNone:
		return src, false, nil
	case TypeLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, buf)
		if err != nil {
			return nil, false, fmt.Errorf("compress: lz4: %w", err)
		}
		if n == 0 || n >= len(src) {
			return src, false, nil
		}
		return buf[:n], true, nil
	case TypeGzip:
		var buf bytes.Buffer
		w, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if _, err := w.Write(src); err != nil {
			return nil, false, fmt.Errorf("compress: gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, false, fmt.Errorf("compress: gzip: %w", err)
		}
		if buf.Len() >= len(src) {
			return src, false, nil
		}
		return buf.Bytes(), true, nil
	case TypeZstd:
		out := zstdEncoder.EncodeAll(src, nil)
		if len(out) >= len(src) {
			return src, false, nil
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("compress: unknown algorithm %d", uint8(t))
	}
}

// Decode reverses Encode. uncompressedSize is required for lz4, whose block
// format carries no trailer, and is used as a sanity bound for the others.
func Decode(t Type, compressed []byte, uncompressedSize int) ([]byte, error) {
	switch t {
	case TypeNone:
		return compressed, nil
	case TypeLZ4:
		buf := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(compressed, buf)
		if err != nil {
			return nil, fmt.Errorf("compress: lz4: %w", err)
		}
		return buf[:n], nil
	case TypeGzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		defer r.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		return buf.Bytes(), nil
	case TypeZstd:
		out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %d", uint8(t))
	}
}
