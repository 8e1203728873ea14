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

// Package erasure implements the N-data + M-parity stripe encode/reconstruct
// used by the extent I/O path (spec §4.6 "Erasure coding"), wired to
// github.com/klauspost/reedsolomon per the SharedCode-sop manifest.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Stripe describes one erasure-coded stripe: nData data shards followed by
// nParity parity shards, each the same size, spread across distinct
// devices per spec §4.6.
type Stripe struct {
	NData   int
	NParity int
	enc     reedsolomon.Encoder
}

// NewStripe constructs a Stripe encoder/decoder for the given shard counts.
func NewStripe(nData, nParity int) (*Stripe, error) {
	if nData <= 0 || nParity < 0 {
		return nil, fmt.Errorf("erasure: invalid shard counts %d+%d", nData, nParity)
	}
	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("erasure: %w", err)
	}
	return &Stripe{NData: nData, NParity: nParity, enc: enc}, nil
}

// Encode splits data into nData equal shards (zero-padding the last one)
// and computes nParity parity shards. The returned slice has NData+NParity
// entries, each ready to write to a distinct device.
func (s *Stripe) Encode(data []byte) ([][]byte, error) {
	shards, err := s.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// Reconstruct repairs missing shards in place. shards[i] == nil marks a
// shard as missing (lost device or failed read); on return every shard is
// populated, or an error is returned when more shards are missing than
// NParity can repair ("within degradation limit" per spec §4.6).
func (s *Stripe) Reconstruct(shards [][]byte) error {
	ok, err := s.enc.Verify(shards)
	if err == nil && ok {
		return nil
	}
	if err := s.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("erasure: reconstruct: %w", err)
	}
	return nil
}

// Join reassembles the original byte stream from data shards (parity
// shards are ignored), truncating to size bytes to undo Split's padding.
func (s *Stripe) Join(shards [][]byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < s.NData && len(out) < size; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("erasure: join: data shard %d missing", i)
		}
		out = append(out, shards[i]...)
	}
	if len(out) < size {
		return nil, fmt.Errorf("erasure: join: insufficient data to reach %d bytes", size)
	}
	return out[:size], nil
}
