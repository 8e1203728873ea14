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

package extentio

import (
	"fmt"

	"blichmann.eu/code/bcachefs/internal/erasure"
)

// EncodeStripe splits data into nData shards and computes nParity parity
// shards via Reed-Solomon, the codec backing spec §4.6 "Erasure coding:
// stripes group N data + M parity extents across devices". The caller is
// responsible for writing each returned shard to a distinct device and
// recording the stripe's (StripeIdx, StripeBlockIdx) on each extent key.
func EncodeStripe(data []byte, nData, nParity int) ([][]byte, error) {
	s, err := erasure.NewStripe(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("extentio: stripe: %w", err)
	}
	return s.Encode(data)
}

// ReconstructStripe rebuilds missing shards (nil entries in shards) from
// the surviving data and parity shards, then joins the first size bytes
// back into the original logical payload. Used by `migrate`'s stripe
// rereplicate pass after a device loss; the read path does not call it.
func ReconstructStripe(shards [][]byte, nData, nParity, size int) ([]byte, error) {
	s, err := erasure.NewStripe(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("extentio: stripe: %w", err)
	}
	if err := s.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("extentio: reconstruct: %w", err)
	}
	return s.Join(shards, size)
}
