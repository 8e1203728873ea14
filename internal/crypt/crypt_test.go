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

package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapMasterKeyRoundTrip(t *testing.T) {
	var mk MasterKey
	for i := range mk {
		mk[i] = byte(i)
	}

	wk, err := WrapMasterKey(mk, "correct horse battery staple")
	require.NoError(t, err)

	got, err := UnwrapMasterKey(wk, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, mk, got)
}

func TestUnwrapMasterKeyWrongPassphrase(t *testing.T) {
	var mk MasterKey
	wk, err := WrapMasterKey(mk, "right")
	require.NoError(t, err)

	_, err = UnwrapMasterKey(wk, "wrong")
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	var mk MasterKey
	for i := range mk {
		mk[i] = byte(i * 3)
	}
	plaintext := []byte("extent payload bytes")

	ciphertext, err := Seal(mk, 42, 4096, 1, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := Open(mk, 42, 4096, 1, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFailsOnWrongExtentIdentity(t *testing.T) {
	var mk MasterKey
	ciphertext, err := Seal(mk, 1, 0, 1, []byte("data"))
	require.NoError(t, err)

	_, err = Open(mk, 1, 0, 2, ciphertext)
	assert.Error(t, err)
}

func TestDeriveKEKDeterministic(t *testing.T) {
	var salt [16]byte
	copy(salt[:], "fixedsaltfortest")

	k1, err := DeriveKEK("passphrase", salt)
	require.NoError(t, err)
	k2, err := DeriveKEK("passphrase", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKEK("different", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
