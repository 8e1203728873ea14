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

package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyStringYieldsEmptySet(t *testing.T) {
	s, err := Parse("", ScopeFormat)
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestParseTypedValues(t *testing.T) {
	s, err := Parse("data_replicas=2,discard,compression=lz4", ScopeFormat)
	require.NoError(t, err)

	v, err := s.Get("data_replicas")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = s.Get("discard")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = s.Get("compression")
	require.NoError(t, err)
	assert.Equal(t, CompressionType(CompressionLZ4), v)
}

func TestGetFallsBackToDefault(t *testing.T) {
	s, err := Parse("", ScopeFormat)
	require.NoError(t, err)

	v, err := s.Get("metadata_replicas")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse("not_a_real_option=1", ScopeFormat)
	assert.Error(t, err)
}

func TestParseRejectsOutOfScopeOption(t *testing.T) {
	// foreground_target is ScopeMount|ScopeInode, not valid at format time.
	_, err := Parse("foreground_target=ssd", ScopeFormat)
	assert.Error(t, err)
}

func TestParseRejectsBadEnumChoice(t *testing.T) {
	_, err := Parse("compression=rle", ScopeFormat)
	assert.Error(t, err)
}

func TestParseRejectsMissingValue(t *testing.T) {
	_, err := Parse("data_replicas", ScopeFormat)
	assert.Error(t, err)
}
