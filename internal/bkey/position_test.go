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

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionCompareOrdersByInodeThenOffsetThenSnapshot(t *testing.T) {
	a := Position{Inode: 1, Offset: 0, Snapshot: 0}
	b := Position{Inode: 1, Offset: 5, Snapshot: 0}
	c := Position{Inode: 2, Offset: 0, Snapshot: 0}
	d := Position{Inode: 1, Offset: 5, Snapshot: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, b.Less(d))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(Position{Inode: 1}))
}

func TestPosMinPosMaxBoundEverything(t *testing.T) {
	ps := []Position{
		{Inode: 5, Offset: 100, Snapshot: 3},
		{Inode: 0, Offset: 0, Snapshot: 0},
		{Inode: ^uint64(0), Offset: ^uint64(0), Snapshot: ^uint32(0)},
	}
	for _, p := range ps {
		assert.True(t, PosMin.Compare(p) <= 0, "PosMin must not exceed %v", p)
		assert.True(t, PosMax.Compare(p) >= 0, "PosMax must not be exceeded by %v", p)
	}
}

func TestPositionsSortStably(t *testing.T) {
	in := []Position{
		{Inode: 2, Offset: 1},
		{Inode: 1, Offset: 9},
		{Inode: 1, Offset: 2},
		{Inode: 1, Offset: 2, Snapshot: 1},
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Less(in[j]) })

	want := []Position{
		{Inode: 1, Offset: 2},
		{Inode: 1, Offset: 2, Snapshot: 1},
		{Inode: 1, Offset: 9},
		{Inode: 2, Offset: 1},
	}
	assert.Equal(t, want, in)
}

func TestPositionEqualityIsPlainComparison(t *testing.T) {
	p1 := Position{Inode: 7, Offset: 3, Snapshot: 2}
	p2 := Position{Inode: 7, Offset: 3, Snapshot: 2}
	p3 := Position{Inode: 7, Offset: 3, Snapshot: 3}

	assert.True(t, p1 == p2)
	assert.False(t, p1 != p2)
	assert.True(t, p1 != p3)
}
