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

//go:build linux

package blockdev

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice backs a Device with a regular file or block special file,
// optionally mmap'd for the hot read path (diskfs-go-diskfs and erigon both
// reach for golang.org/x/sys/unix.Mmap on the perf path rather than plain
// ReadAt/WriteAt).
type FileDevice struct {
	f        *os.File
	nsectors uint64
	mmap     []byte // nil unless opened with UseMmap
}

// OpenFileDevice opens path as a block device of the given size. If
// useMmap is set and the mapping succeeds, reads are served from the
// mapping; writes always go through the file descriptor so that Flush's
// fsync ordering guarantee holds.
func OpenFileDevice(path string, nsectors uint64, useMmap bool) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	d := &FileDevice{f: f, nsectors: nsectors}
	if useMmap {
		m, err := unix.Mmap(int(f.Fd()), 0, int(nsectors*SectorSize), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			d.mmap = m
		}
	}
	return d, nil
}

func (d *FileDevice) ReadAt(_ context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	if d.mmap != nil {
		copy(p, d.mmap[sector*SectorSize:])
		return nil
	}
	_, err := d.f.ReadAt(p, int64(sector*SectorSize))
	return err
}

func (d *FileDevice) WriteAt(_ context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	_, err := d.f.WriteAt(p, int64(sector*SectorSize))
	return err
}

func (d *FileDevice) Flush(_ context.Context) error {
	return d.f.Sync()
}

func (d *FileDevice) Discard(_ context.Context, sector, nsectors uint64) error {
	return unix.FallocPunchHole(int(d.f.Fd()), int64(sector*SectorSize), int64(nsectors*SectorSize))
}

func (d *FileDevice) Nsectors() uint64 { return d.nsectors }

func (d *FileDevice) Close() error {
	if d.mmap != nil {
		_ = unix.Munmap(d.mmap)
	}
	return d.f.Close()
}
