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

package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/alloc"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/extentio"
	"blichmann.eu/code/bcachefs/internal/fsck"
	"blichmann.eu/code/bcachefs/internal/jobs"
	"blichmann.eu/code/bcachefs/internal/journal"
	"blichmann.eu/code/bcachefs/internal/migrate"
	"blichmann.eu/code/bcachefs/internal/super"
	"blichmann.eu/code/bcachefs/internal/transaction"
	"blichmann.eu/code/bcachefs/internal/xattr"
)

// allocatorHandle breaks the construction cycle between internal/btree
// (every BTree needs a NodeAllocator at New time) and internal/alloc (the
// Allocator needs its four own BTrees to already exist): every BTree gets
// a handle pointing at a not-yet-built Allocator, and the handle starts
// forwarding ReserveNode once bind is called after the real Allocator
// exists.
type allocatorHandle struct {
	target *alloc.Allocator
}

func (h *allocatorHandle) bind(a *alloc.Allocator) { h.target = a }

func (h *allocatorHandle) ReserveNode(ctx context.Context, replicas int) ([]blockdev.Device, []uint64, error) {
	return h.target.ReserveNode(ctx, replicas)
}

// deviceSet is the single Devices/DeviceResolver implementation every
// internal package's small lookup interface is satisfied by: one flat
// index-to-Device mapping, built once in openFilesystem and shared.
type deviceSet struct {
	devs []blockdev.Device
}

func (d *deviceSet) Device(idx uint32) (blockdev.Device, error) {
	if int(idx) >= len(d.devs) {
		return nil, fmt.Errorf("bcachefs: no device at index %d", idx)
	}
	return d.devs[idx], nil
}

func (d *deviceSet) Count() int { return len(d.devs) }

// DiscardBucket adapts deviceSet to alloc.Devices for the discard worker.
func (d *deviceSet) DiscardBucket(ctx context.Context, device uint32, bucketIdx, bucketSize uint64) error {
	dev, err := d.Device(device)
	if err != nil {
		return err
	}
	return dev.Discard(ctx, bucketIdx*bucketSize, bucketSize)
}

// filesystem bundles every component a mounted filesystem needs, assembled
// the same way for every subcommand that touches an existing filesystem
// (fsck, data, subvolume, migrate, dump, list, setattr): open the member
// devices, read the superblock back, register one BTree per btree.ID,
// and wire the allocator/journal/transaction manager/extent I/O path on
// top. integration_test.go drives this same construction path rather than
// a separate test-only assembly.
type filesystem struct {
	log   *zap.SugaredLogger
	devs  *deviceSet
	super *super.Super
	sup   *super.Handle
	ctype checksum.Type

	btrees map[btree.ID]*btree.BTree
	tx     *transaction.Manager
	jrnl   *journal.Journal
	alloc  *alloc.Allocator
	io     *extentio.IO
	xattrs *xattr.Store
	fsck   *fsck.Checker
	mgr    *jobs.Manager
	mig    *migrate.Driver
}

func openDevices(paths []string) (*deviceSet, error) {
	var devs []blockdev.Device
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("bcachefs: stat %s: %w", p, err)
		}
		nsectors := uint64(fi.Size()) / blockdev.SectorSize
		d, err := blockdev.OpenFileDevice(p, nsectors, false)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	return &deviceSet{devs: devs}, nil
}

// openFilesystem opens every device in paths, reads device 0's superblock
// (spec §4.1: every member carries an identical copy), and assembles the
// full component stack on top of it, replaying the journal so the
// transaction manager starts from a consistent state (spec §4.4 "Mount
// replays every un-blacklisted entry newer than the last stable
// checkpoint before accepting new writes").
func openFilesystem(ctx context.Context, log *zap.SugaredLogger, paths []string) (*filesystem, error) {
	devs, err := openDevices(paths)
	if err != nil {
		return nil, err
	}

	// The superblock itself is always CRC32C-checksummed (spec §9's
	// metadata_checksum_type default), independent of whatever checksum
	// the options a filesystem was formatted with select for btree nodes
	// and journal entries; this CLI does not persist the latter choice
	// anywhere an opening process can recover it, so it also assumes the
	// default rather than guessing.
	ctype := checksum.TypeCRC32C
	sup := super.Open(log, devs, ctype)
	s, err := sup.ReadSuper(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("bcachefs: read superblock: %w", err)
	}

	fs := &filesystem{log: log, devs: devs, super: s, sup: sup, ctype: ctype, btrees: map[btree.ID]*btree.BTree{}}

	ids := []btree.ID{
		btree.IDExtents, btree.IDInodes, btree.IDDirents, btree.IDXattrs,
		btree.IDAlloc, btree.IDFreespace, btree.IDNeedDiscard, btree.IDLRU,
		btree.IDReflink, btree.IDSubvolumes, btree.IDSnapshots,
	}
	handle := &allocatorHandle{}
	for _, id := range ids {
		fs.btrees[id] = btree.New(btree.Config{
			ID: id, Log: log, Alloc: handle, Devices: devs, ChecksumType: ctype, CacheCapacity: 256,
		})
	}

	var buckets []journal.Bucket
	for i, m := range s.Members {
		if m.DataAllowed&super.AllowJournal != 0 {
			buckets = append(buckets, journal.Bucket{Device: uint32(i), Offset: journalOffsetSectors, Nslots: journalNslots})
		}
	}
	fs.jrnl = journal.New(journal.Config{Log: log, Devices: devs, Buckets: buckets, ChecksumType: ctype, MetadataReplicas: 1})
	fs.tx = transaction.New(transaction.Config{Log: log, Btrees: fs.btrees, Journal: fs.jrnl, Reclaim: func(context.Context) error { return nil }})

	fs.alloc = alloc.New(alloc.Config{
		Log: log, Tx: fs.tx, Devices: devs,
		AllocBtree: fs.btrees[btree.IDAlloc], FreespaceBtree: fs.btrees[btree.IDFreespace],
		NeedDiscardBtree: fs.btrees[btree.IDNeedDiscard], LRUBtree: fs.btrees[btree.IDLRU],
	})
	handle.bind(fs.alloc)
	for i, m := range s.Members {
		fs.alloc.AddDevice(uint32(i), m.NBuckets, m.BucketSize, m.Discard, m.Group)
	}

	entries, err := fs.jrnl.Replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("bcachefs: journal replay: %w", err)
	}
	if err := fs.replayEntries(entries); err != nil {
		return nil, fmt.Errorf("bcachefs: journal replay: %w", err)
	}

	fs.io = extentio.New(extentio.Config{
		Log: log, Tx: fs.tx, Alloc: fs.alloc, Devices: devs,
		Extents: fs.btrees[btree.IDExtents], Inodes: fs.btrees[btree.IDInodes],
	})
	fs.xattrs = xattr.New(xattr.Config{Log: log, Tx: fs.tx, Xattrs: fs.btrees[btree.IDXattrs], Dirents: fs.btrees[btree.IDDirents]})
	fs.mgr = jobs.New(log)
	fs.mig = migrate.New(migrate.Config{
		Log: log, Tx: fs.tx, Alloc: fs.alloc, Devices: devs, Extents: fs.btrees[btree.IDExtents], IO: fs.io,
	})
	// fs.mig is built before fs.fsck so the checker can drive a real repair
	// (device evacuation's own rereplicate path) under PolicyYes instead of
	// only ever reporting findings.
	fs.fsck = fsck.New(fsck.Config{Log: log, Btrees: fs.btrees, Devs: devs, Ctype: ctype, Policy: fsck.PolicyAskNone, Repair: fs.mig})
	return fs, nil
}

// replayEntries re-applies every update carried by a replayed journal
// entry directly to its target B-tree's in-memory node, bypassing
// fs.tx/fs.jrnl entirely: these updates already reached the journal once
// (spec §4.4), so re-running them through transaction.Manager would
// re-append them under a fresh sequence number and double-journal them.
// Without this step a transaction that appended to the journal but whose
// dirty node was never evicted to disk before a crash would commit to the
// journal yet vanish from every B-tree on the next mount, since nothing
// else ever re-inserts the key (spec §4.4 "remaining entries are applied
// into the B-tree via ordinary transactions"; spec §8.1.2 crash atomicity).
func (fs *filesystem) replayEntries(entries []journal.Entry) error {
	for _, e := range entries {
		for _, u := range e.Updates {
			t, ok := fs.btrees[u.Btree]
			if !ok {
				return fmt.Errorf("replay: unknown btree %s", u.Btree)
			}
			path := t.IterInit(u.NewKey.Pos, btree.FlagIntent)
			if err := path.Lock(); err != nil {
				return fmt.Errorf("replay: lock %s at %s: %w", u.Btree, u.NewKey.Pos, err)
			}
			var applyErr error
			if u.NewKey.Val == nil {
				applyErr = t.Delete(path, u.NewKey.Pos)
			} else {
				applyErr = t.Update(path, u.NewKey)
			}
			path.Unlock()
			if applyErr != nil {
				return fmt.Errorf("replay: apply %s at %s: %w", u.Btree, u.NewKey.Pos, applyErr)
			}
		}
	}
	return nil
}

// journalOffsetSectors and journalNslots pick the same fixed journal
// layout `format` lays down (see newFormatCommand), so a filesystem opened
// by any other subcommand finds its journal at the offset format wrote it.
const (
	journalOffsetSectors = 2048
	journalNslots        = 256
)

func (fs *filesystem) close() error {
	var firstErr error
	for _, d := range fs.devs.devs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeSuperAll writes s to every member device, used after a mutation
// that changes the superblock (device add/remove/resize/set-state).
func (fs *filesystem) writeSuperAll(ctx context.Context, s *super.Super) error {
	for i := range s.Members {
		if err := fs.sup.WriteSuper(ctx, uint32(i), s); err != nil {
			return err
		}
	}
	return nil
}
