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

// Package migrate implements the bulk device-membership operations of spec
// §6.2/§6.3 that move data: `device evacuate` and the
// rereplicate pass that restores an extent's durability after a device is
// lost or degraded, using internal/extentio's erasure-coding helpers when
// an extent belongs to a stripe.
package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/alloc"
	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/extentio"
	"blichmann.eu/code/bcachefs/internal/jobs"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

// Devices resolves device indices for direct shard I/O during rereplicate.
type Devices interface {
	Device(idx uint32) (blockdev.Device, error)
}

// Driver runs bulk membership operations against one filesystem's extents
// btree, allocator, and device set.
type Driver struct {
	log     *zap.SugaredLogger
	tx      *transaction.Manager
	alloc   *alloc.Allocator
	devs    Devices
	extents *btree.BTree
	io      *extentio.IO
}

// Config bundles a Driver's dependencies.
type Config struct {
	Log     *zap.SugaredLogger
	Tx      *transaction.Manager
	Alloc   *alloc.Allocator
	Devices Devices
	Extents *btree.BTree
	IO      *extentio.IO
}

func New(cfg Config) *Driver {
	return &Driver{log: cfg.Log, tx: cfg.Tx, alloc: cfg.Alloc, devs: cfg.Devices, extents: cfg.Extents, io: cfg.IO}
}

// Rereplicate scans the extents btree for any extent with a pointer to
// lostDevice and restores its durability: for a replicated extent, it
// copies data from a surviving replica to a newly allocated bucket on
// another device; for an erasure-coded extent (StripeIdx != 0), it asks
// the caller-supplied stripe source for every surviving shard and
// reconstructs the lost one via internal/extentio.ReconstructStripe before
// writing it out to a fresh location.
func (d *Driver) Rereplicate(ctx context.Context, lostDevice uint32, stripeShards StripeSource, report func(jobs.Progress)) error {
	path := d.extents.IterInit(bkey.PosMin, btree.FlagIntent)
	var done, total uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		k, ok := path.Peek()
		if !ok {
			break
		}
		total++
		if ev, ok := k.Val.(*bkey.ExtentValue); ok {
			if affected(ev, lostDevice) {
				if err := d.rereplicateOne(ctx, k.Pos, ev, lostDevice, stripeShards); err != nil {
					return fmt.Errorf("migrate: rereplicate %s: %w", k.Pos, err)
				}
				done++
				if report != nil {
					report(jobs.Progress{Done: done, Total: total, Note: k.Pos.String()})
				}
			}
		}
		if _, ok := path.Next(); !ok {
			break
		}
	}
	return nil
}

func affected(ev *bkey.ExtentValue, dev uint32) bool {
	for _, p := range ev.Pointers {
		if p.Device == dev {
			return true
		}
	}
	return false
}

// StripeSource supplies the surviving shards of an erasure-coded stripe so
// Rereplicate can reconstruct the shard that lived on the lost device.
// nData/nParity identify the stripe's coding parameters; shards[i] is nil
// for any shard not yet known (including the one being reconstructed).
type StripeSource interface {
	Shards(ctx context.Context, stripeIdx uint32) (shards [][]byte, nData, nParity, size int, err error)
}

func (d *Driver) rereplicateOne(ctx context.Context, pos bkey.Position, ev *bkey.ExtentValue, lostDevice uint32, stripeShards StripeSource) error {
	if ev.StripeIdx != 0 && stripeShards != nil {
		return d.rereplicateStripe(ctx, pos, ev, lostDevice, stripeShards)
	}
	return d.rereplicateReplica(ctx, pos, ev, lostDevice)
}

// rereplicateReplica copies a surviving replica's bytes to a freshly
// allocated bucket on a different device and swaps the lost pointer for
// the new one, leaving every other pointer untouched.
func (d *Driver) rereplicateReplica(ctx context.Context, pos bkey.Position, ev *bkey.ExtentValue, lostDevice uint32) error {
	var src *bkey.ExtentPointer
	for i := range ev.Pointers {
		if ev.Pointers[i].Device != lostDevice {
			src = &ev.Pointers[i]
			break
		}
	}
	if src == nil {
		return fmt.Errorf("no surviving replica to copy from")
	}
	srcDev, err := d.devs.Device(src.Device)
	if err != nil {
		return err
	}
	buf := make([]byte, blockdev.SectorSize*((uint64(src.CompressedSize)+blockdev.SectorSize-1)/blockdev.SectorSize))
	if err := srcDev.ReadAt(ctx, buf, src.DiskOffset); err != nil {
		return fmt.Errorf("read surviving replica: %w", err)
	}

	res, err := d.alloc.Allocate(ctx, alloc.WritePoint(pos.Inode), alloc.Target{Device: -1}, 1)
	if err != nil {
		return fmt.Errorf("allocate replacement bucket: %w", err)
	}
	dstDev, err := d.devs.Device(res.Bucket.Device)
	if err != nil {
		return err
	}
	sector := res.Bucket.Index * blockdev.SectorSize
	if err := dstDev.WriteAt(ctx, buf, sector); err != nil {
		return fmt.Errorf("write replacement replica: %w", err)
	}

	return d.tx.Run(ctx, func(tx *transaction.Tx) error {
		extents := tx.Btree(btree.IDExtents)
		path := extents.IterInit(pos, btree.FlagIntent)
		live, ok := path.Peek()
		if !ok {
			return fmt.Errorf("extent disappeared during rereplicate")
		}
		newVal := live.Val.(*bkey.ExtentValue).Clone().(*bkey.ExtentValue)
		for i := range newVal.Pointers {
			if newVal.Pointers[i].Device == lostDevice {
				newVal.Pointers[i] = bkey.ExtentPointer{
					Device: res.Bucket.Device, DiskOffset: sector,
					Generation: uint64(res.Generation), Checksum: src.Checksum,
					CompressedSize: src.CompressedSize, UncompressedSize: src.UncompressedSize,
					Durability: src.Durability,
				}
			}
		}
		newKey := bkey.Key{Pos: pos, Type: bkey.TypeExtent, Val: newVal}
		return tx.Update(btree.IDExtents, path, live, newKey)
	})
}

// rereplicateStripe reconstructs the shard that lived on lostDevice from
// its stripe siblings and writes it to a freshly allocated bucket,
// grounded on internal/extentio/stripe.go's erasure-coding helpers.
func (d *Driver) rereplicateStripe(ctx context.Context, pos bkey.Position, ev *bkey.ExtentValue, lostDevice uint32, src StripeSource) error {
	shards, nData, nParity, size, err := src.Shards(ctx, ev.StripeIdx)
	if err != nil {
		return fmt.Errorf("fetch stripe shards: %w", err)
	}
	rebuilt, err := extentio.ReconstructStripe(shards, nData, nParity, size)
	if err != nil {
		return fmt.Errorf("reconstruct stripe %d: %w", ev.StripeIdx, err)
	}

	res, err := d.alloc.Allocate(ctx, alloc.WritePoint(pos.Inode), alloc.Target{Device: -1}, 1)
	if err != nil {
		return fmt.Errorf("allocate replacement bucket: %w", err)
	}
	dstDev, err := d.devs.Device(res.Bucket.Device)
	if err != nil {
		return err
	}
	sector := res.Bucket.Index * blockdev.SectorSize
	if err := dstDev.WriteAt(ctx, rebuilt, sector); err != nil {
		return fmt.Errorf("write reconstructed shard: %w", err)
	}

	return d.tx.Run(ctx, func(tx *transaction.Tx) error {
		extents := tx.Btree(btree.IDExtents)
		path := extents.IterInit(pos, btree.FlagIntent)
		live, ok := path.Peek()
		if !ok {
			return fmt.Errorf("extent disappeared during rereplicate")
		}
		newVal := live.Val.(*bkey.ExtentValue).Clone().(*bkey.ExtentValue)
		for i := range newVal.Pointers {
			if newVal.Pointers[i].Device == lostDevice {
				newVal.Pointers[i].Device = res.Bucket.Device
				newVal.Pointers[i].DiskOffset = sector
				newVal.Pointers[i].Generation = uint64(res.Generation)
			}
		}
		newKey := bkey.Key{Pos: pos, Type: bkey.TypeExtent, Val: newVal}
		return tx.Update(btree.IDExtents, path, live, newKey)
	})
}

// RereplicateExtent repairs a single extent's pointer to lostDevice,
// reusing the same copy-or-reconstruct logic Rereplicate applies across a
// whole evacuated device. This is the granularity internal/fsck's
// PolicyYes repair needs: one finding, one extent, not a full btree scan.
func (d *Driver) RereplicateExtent(ctx context.Context, pos bkey.Position, ev *bkey.ExtentValue, lostDevice uint32, stripeShards StripeSource) error {
	return d.rereplicateOne(ctx, pos, ev, lostDevice, stripeShards)
}

// Evacuate rereplicates every extent on dev to other devices, then returns
// once none remain, the bulk operation backing `device evacuate`
// (spec §6.3) ahead of a `device remove`.
func (d *Driver) Evacuate(ctx context.Context, dev uint32, stripeShards StripeSource, report func(jobs.Progress)) error {
	return d.Rereplicate(ctx, dev, stripeShards, report)
}
