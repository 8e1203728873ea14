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

// Package alloc implements the per-device bucket allocator of spec §4.5:
// alloc/freespace/need_discard/lru B-trees, Allocate/Invalidate, the discard
// worker, copygc, and disk space reservations.
package alloc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/fserrors"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

// Target selects candidate devices for an allocation, either a single
// device or every device carrying a disk-group label (spec's "target:
// a compact encoded reference selecting either a device or a
// disk-group label").
type Target struct {
	Device int32 // -1 selects by Group instead
	Group  string
}

// WritePoint is a hashed slot selecting a currently open bucket per stream,
// so independent writers don't interleave into the same bucket
// (spec §4.6 step 3, GLOSSARY "Write point").
type WritePoint uint64

// Bucket identifies one allocation unit.
type Bucket struct {
	Device uint32
	Index  uint64
}

// Result is what Allocate hands back: the bucket opened plus its current
// generation, needed by callers constructing a NodePointer or extent
// pointer.
type Result struct {
	Bucket     Bucket
	Generation uint8
}

// deviceState is the per-device bookkeeping the allocator mutates under its
// own mutex (spec §5 "Allocator per-device state: one mutex per device").
type deviceState struct {
	mu           sync.Mutex
	nbuckets     uint64
	bucketSize   uint64 // sectors per bucket
	reservedSecs uint64 // capacity consumed by outstanding reservations
	supportsTrim bool
	group        string
}

// DeviceResolver resolves a registered device index to its block device,
// used by ReserveNode to hand internal/btree an actual blockdev.Device
// rather than just a bucket number.
type DeviceResolver interface {
	Device(idx uint32) (blockdev.Device, error)
}

// Allocator owns the alloc/freespace/need_discard/lru btrees for every
// device and runs the background discard and copygc workers.
type Allocator struct {
	log *zap.SugaredLogger
	tx  *transaction.Manager

	allocBtree       *btree.BTree
	freespaceBtree   *btree.BTree
	needDiscardBtree *btree.BTree
	lruBtree         *btree.BTree
	devs             DeviceResolver

	mu      sync.Mutex
	devices map[uint32]*deviceState
}

// Config bundles an Allocator's dependencies. The four btrees are expected
// to be registered under IDAlloc/IDFreespace/IDNeedDiscard/IDLRU with the
// same transaction.Manager.
type Config struct {
	Log              *zap.SugaredLogger
	Tx               *transaction.Manager
	AllocBtree       *btree.BTree
	FreespaceBtree   *btree.BTree
	NeedDiscardBtree *btree.BTree
	LRUBtree         *btree.BTree
	Devices          DeviceResolver
}

func New(cfg Config) *Allocator {
	return &Allocator{
		log:              cfg.Log,
		tx:               cfg.Tx,
		allocBtree:       cfg.AllocBtree,
		freespaceBtree:   cfg.FreespaceBtree,
		needDiscardBtree: cfg.NeedDiscardBtree,
		lruBtree:         cfg.LRUBtree,
		devs:             cfg.Devices,
		devices:          make(map[uint32]*deviceState),
	}
}

// AddDevice registers a device with the allocator, seeding its bucket
// count and size.
func (a *Allocator) AddDevice(idx uint32, nbuckets, bucketSizeSectors uint64, supportsTrim bool, group string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[idx] = &deviceState{nbuckets: nbuckets, bucketSize: bucketSizeSectors, supportsTrim: supportsTrim, group: group}
}

func freespacePos(device uint32, genBits uint8, offset uint64) bkey.Position {
	return bkey.Position{Inode: uint64(device), Offset: uint64(genBits)<<56 | offset}
}

func allocPos(device uint32, offset uint64) bkey.Position {
	return bkey.Position{Inode: uint64(device), Offset: offset}
}

// Allocate selects a candidate device matching target, draws the first
// available key from its freespace btree, and opens the bucket: transitions
// its alloc state to dirty and updates sector counters (spec §4.5
// "Allocate"). If no candidate device has free space, it triggers
// invalidation of the LRU-oldest cached bucket and retries once.
func (a *Allocator) Allocate(ctx context.Context, wp WritePoint, target Target, durability int) (Result, error) {
	candidates := a.candidateDevices(target)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("alloc: no devices match target: %w", fserrors.ErrNoSpace)
	}
	// Deterministic but stream-dependent ordering so independent write
	// points don't collide on the same first candidate (spec §4.6 step 3
	// "using a hashed selector").
	if r := int(uint64(wp) % uint64(len(candidates))); r > 0 {
		candidates = append(candidates[r:], candidates[:r]...)
	}

	var result Result
	var allocErr error
	for attempt := 0; attempt < 2; attempt++ {
		allocErr = a.tx.Run(ctx, func(tx *transaction.Tx) error {
			for _, dev := range candidates {
				b, gen, err := a.drawFreespace(tx, dev)
				if err != nil {
					continue
				}
				result = Result{Bucket: b, Generation: gen}
				return a.openBucket(tx, b, gen)
			}
			return fmt.Errorf("alloc: no free bucket on %d candidate device(s): %w", len(candidates), fserrors.ErrNoSpace)
		})
		if allocErr == nil {
			return result, nil
		}
		if attempt == 0 {
			if err := a.Invalidate(ctx); err != nil {
				a.log.Debugw("invalidate before retry failed", "err", err)
			}
		}
	}
	return Result{}, allocErr
}

func (a *Allocator) candidateDevices(target Target) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint32
	if target.Device >= 0 {
		if _, ok := a.devices[uint32(target.Device)]; ok {
			out = append(out, uint32(target.Device))
		}
		return out
	}
	for idx, st := range a.devices {
		if target.Group == "" || st.group == target.Group {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// drawFreespace pops the first freespace key for dev, returning the bucket
// it names and decoding its generation bits.
func (a *Allocator) drawFreespace(tx *transaction.Tx, dev uint32) (Bucket, uint8, error) {
	path := a.freespaceBtree.IterInit(bkey.Position{Inode: uint64(dev)}, btree.FlagIntent)
	k, ok := path.Peek()
	if !ok || k.Pos.Inode != uint64(dev) {
		return Bucket{}, 0, fmt.Errorf("alloc: device %d: %w", dev, fserrors.ErrNoSpace)
	}
	fv, _ := k.Val.(*bkey.FreespaceValue)
	offset := k.Pos.Offset & ((1 << 56) - 1)
	var genBits uint8
	if fv != nil {
		genBits = fv.GenBits
	} else {
		genBits = uint8(k.Pos.Offset >> 56)
	}
	tombstone := bkey.Key{Pos: k.Pos}
	if err := tx.Update(btree.IDFreespace, path, k, tombstone); err != nil {
		return Bucket{}, 0, err
	}
	return Bucket{Device: dev, Index: offset}, genBits, nil
}

// openBucket transitions a bucket's alloc record to dirty, recording it as
// open so a racing invalidation cannot steal it mid-allocation (spec §4.5
// "open the bucket ... Racing opens are prevented by a bucket is open
// predicate").
func (a *Allocator) openBucket(tx *transaction.Tx, b Bucket, gen uint8) error {
	pos := allocPos(b.Device, b.Index)
	path := a.allocBtree.IterInit(pos, btree.FlagIntent)
	old, _ := path.Peek()
	av := &bkey.AllocValue{Gen: gen, State: bkey.BucketDirty, Open: true}
	if ov, ok := old.Val.(*bkey.AllocValue); ok {
		av.DataType = ov.DataType
	}
	newKey := bkey.Key{Pos: pos, Type: bkey.TypeAllocBucket, Val: av}
	return tx.Update(btree.IDAlloc, path, old, newKey)
}

// Invalidate pops the LRU head, bumps its generation, zeroes sector counts,
// and marks it need_discard if the device supports TRIM (spec §4.5
// "Invalidate").
func (a *Allocator) Invalidate(ctx context.Context) error {
	return a.tx.Run(ctx, func(tx *transaction.Tx) error {
		path := a.lruBtree.IterInit(bkey.PosMin, btree.FlagIntent)
		k, ok := path.Peek()
		if !ok {
			return fmt.Errorf("alloc: lru empty: %w", fserrors.ErrNoSpace)
		}
		lv, _ := k.Val.(*bkey.LRUValue)
		dev := uint32(0)
		if lv != nil {
			dev = lv.Device
		}
		bucketIdx := k.Pos.Offset
		tombstone := bkey.Key{Pos: k.Pos}
		if err := tx.Update(btree.IDLRU, path, k, tombstone); err != nil {
			return err
		}

		allocPath := a.allocBtree.IterInit(allocPos(dev, bucketIdx), btree.FlagIntent)
		old, ok := allocPath.Peek()
		if !ok {
			return fmt.Errorf("alloc: lru referenced unknown bucket %d/%d", dev, bucketIdx)
		}
		ov, _ := old.Val.(*bkey.AllocValue)
		if ov != nil && ov.Open {
			return fmt.Errorf("alloc: bucket %d/%d is open, cannot invalidate", dev, bucketIdx)
		}

		a.mu.Lock()
		st := a.devices[dev]
		a.mu.Unlock()

		nv := &bkey.AllocValue{}
		if ov != nil {
			*nv = *ov
		}
		nv.Gen++
		nv.DirtySectors = 0
		nv.CachedSectors = 0
		nv.State = bkey.BucketFree
		if st != nil && st.supportsTrim {
			nv.State = bkey.BucketNeedDiscard
			nv.Flags |= bkey.FlagNeedDiscard
		}
		newKey := bkey.Key{Pos: old.Pos, Type: bkey.TypeAllocBucket, Val: nv}
		if err := tx.Update(btree.IDAlloc, allocPath, old, newKey); err != nil {
			return err
		}

		if nv.State == bkey.BucketNeedDiscard {
			ndPath := a.needDiscardBtree.IterInit(old.Pos, btree.FlagIntent)
			ndKey := bkey.Key{Pos: old.Pos, Type: bkey.TypeNeedDiscard, Val: &bkey.NeedDiscardValue{Device: dev}}
			return tx.Update(btree.IDNeedDiscard, ndPath, bkey.Key{}, ndKey)
		}
		fsPath := a.freespaceBtree.IterInit(freespacePos(dev, nv.Gen, bucketIdx), btree.FlagIntent)
		fsKey := bkey.Key{Pos: freespacePos(dev, nv.Gen, bucketIdx), Type: bkey.TypeFreespace, Val: &bkey.FreespaceValue{Device: dev, GenBits: nv.Gen}}
		return tx.Update(btree.IDFreespace, fsPath, bkey.Key{}, fsKey)
	})
}

// DiscardWorker periodically drains the need_discard btree, issuing device
// discards for buckets whose journal sequence is durable, then transitions
// them to free (spec §4.5 "Discard worker"). It runs until ctx is
// cancelled, per spec §5 "background workers check a running flag between
// iterations and exit cleanly on filesystem stop".
func (a *Allocator) DiscardWorker(ctx context.Context, devs Devices, interval func() <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interval():
		}
		if err := a.drainNeedDiscard(ctx, devs); err != nil {
			a.log.Warnw("discard worker iteration failed", "err", err)
		}
	}
}

// Devices resolves a device index to issue discards against.
type Devices interface {
	DiscardBucket(ctx context.Context, device uint32, bucketIdx, bucketSize uint64) error
}

func (a *Allocator) drainNeedDiscard(ctx context.Context, devs Devices) error {
	return a.tx.Run(ctx, func(tx *transaction.Tx) error {
		path := a.needDiscardBtree.IterInit(bkey.PosMin, btree.FlagIntent)
		for {
			k, ok := path.Peek()
			if !ok {
				return nil
			}
			dv, _ := k.Val.(*bkey.NeedDiscardValue)
			dev := uint32(0)
			if dv != nil {
				dev = dv.Device
			}
			a.mu.Lock()
			st := a.devices[dev]
			a.mu.Unlock()
			if st != nil {
				if err := devs.DiscardBucket(ctx, dev, k.Pos.Offset, st.bucketSize); err != nil {
					return err
				}
			}
			tombstone := bkey.Key{Pos: k.Pos}
			if err := tx.Update(btree.IDNeedDiscard, path, k, tombstone); err != nil {
				return err
			}

			allocPath := a.allocBtree.IterInit(allocPos(dev, k.Pos.Offset), btree.FlagIntent)
			old, ok := allocPath.Peek()
			if ok {
				ov, _ := old.Val.(*bkey.AllocValue)
				nv := &bkey.AllocValue{}
				if ov != nil {
					*nv = *ov
				}
				nv.State = bkey.BucketFree
				nv.Flags &^= bkey.FlagNeedDiscard
				newKey := bkey.Key{Pos: old.Pos, Type: bkey.TypeAllocBucket, Val: nv}
				if err := tx.Update(btree.IDAlloc, allocPath, old, newKey); err != nil {
					return err
				}
				fsPath := a.freespaceBtree.IterInit(freespacePos(dev, nv.Gen, k.Pos.Offset), btree.FlagIntent)
				fsKey := bkey.Key{Pos: freespacePos(dev, nv.Gen, k.Pos.Offset), Type: bkey.TypeFreespace, Val: &bkey.FreespaceValue{Device: dev, GenBits: nv.Gen}}
				if err := tx.Update(btree.IDFreespace, fsPath, bkey.Key{}, fsKey); err != nil {
					return err
				}
			}
			path.Next()
		}
	})
}

// FragmentationThreshold is the default copygc trigger (spec §4.5 "when
// fragmentation exceeds a threshold"); expressed as the fraction of a
// bucket's sectors that are stale (cached-but-unreferenced or discarded).
const FragmentationThreshold = 0.5

// Copygc rewrites partially-used buckets whose live fraction is below
// 1-FragmentationThreshold into fresh buckets, recovering the wasted space
// (spec §4.5 "Copygc"). rewrite is supplied by the extent I/O layer, which
// knows how to relocate live data out of a bucket.
func (a *Allocator) Copygc(ctx context.Context, rewrite func(ctx context.Context, b Bucket) error) error {
	a.mu.Lock()
	devIdx := make([]uint32, 0, len(a.devices))
	for idx := range a.devices {
		devIdx = append(devIdx, idx)
	}
	a.mu.Unlock()
	sort.Slice(devIdx, func(i, j int) bool { return devIdx[i] < devIdx[j] })

	for _, dev := range devIdx {
		path := a.allocBtree.IterInit(bkey.Position{Inode: uint64(dev)}, btree.FlagIntent)
		for {
			k, ok := path.Peek()
			if !ok || k.Pos.Inode != uint64(dev) {
				break
			}
			av, _ := k.Val.(*bkey.AllocValue)
			if av != nil && av.State == bkey.BucketDirty {
				a.mu.Lock()
				st := a.devices[dev]
				a.mu.Unlock()
				if st != nil && st.bucketSize > 0 {
					live := float64(av.DirtySectors) / float64(st.bucketSize)
					if live < 1-FragmentationThreshold {
						if err := rewrite(ctx, Bucket{Device: dev, Index: k.Pos.Offset}); err != nil {
							return err
						}
					}
				}
			}
			path.Next()
		}
	}
	return nil
}

// Reservation is an outstanding disk_reservation_get grant; callers must
// call Done on success or Cancel on failure/abandonment so sectors are
// returned to the capacity counter.
type Reservation struct {
	a        *Allocator
	sectors  uint64
	replicas int
	done     bool
}

// DiskReservationGet decrements a capacity counter protected by a lock
// (spec §4.5 "Reservations"). The reservation is refunded via Cancel on
// failure or a cancelled write.
func (a *Allocator) DiskReservationGet(sectors uint64, replicas int) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	required := sectors * uint64(replicas)
	var avail uint64
	for _, st := range a.devices {
		st.mu.Lock()
		avail += st.nbuckets*st.bucketSize - st.reservedSecs
		st.mu.Unlock()
	}
	if required > avail {
		return nil, fmt.Errorf("alloc: reservation of %d sectors x%d replicas exceeds available %d: %w", sectors, replicas, avail, fserrors.ErrNoSpace)
	}
	remaining := required
	for _, st := range a.devices {
		if remaining == 0 {
			break
		}
		st.mu.Lock()
		free := st.nbuckets*st.bucketSize - st.reservedSecs
		take := remaining
		if take > free {
			take = free
		}
		st.reservedSecs += take
		st.mu.Unlock()
		remaining -= take
	}
	return &Reservation{a: a, sectors: sectors, replicas: replicas}, nil
}

// Cancel refunds the reservation's sectors to the capacity counter.
func (r *Reservation) Cancel() {
	if r.done {
		return
	}
	r.done = true
	required := r.sectors * uint64(r.replicas)
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	remaining := required
	for _, st := range r.a.devices {
		if remaining == 0 {
			break
		}
		st.mu.Lock()
		refund := remaining
		if refund > st.reservedSecs {
			refund = st.reservedSecs
		}
		st.reservedSecs -= refund
		st.mu.Unlock()
		remaining -= refund
	}
}

// FreespaceInit scans the alloc btree once and populates the freespace and
// need_discard indices, run on first mount after a format upgrade
// (spec §4.5 "Freespace-init").
func (a *Allocator) FreespaceInit(ctx context.Context) error {
	return a.tx.Run(ctx, func(tx *transaction.Tx) error {
		path := a.allocBtree.IterInit(bkey.PosMin, btree.FlagIntent)
		for {
			k, ok := path.Peek()
			if !ok {
				return nil
			}
			av, _ := k.Val.(*bkey.AllocValue)
			if av != nil {
				dev := uint32(k.Pos.Inode)
				switch av.State {
				case bkey.BucketFree:
					fsPath := a.freespaceBtree.IterInit(freespacePos(dev, av.Gen, k.Pos.Offset), btree.FlagIntent)
					fsKey := bkey.Key{Pos: freespacePos(dev, av.Gen, k.Pos.Offset), Type: bkey.TypeFreespace, Val: &bkey.FreespaceValue{Device: dev, GenBits: av.Gen}}
					if err := tx.Update(btree.IDFreespace, fsPath, bkey.Key{}, fsKey); err != nil {
						return err
					}
				case bkey.BucketNeedDiscard:
					ndPath := a.needDiscardBtree.IterInit(k.Pos, btree.FlagIntent)
					ndKey := bkey.Key{Pos: k.Pos, Type: bkey.TypeNeedDiscard, Val: &bkey.NeedDiscardValue{Device: dev}}
					if err := tx.Update(btree.IDNeedDiscard, ndPath, bkey.Key{}, ndKey); err != nil {
						return err
					}
				}
			}
			path.Next()
		}
	})
}

// ReserveNode allocates one bucket per replica across distinct devices,
// satisfying internal/btree.NodeAllocator so WriteNode can place a new
// node without internal/btree importing this package (see the note on
// NodeAllocator in internal/btree/btree.go). Target{-1, ""} considers
// every registered device a candidate, same as a plain metadata write.
func (a *Allocator) ReserveNode(ctx context.Context, replicas int) ([]blockdev.Device, []uint64, error) {
	devs := make([]blockdev.Device, 0, replicas)
	offsets := make([]uint64, 0, replicas)
	used := make(map[uint32]bool, replicas)
	for i := 0; i < replicas; i++ {
		res, err := a.Allocate(ctx, WritePoint(i), Target{Device: -1}, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("alloc: reserve node replica %d/%d: %w", i+1, replicas, err)
		}
		if used[res.Bucket.Device] {
			// Retry once against a different device so two replicas of the
			// same node never land on the same device (spec §4.2's COW
			// B-tree node replicas must be on distinct devices).
			res, err = a.Allocate(ctx, WritePoint(i+1), Target{Device: -1}, 1)
			if err != nil {
				return nil, nil, fmt.Errorf("alloc: reserve node replica %d/%d: %w", i+1, replicas, err)
			}
		}
		used[res.Bucket.Device] = true
		if a.devs == nil {
			return nil, nil, fmt.Errorf("alloc: no device resolver configured")
		}
		dev, err := a.devs.Device(res.Bucket.Device)
		if err != nil {
			return nil, nil, err
		}
		devs = append(devs, dev)
		offsets = append(offsets, res.Bucket.Index*blockdev.SectorSize)
	}
	return devs, offsets, nil
}

// SeedFreespace writes one freespace key per bucket [0, nbuckets) on dev at
// generation 0, used by `format` immediately after writing the superblock
// so a freshly-created filesystem has an allocatable freespace index
// without needing an alloc-btree record per bucket (spec §4.5 "a bucket
// absent from the alloc btree is implicitly free; freespace keys make that
// explicit and fast to scan").
func (a *Allocator) SeedFreespace(ctx context.Context, dev uint32, nbuckets uint64) error {
	return a.tx.Run(ctx, func(tx *transaction.Tx) error {
		for off := uint64(0); off < nbuckets; off++ {
			pos := freespacePos(dev, 0, off)
			path := a.freespaceBtree.IterInit(pos, btree.FlagIntent)
			key := bkey.Key{Pos: pos, Type: bkey.TypeFreespace, Val: &bkey.FreespaceValue{Device: dev, GenBits: 0}}
			if err := tx.Update(btree.IDFreespace, path, bkey.Key{}, key); err != nil {
				return err
			}
		}
		return nil
	})
}
