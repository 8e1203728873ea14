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

// Package journal implements the append-only journal ring of spec §4.4: a
// sequence of entries spread across one or more journal buckets per device,
// replayed at mount to bring B-tree nodes up to date after a crash.
package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/fserrors"
)

// UpdateRecord is one staged B-tree mutation carried by a journal entry
// (spec §4.3 "each update records (btree_id, old_key_snapshot, new_key)").
type UpdateRecord struct {
	Btree  btree.ID
	OldKey bkey.Key // zero Key{} if this is an insert of a previously-absent key
	NewKey bkey.Key
}

// Entry is one journal record: a sequence number, the last-stable sequence
// known at the time it was written, an optional flush barrier flag, and the
// update set it carries (spec §4.4).
type Entry struct {
	Seq           uint64
	LastStableSeq uint64
	Flush         bool
	Updates       []UpdateRecord
}

func (e Entry) encode() []byte {
	var b bkey.PutBuffer
	b.PutUint64(e.Seq)
	b.PutUint64(e.LastStableSeq)
	if e.Flush {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
	b.PutUint32(uint32(len(e.Updates)))
	for _, u := range e.Updates {
		b.PutUint8(uint8(u.Btree))
		if u.OldKey.Val != nil {
			b.PutUint8(1)
			bkey.PutKey(&b, u.OldKey)
		} else {
			b.PutUint8(0)
		}
		bkey.PutKey(&b, u.NewKey)
	}
	return b.Bytes()
}

func decodeEntry(buf []byte) (Entry, int, error) {
	b := bkey.NewParseBuffer(buf)
	var e Entry
	e.Seq = b.NextUint64()
	e.LastStableSeq = b.NextUint64()
	e.Flush = b.NextUint8() != 0
	count := b.NextUint32()
	const maxUpdates = 1 << 16 // clamp against a corrupted count
	if count > maxUpdates {
		count = maxUpdates
	}
	e.Updates = make([]UpdateRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		btreeID := btree.ID(b.NextUint8())
		var oldKey bkey.Key
		if b.NextUint8() != 0 {
			var err error
			oldKey, err = bkey.ParseKey(b)
			if err != nil {
				return e, 0, err
			}
		}
		newKey, err := bkey.ParseKey(b)
		if err != nil {
			return e, 0, err
		}
		e.Updates = append(e.Updates, UpdateRecord{Btree: btreeID, OldKey: oldKey, NewKey: newKey})
	}
	return e, b.Offset(), nil
}

// entrySlotSize bounds how much space one entry may occupy in a bucket; an
// entry exceeding it is rejected by Append rather than silently truncated.
const entrySlotSize = 4096

// Bucket is one journal bucket on one device: a ring of fixed-size slots
// starting at Offset, holding Nslots entries before wrapping.
type Bucket struct {
	Device uint32
	Offset uint64
	Nslots uint64
}

// Journal is the append-only ring across every configured bucket,
// replicated to the metadata replica count (spec §4.4 "Writes are
// replicated to the metadata replica count").
type Journal struct {
	log     *zap.SugaredLogger
	devs    Devices
	buckets []Bucket
	ctype   checksum.Type
	nreplic int

	mu        sync.Mutex
	nextSeq   uint64
	nextSlot  uint64
	blacklist map[uint64]bool
}

// Devices resolves a device index for journal I/O.
type Devices interface {
	Device(idx uint32) (blockdev.Device, error)
}

// Config bundles a Journal's dependencies.
type Config struct {
	Log              *zap.SugaredLogger
	Devices          Devices
	Buckets          []Bucket
	ChecksumType     checksum.Type
	MetadataReplicas int
}

// New constructs a Journal ready to Append, starting sequence numbers at 1.
func New(cfg Config) *Journal {
	return &Journal{
		log:       cfg.Log,
		devs:      cfg.Devices,
		buckets:   cfg.Buckets,
		ctype:     cfg.ChecksumType,
		nreplic:   cfg.MetadataReplicas,
		nextSeq:   1,
		blacklist: make(map[uint64]bool),
	}
}

// Blacklist quarantines seq so Replay skips it (spec §4.4 "sequences within
// a persisted blacklist set are skipped, used to quarantine known-bad
// ranges from failed writes").
func (j *Journal) Blacklist(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blacklist[seq] = true
}

// Reserve blocks until there is a free slot for a new entry, implementing
// the backpressure contract of spec §4.4: "when free journal space falls
// below a threshold, new reservations block until the journal reclaims
// space by flushing the oldest dirty B-tree nodes." reclaim is invoked
// synchronously by the caller (internal/transaction, which owns the node
// cache's flush path) when capacity is exhausted.
func (j *Journal) Reserve(ctx context.Context, reclaim func(ctx context.Context) error) (uint64, error) {
	j.mu.Lock()
	seq := j.nextSeq
	full := len(j.buckets) == 0 || j.nextSlot >= j.totalSlots()
	j.mu.Unlock()
	if full {
		if reclaim == nil {
			return 0, fmt.Errorf("journal: %w", fserrors.ErrNoSpace)
		}
		if err := reclaim(ctx); err != nil {
			return 0, err
		}
		j.mu.Lock()
		j.nextSlot = 0
		j.mu.Unlock()
	}
	return seq, nil
}

func (j *Journal) totalSlots() uint64 {
	var total uint64
	for _, b := range j.buckets {
		total += b.Nslots
	}
	return total
}

// Append writes entry (with Seq == seq from a prior Reserve) to the next
// slot on every replica device, per the metadata replica count (spec §4.4).
func (j *Journal) Append(ctx context.Context, seq uint64, updates []UpdateRecord, flush bool) error {
	if len(j.buckets) == 0 {
		return fmt.Errorf("journal: no buckets configured: %w", fserrors.ErrNoSpace)
	}
	j.mu.Lock()
	slot := j.nextSlot
	j.nextSlot++
	if seq >= j.nextSeq {
		j.nextSeq = seq + 1
	}
	lastStable := j.nextSeq - 1
	j.mu.Unlock()

	e := Entry{Seq: seq, LastStableSeq: lastStable, Flush: flush, Updates: updates}
	raw := e.encode()
	if len(raw) > entrySlotSize-16 {
		return fmt.Errorf("journal: entry %d too large (%d > %d)", seq, len(raw), entrySlotSize-16)
	}
	sum, err := checksum.Sum(j.ctype, raw)
	if err != nil {
		return err
	}
	frame := make([]byte, entrySlotSize)
	copy(frame, raw)
	copy(frame[entrySlotSize-16:], sum[:])

	replicas := j.nreplic
	if replicas <= 0 {
		replicas = 1
	}
	if replicas > len(j.buckets) {
		replicas = len(j.buckets)
	}
	for i := 0; i < replicas; i++ {
		bucket := j.buckets[i]
		dev, err := j.devs.Device(bucket.Device)
		if err != nil {
			return err
		}
		off := bucket.Offset + (slot%bucket.Nslots)*(entrySlotSize/blockdev.SectorSize)
		if err := dev.WriteAt(ctx, frame, off); err != nil {
			return fmt.Errorf("journal: write entry %d replica %d: %w", seq, i, err)
		}
	}
	if flush {
		for i := 0; i < replicas; i++ {
			dev, err := j.devs.Device(j.buckets[i].Device)
			if err != nil {
				return err
			}
			if err := dev.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Replay scans every bucket, merges entries by sequence, drops blacklisted
// and checksum-corrupt entries, and returns the surviving entries in
// sequence order for replay into the B-tree (spec §4.4 "Replay: ... merged
// and re-ordered by sequence; sequences within a persisted blacklist set
// are skipped").
func (j *Journal) Replay(ctx context.Context) ([]Entry, error) {
	byseq := make(map[uint64]Entry)
	for _, bucket := range j.buckets {
		dev, err := j.devs.Device(bucket.Device)
		if err != nil {
			return nil, err
		}
		for slot := uint64(0); slot < bucket.Nslots; slot++ {
			off := bucket.Offset + slot*(entrySlotSize/blockdev.SectorSize)
			frame := make([]byte, entrySlotSize)
			if err := dev.ReadAt(ctx, frame, off); err != nil {
				return nil, err
			}
			var want [16]byte
			copy(want[:], frame[entrySlotSize-16:])
			payload := frame[:entrySlotSize-16]
			if err := checksum.Verify(j.ctype, payload, want); err != nil {
				continue // unwritten or torn slot; skip rather than fail mount
			}
			e, _, err := decodeEntry(payload)
			if err != nil {
				j.log.Warnw("skipping unparseable journal entry", "device", bucket.Device, "slot", slot, "err", err)
				continue
			}
			if e.Seq == 0 {
				continue
			}
			if existing, ok := byseq[e.Seq]; !ok || existing.LastStableSeq < e.LastStableSeq {
				byseq[e.Seq] = e
			}
		}
	}

	j.mu.Lock()
	blacklist := j.blacklist
	j.mu.Unlock()

	out := make([]Entry, 0, len(byseq))
	for seq, e := range byseq {
		if blacklist[seq] {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })

	j.mu.Lock()
	for _, e := range out {
		if e.Seq >= j.nextSeq {
			j.nextSeq = e.Seq + 1
		}
	}
	j.mu.Unlock()

	return out, nil
}
