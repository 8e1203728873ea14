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

// Package super implements the superblock manager of spec §4.1: read/write
// of the redundant, checksummed superblock record, member table and
// disk-group tree maintenance, and target-string parsing. Layout and field
// ordering follow the struct-tag binary records used throughout the
// btrfs-progs-ng port consulted during design (see SPEC_FULL.md §0), here
// expressed as explicit Parse/Put methods in the style already used by
// internal/bkey.
package super

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/crypt"
	"blichmann.eu/code/bcachefs/internal/fserrors"
	"blichmann.eu/code/bcachefs/internal/uuid"
)

// Magic identifies a bcachefs-style superblock sector.
const Magic = 0xc68573f6_66ca0500

// SuperInfoOffsetSector is the primary superblock sector (spec §6.1
// "Superblock magic at byte offset 4096 per device" = sector 8 at 512-byte
// sectors). LayoutOffsetSector names sector 7, one sector earlier, but
// nothing reads or writes that sector: the Layout is encoded inside the
// superblock record itself and carries no magic of its own.
const (
	SuperInfoOffsetSector = 4096 / blockdev.SectorSize
	LayoutOffsetSector    = 7
	MaxLayoutOffsets      = 61
)

// DeviceState is one member's current availability (spec invariant 7).
type DeviceState uint8

const (
	StateRW DeviceState = iota
	StateRO
	StateFailed
	StateSpare
)

func (s DeviceState) String() string {
	switch s {
	case StateRW:
		return "rw"
	case StateRO:
		return "ro"
	case StateFailed:
		return "failed"
	case StateSpare:
		return "spare"
	default:
		return fmt.Sprintf("super.DeviceState(%d)", uint8(s))
	}
}

// DataAllowed is a bitmask of the kinds of data a member may hold
// (spec §9 option data_allowed).
type DataAllowed uint8

const (
	AllowJournal DataAllowed = 1 << iota
	AllowBtree
	AllowUser
	AllowCached
	AllowParity
)

// FeatureBits enumerates optional on-disk features a reader must
// understand to mount, generalizing the btrfs-progs-ng IncompatFlags
// bitset and its name-table String().
type FeatureBits uint64

const (
	FeatureExtentErasureCoding FeatureBits = 1 << iota
	FeatureEncryption
	FeatureReflink
)

func (f FeatureBits) String() string {
	names := []struct {
		bit  FeatureBits
		name string
	}{
		{FeatureExtentErasureCoding, "erasure_coding"},
		{FeatureEncryption, "encryption"},
		{FeatureReflink, "reflink"},
	}
	var parts []string
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Member is one device's entry in the superblock member table
// (spec §3.1 Superblock "member table").
type Member struct {
	UUID        uuid.UUID
	NBuckets    uint64
	BucketSize  uint64
	Discard     bool
	DataAllowed DataAllowed
	Durability  uint8
	Group       string // dotted label, e.g. "ssd.fast"
	State       DeviceState
}

// Layout is the redundant-offset sub-record: up to MaxLayoutOffsets sector
// offsets where a copy of the superblock is written, plus the largest
// size-class the device supports (spec §6.1 "Superblock layout record").
type Layout struct {
	MaxSizeBits uint8
	Offsets     []uint64
}

func (l *Layout) Parse(b *bkey.ParseBuffer) {
	l.MaxSizeBits = b.NextUint8()
	n := int(b.NextUint8())
	if n > MaxLayoutOffsets {
		n = MaxLayoutOffsets
	}
	l.Offsets = make([]uint64, n)
	for i := range l.Offsets {
		l.Offsets[i] = b.NextUint64()
	}
}

func (l *Layout) Put(b *bkey.PutBuffer) {
	b.PutUint8(l.MaxSizeBits)
	b.PutUint8(uint8(len(l.Offsets)))
	for _, o := range l.Offsets {
		b.PutUint64(o)
	}
}

// DiskGroup is one node of the nested disk-group label tree
// (spec §4.1 "group assignment may create new nested groups; labels form a
// dotted hierarchy; a.b.c implies parents a.b and a").
type DiskGroup struct {
	Label    string
	Children map[string]*DiskGroup
}

func newDiskGroup(label string) *DiskGroup {
	return &DiskGroup{Label: label, Children: make(map[string]*DiskGroup)}
}

// EnsurePath walks (creating as needed) every ancestor named by a dotted
// label, returning the leaf node, mirroring disk_path_find_or_create.
func (g *DiskGroup) EnsurePath(label string) *DiskGroup {
	cur := g
	var prefix []string
	for _, part := range strings.Split(label, ".") {
		prefix = append(prefix, part)
		child, ok := cur.Children[part]
		if !ok {
			child = newDiskGroup(strings.Join(prefix, "."))
			cur.Children[part] = child
		}
		cur = child
	}
	return cur
}

// Super is the in-memory decoded superblock: everything spec §3.1 names.
type Super struct {
	ExternalUUID uuid.UUID
	InternalUUID uuid.UUID
	BlockSize    uint32
	Members      []Member
	Root         *DiskGroup
	Features     FeatureBits
	WrappedKey   *crypt.WrappedKey // nil if encryption is disabled
	Layout       Layout

	ForegroundTarget string
	BackgroundTarget string
	PromoteTarget    string
	MetadataTarget   string
}

func newSuper() *Super {
	return &Super{InternalUUID: uuid.New(), Root: newDiskGroup(""), Layout: Layout{MaxSizeBits: 63}}
}

func (s *Super) encode() []byte {
	var b bkey.PutBuffer
	b.PutUint64(Magic)
	s.ExternalUUID.PutTo(appendScratch(&b, 16))
	s.InternalUUID.PutTo(appendScratch(&b, 16))
	b.PutUint32(s.BlockSize)
	b.PutUint64(uint64(s.Features))
	b.PutUint32(uint32(len(s.Members)))
	for _, m := range s.Members {
		m.UUID.PutTo(appendScratch(&b, 16))
		b.PutUint64(m.NBuckets)
		b.PutUint64(m.BucketSize)
		if m.Discard {
			b.PutUint8(1)
		} else {
			b.PutUint8(0)
		}
		b.PutUint8(uint8(m.DataAllowed))
		b.PutUint8(m.Durability)
		b.PutUint8(uint8(m.State))
		putString(&b, m.Group)
	}
	putString(&b, s.ForegroundTarget)
	putString(&b, s.BackgroundTarget)
	putString(&b, s.PromoteTarget)
	putString(&b, s.MetadataTarget)
	s.Layout.Put(&b)
	return b.Bytes()
}

// appendScratch grows b by n bytes via PutBytes and returns a slice the
// caller can fill in place, used for the fixed-width UUID fields.
func appendScratch(b *bkey.PutBuffer, n int) []byte {
	scratch := make([]byte, n)
	b.PutBytes(scratch)
	return b.Bytes()[len(b.Bytes())-n:]
}

func putString(b *bkey.PutBuffer, s string) {
	b.PutUint16(uint16(len(s)))
	b.PutBytes([]byte(s))
}

func getString(p *bkey.ParseBuffer) string {
	n := int(p.NextUint16())
	return string(p.Next(n))
}

func decodeSuper(buf []byte) (*Super, error) {
	p := bkey.NewParseBuffer(buf)
	magic := p.NextUint64()
	if magic != Magic {
		return nil, fserrors.ErrBadMagic
	}
	s := newSuper()
	copy(s.ExternalUUID[:], p.Next(16))
	copy(s.InternalUUID[:], p.Next(16))
	s.BlockSize = p.NextUint32()
	s.Features = FeatureBits(p.NextUint64())
	n := p.NextUint32()
	const maxMembers = 4096
	if n > maxMembers {
		n = maxMembers
	}
	s.Members = make([]Member, n)
	for i := range s.Members {
		m := &s.Members[i]
		copy(m.UUID[:], p.Next(16))
		m.NBuckets = p.NextUint64()
		m.BucketSize = p.NextUint64()
		m.Discard = p.NextUint8() != 0
		m.DataAllowed = DataAllowed(p.NextUint8())
		m.Durability = p.NextUint8()
		m.State = DeviceState(p.NextUint8())
		m.Group = getString(p)
		if m.Group != "" {
			s.Root.EnsurePath(m.Group)
		}
	}
	s.ForegroundTarget = getString(p)
	s.BackgroundTarget = getString(p)
	s.PromoteTarget = getString(p)
	s.MetadataTarget = getString(p)
	s.Layout.Parse(p)
	return s, nil
}

// Handle is an open filesystem's superblock manager, holding the current
// Super and the device set used for I/O.
type Handle struct {
	log   *zap.SugaredLogger
	devs  Devices
	ctype checksum.Type
	cur   *Super
}

// Devices resolves a device index for superblock I/O.
type Devices interface {
	Device(idx uint32) (blockdev.Device, error)
	Count() int
}

// Open constructs a Handle bound to devs, ready for ReadSuper.
func Open(log *zap.SugaredLogger, devs Devices, ctype checksum.Type) *Handle {
	return &Handle{log: log, devs: devs, ctype: ctype}
}

// ReadSuper reads device idx's primary superblock, falling back to the
// backup copy at device end if the primary is corrupt (spec §4.1 "Failure
// semantics").
func (h *Handle) ReadSuper(ctx context.Context, idx uint32) (*Super, error) {
	dev, err := h.devs.Device(idx)
	if err != nil {
		return nil, err
	}
	s, err := h.readAt(ctx, dev, SuperInfoOffsetSector)
	if err == nil {
		h.cur = s
		return s, nil
	}
	h.log.Warnw("primary superblock unreadable, trying backup", "device", idx, "err", err)
	backupSector := dev.Nsectors() - SuperInfoOffsetSector
	s, err2 := h.readAt(ctx, dev, backupSector)
	if err2 != nil {
		return nil, fmt.Errorf("super: device %d: both copies unreadable: primary=%v backup=%v", idx, err, err2)
	}
	h.cur = s
	return s, nil
}

func (h *Handle) readAt(ctx context.Context, dev blockdev.Device, sector uint64) (*Super, error) {
	const maxSuperSectors = 64
	buf := make([]byte, maxSuperSectors*blockdev.SectorSize)
	if err := dev.ReadAt(ctx, buf, sector); err != nil {
		return nil, err
	}
	var want [16]byte
	copy(want[:], buf[len(buf)-16:])
	payload := buf[:len(buf)-16]
	if err := checksum.Verify(h.ctype, payload, want); err != nil {
		return nil, err
	}
	return decodeSuper(payload)
}

// WriteSuper recomputes the checksum last and writes every replica offset
// declared in the layout, flushing afterward (spec §4.1 "Superblock write").
func (h *Handle) WriteSuper(ctx context.Context, idx uint32, s *Super) error {
	dev, err := h.devs.Device(idx)
	if err != nil {
		return err
	}
	raw := s.encode()
	const maxSuperSectors = 64
	frame := make([]byte, maxSuperSectors*blockdev.SectorSize)
	copy(frame, raw)
	sum, err := checksum.Sum(h.ctype, frame[:len(frame)-16])
	if err != nil {
		return err
	}
	copy(frame[len(frame)-16:], sum[:])

	offsets := append([]uint64{SuperInfoOffsetSector}, s.Layout.Offsets...)
	offsets = append(offsets, dev.Nsectors()-SuperInfoOffsetSector)
	for _, off := range offsets {
		if err := dev.WriteAt(ctx, frame, off); err != nil {
			return fmt.Errorf("super: write replica at sector %d: %w", off, err)
		}
	}
	if err := dev.Flush(ctx); err != nil {
		return err
	}
	h.cur = s
	return nil
}

// AddMember appends m to the member table, rejecting a duplicate UUID
// (spec §4.1 "member UUIDs must be unique").
func (h *Handle) AddMember(s *Super, m Member) error {
	for _, existing := range s.Members {
		if existing.UUID.Equal(m.UUID) {
			return fmt.Errorf("super: %w: member UUID %s already present", fserrors.ErrExist, m.UUID)
		}
	}
	if m.Group != "" {
		s.Root.EnsurePath(m.Group)
	}
	s.Members = append(s.Members, m)
	return nil
}

// RemoveMember deletes the member at idx.
func (h *Handle) RemoveMember(s *Super, idx int) error {
	if idx < 0 || idx >= len(s.Members) {
		return fmt.Errorf("super: %w: member index %d", fserrors.ErrNotFound, idx)
	}
	s.Members = append(s.Members[:idx], s.Members[idx+1:]...)
	return nil
}

// SetState transitions member idx's availability state.
func (h *Handle) SetState(s *Super, idx int, state DeviceState) error {
	if idx < 0 || idx >= len(s.Members) {
		return fmt.Errorf("super: %w: member index %d", fserrors.ErrNotFound, idx)
	}
	s.Members[idx].State = state
	return nil
}

// Resize updates member idx's bucket count, used by device resize and
// device-add growth paths.
func (h *Handle) Resize(s *Super, idx int, newNBuckets uint64) error {
	if idx < 0 || idx >= len(s.Members) {
		return fmt.Errorf("super: %w: member index %d", fserrors.ErrNotFound, idx)
	}
	s.Members[idx].NBuckets = newNBuckets
	return nil
}

// DiskPathFindOrCreate resolves (creating as needed) the disk-group node
// named by the dotted label.
func (h *Handle) DiskPathFindOrCreate(s *Super, label string) *DiskGroup {
	return s.Root.EnsurePath(label)
}

// TargetKind distinguishes what a parsed target string names.
type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetDevice
	TargetGroup
)

// Target is the parsed form of a target string: a kind plus a device index
// or a group label. No packed 32-bit encoding of it is implemented.
type Target struct {
	Kind  TargetKind
	Index uint32 // device index, or unused for TargetGroup
	Label string // group label, or unused for TargetDevice
}

// ParseTarget resolves a target string to either a device index (when it
// equals a member's full UUID string), a disk-group label (any other
// non-empty string), or TargetNone for an empty string (spec §4.1 "Target
// parsing"). UUID prefixes and numeric indices are not recognised.
func ParseTarget(s *Super, str string) Target {
	if str == "" {
		return Target{Kind: TargetNone}
	}
	for i, m := range s.Members {
		if m.UUID.String() == str {
			return Target{Kind: TargetDevice, Index: uint32(i)}
		}
	}
	return Target{Kind: TargetGroup, Label: str}
}
