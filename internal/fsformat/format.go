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

// Package fsformat implements the `format` driver: turning a set of raw
// block devices and an options.Set into a freshly-initialized filesystem,
// following zchee-go-qcow2's create.go path of materializing an on-disk
// header from parsed options plus fixed defaults.
package fsformat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/alloc"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/options"
	"blichmann.eu/code/bcachefs/internal/super"
	"blichmann.eu/code/bcachefs/internal/uuid"
)

// DeviceSpec names one member device to format, plus its format-scoped
// per-device overrides (spec §6.3 `format [-g group] [--durability] dev...`).
type DeviceSpec struct {
	Index      uint32
	Device     blockdev.Device
	Group      string
	Durability uint8
	Discard    bool
}

// Request bundles everything `format` needs: the member devices, the
// parsed format-scope option set (spec §9's option Registry, ScopeFormat),
// and an Allocator wired against the same devices so the freespace index
// can be seeded in the same pass that writes the superblock.
type Request struct {
	Devices    []DeviceSpec
	Opts       options.Set
	Passphrase string // empty disables encryption regardless of Opts
	Alloc      *alloc.Allocator
}

// Result is what a successful format produces: the freshly written
// superblock, ready for the caller to open a full filesystem handle from.
type Result struct {
	Super *super.Super
}

// devices adapts a Request's DeviceSpecs to super.Devices.
type devices struct{ specs []DeviceSpec }

func (d *devices) Device(idx uint32) (blockdev.Device, error) {
	for _, s := range d.specs {
		if s.Index == idx {
			return s.Device, nil
		}
	}
	return nil, fmt.Errorf("fsformat: no device at index %d", idx)
}

func (d *devices) Count() int { return len(d.specs) }

// Format writes a new superblock to every device in req.Devices, carrying
// the member table, feature bits, and target fields derived from
// req.Opts, then initializes each device's freespace index so the
// allocator can draw from it immediately after mount.
func Format(ctx context.Context, log *zap.SugaredLogger, req Request) (*Result, error) {
	if len(req.Devices) == 0 {
		return nil, fmt.Errorf("fsformat: at least one device is required")
	}

	s := &super.Super{
		ExternalUUID: uuid.New(),
		InternalUUID: uuid.New(),
		Root:         &super.DiskGroup{Children: map[string]*super.DiskGroup{}},
	}

	blockSize, err := req.Opts.Get("block_size")
	if err != nil {
		return nil, err
	}
	s.BlockSize = uint32(blockSize.(uint64))

	if enc, _ := req.Opts.Get("encryption"); enc != options.EncryptionNone && req.Passphrase != "" {
		s.Features |= super.FeatureEncryption
	}

	durability, err := req.Opts.Get("durability")
	if err != nil {
		return nil, err
	}
	discardOpt, err := req.Opts.Get("discard")
	if err != nil {
		return nil, err
	}
	dataAllowedStr, err := req.Opts.Get("data_allowed")
	if err != nil {
		return nil, err
	}
	dataAllowed := parseDataAllowed(dataAllowedStr.(string))

	for _, spec := range req.Devices {
		m := super.Member{
			UUID:        uuid.New(),
			NBuckets:    spec.Device.Nsectors() * blockdev.SectorSize / bucketSizeBytes(),
			BucketSize:  bucketSizeBytes() / blockdev.SectorSize,
			Discard:     spec.Discard || discardOpt.(bool),
			DataAllowed: dataAllowed,
			Durability:  firstNonzero(spec.Durability, uint8(durability.(uint64))),
			Group:       spec.Group,
			State:       super.StateRW,
		}
		if err := (&super.Handle{}).AddMember(s, m); err != nil {
			return nil, err
		}
		if spec.Group != "" {
			s.Root.EnsurePath(spec.Group)
		}
	}

	for _, name := range []string{"foreground_target", "background_target", "promote_target", "metadata_target"} {
		v, err := req.Opts.Get(name)
		if err != nil {
			return nil, err
		}
		switch name {
		case "foreground_target":
			s.ForegroundTarget = v.(string)
		case "background_target":
			s.BackgroundTarget = v.(string)
		case "promote_target":
			s.PromoteTarget = v.(string)
		case "metadata_target":
			s.MetadataTarget = v.(string)
		}
	}

	ctype, err := metadataChecksumType(req.Opts)
	if err != nil {
		return nil, err
	}

	h := super.Open(log, &devices{specs: req.Devices}, ctype)
	for _, spec := range req.Devices {
		if err := h.WriteSuper(ctx, spec.Index, s); err != nil {
			return nil, fmt.Errorf("fsformat: device %d: %w", spec.Index, err)
		}
	}

	if req.Alloc != nil {
		// Members were appended in req.Devices order, so member slot i
		// corresponds to req.Devices[i]'s own Index.
		for i, spec := range req.Devices {
			if err := req.Alloc.SeedFreespace(ctx, spec.Index, s.Members[i].NBuckets); err != nil {
				return nil, fmt.Errorf("fsformat: device %d: freespace init: %w", spec.Index, err)
			}
		}
	}

	log.Infow("formatted filesystem", "uuid", s.ExternalUUID.String(), "ndevices", len(req.Devices))
	return &Result{Super: s}, nil
}

func metadataChecksumType(opts options.Set) (checksum.Type, error) {
	v, err := opts.Get("metadata_checksum_type")
	if err != nil {
		return checksum.TypeNone, err
	}
	return v.(checksum.Type), nil
}

// bucketSizeBytes is the fixed bucket size `format` assigns a new device;
// spec §9 lists no format-scope option to vary it, so it tracks
// btree_node_size's default instead of taking an option.Set.
func bucketSizeBytes() uint64 {
	const defaultBucketSize = 256 * 1024
	return defaultBucketSize
}

func firstNonzero(a, b uint8) uint8 {
	if a != 0 {
		return a
	}
	return b
}

func parseDataAllowed(s string) super.DataAllowed {
	var out super.DataAllowed
	for _, part := range splitComma(s) {
		switch part {
		case "journal":
			out |= super.AllowJournal
		case "btree":
			out |= super.AllowBtree
		case "user":
			out |= super.AllowUser
		case "cached":
			out |= super.AllowCached
		case "parity":
			out |= super.AllowParity
		}
	}
	return out
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
