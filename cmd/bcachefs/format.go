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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/alloc"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/fsformat"
	"blichmann.eu/code/bcachefs/internal/journal"
	"blichmann.eu/code/bcachefs/internal/options"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

func newFormatCommand(log *zap.SugaredLogger) *cobra.Command {
	var group string
	var durability uint8
	var passphrase string
	var optStr string

	cmd := &cobra.Command{
		Use:   "format <dev>...",
		Short: "Initialize a new filesystem across one or more devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := options.Parse(optStr, options.ScopeFormat)
			if err != nil {
				return withCode(exitUsageOrGeneric, err)
			}

			devs, err := openDevices(args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer func() {
				for _, d := range devs.devs {
					d.Close()
				}
			}()

			specs := make([]fsformat.DeviceSpec, len(args))
			for i, d := range devs.devs {
				specs[i] = fsformat.DeviceSpec{Index: uint32(i), Device: d, Group: group, Durability: durability}
			}

			// format only ever touches the alloc/freespace/need_discard/lru
			// btrees (through SeedFreespace), but those still commit through
			// a real journal+transaction.Manager pair: the four btrees each
			// need a NodeAllocator at construction, which is the allocator
			// built from them, so allocatorHandle breaks that cycle exactly
			// as it does in openFilesystem.
			handle := &allocatorHandle{}
			allocBtree := btree.New(btree.Config{ID: btree.IDAlloc, Log: log, Alloc: handle, Devices: devs, ChecksumType: checksum.TypeCRC32C, CacheCapacity: 64})
			freespaceBtree := btree.New(btree.Config{ID: btree.IDFreespace, Log: log, Alloc: handle, Devices: devs, ChecksumType: checksum.TypeCRC32C, CacheCapacity: 64})
			needDiscardBtree := btree.New(btree.Config{ID: btree.IDNeedDiscard, Log: log, Alloc: handle, Devices: devs, ChecksumType: checksum.TypeCRC32C, CacheCapacity: 64})
			lruBtree := btree.New(btree.Config{ID: btree.IDLRU, Log: log, Alloc: handle, Devices: devs, ChecksumType: checksum.TypeCRC32C, CacheCapacity: 64})

			var buckets []journal.Bucket
			for i := range devs.devs {
				buckets = append(buckets, journal.Bucket{Device: uint32(i), Offset: journalOffsetSectors, Nslots: journalNslots})
			}
			jrnl := journal.New(journal.Config{Log: log, Devices: devs, Buckets: buckets, ChecksumType: checksum.TypeCRC32C, MetadataReplicas: 1})
			btrees := map[btree.ID]*btree.BTree{
				btree.IDAlloc: allocBtree, btree.IDFreespace: freespaceBtree,
				btree.IDNeedDiscard: needDiscardBtree, btree.IDLRU: lruBtree,
			}
			tx := transaction.New(transaction.Config{Log: log, Btrees: btrees, Journal: jrnl, Reclaim: func(context.Context) error { return nil }})
			a := alloc.New(alloc.Config{
				Log: log, Tx: tx, Devices: devs,
				AllocBtree: allocBtree, FreespaceBtree: freespaceBtree,
				NeedDiscardBtree: needDiscardBtree, LRUBtree: lruBtree,
			})
			handle.bind(a)

			res, err := fsformat.Format(cmd.Context(), log, fsformat.Request{
				Devices: specs, Opts: opts, Passphrase: passphrase, Alloc: a,
			})
			if err != nil {
				return withCode(exitFatal, err)
			}
			fmt.Fprintf(os.Stdout, "formatted filesystem %s across %d device(s)\n", res.Super.ExternalUUID, len(specs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "disk-group label for every listed device")
	cmd.Flags().Uint8Var(&durability, "durability", 0, "per-device durability override (0 uses the durability option)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "enable encryption sealed under this passphrase")
	cmd.Flags().StringVarP(&optStr, "options", "o", "", "comma-separated name=value format options")
	return cmd
}
