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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

// newSubvolumeCommand implements `subvolume {create,delete,snapshot}`
// (spec §6.3), staging updates to the subvolumes and snapshots btrees
// directly through a transaction, the same way internal/xattr.Store.Set
// and Remove stage single-key upserts/tombstones.
func newSubvolumeCommand(log *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{Use: "subvolume", Short: "Manage subvolumes and snapshots"}
	root.AddCommand(
		newSubvolumeCreateCommand(log),
		newSubvolumeDeleteCommand(log),
		newSubvolumeSnapshotCommand(log),
	)
	return root
}

func newSubvolumeCreateCommand(log *zap.SugaredLogger) *cobra.Command {
	var id uint64
	var rootInode uint64

	cmd := &cobra.Command{
		Use:   "create <dev>...",
		Short: "Create a new top-level subvolume",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			err = fs.tx.Run(cmd.Context(), func(tx *transaction.Tx) error {
				snaps := tx.Btree(btree.IDSnapshots)
				snapPos := bkey.Position{Inode: id}
				snapPath := snaps.IterInit(snapPos, btree.FlagIntent)
				snapKey := bkey.Key{Pos: snapPos, Type: bkey.TypeSnapshot,
					Val: &bkey.SnapshotValue{Subvolume: uint32(id)}}
				if err := tx.Update(btree.IDSnapshots, snapPath, bkey.Key{}, snapKey); err != nil {
					return err
				}

				subs := tx.Btree(btree.IDSubvolumes)
				subPos := bkey.Position{Inode: id}
				subPath := subs.IterInit(subPos, btree.FlagIntent)
				subKey := bkey.Key{Pos: subPos, Type: bkey.TypeSubvolume,
					Val: &bkey.SubvolumeValue{RootInode: rootInode, Snapshot: uint32(id)}}
				return tx.Update(btree.IDSubvolumes, subPath, bkey.Key{}, subKey)
			})
			if err != nil {
				return withCode(exitFatal, err)
			}
			fmt.Fprintf(os.Stdout, "subvolume %d created (root inode %d)\n", id, rootInode)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 1, "new subvolume id")
	cmd.Flags().Uint64Var(&rootInode, "root-inode", 0, "root directory inode for the new subvolume")
	return cmd
}

func newSubvolumeDeleteCommand(log *zap.SugaredLogger) *cobra.Command {
	var id uint64

	cmd := &cobra.Command{
		Use:   "delete <dev>...",
		Short: "Delete a subvolume and its snapshot identity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			err = fs.tx.Run(cmd.Context(), func(tx *transaction.Tx) error {
				subs := tx.Btree(btree.IDSubvolumes)
				subPos := bkey.Position{Inode: id}
				subPath := subs.IterInit(subPos, btree.FlagIntent)
				old, ok := subPath.Peek()
				if !ok || old.Pos != subPos {
					return fmt.Errorf("bcachefs: no subvolume %d", id)
				}
				sv, ok := old.Val.(*bkey.SubvolumeValue)
				if !ok {
					return fmt.Errorf("bcachefs: subvolume %d: unexpected value type", id)
				}
				tombstone := bkey.Key{Pos: subPos, Type: bkey.TypeSubvolume}
				if err := tx.Update(btree.IDSubvolumes, subPath, old, tombstone); err != nil {
					return err
				}

				snaps := tx.Btree(btree.IDSnapshots)
				snapPos := bkey.Position{Inode: uint64(sv.Snapshot)}
				snapPath := snaps.IterInit(snapPos, btree.FlagIntent)
				if oldSnap, ok := snapPath.Peek(); ok && oldSnap.Pos == snapPos {
					snapTombstone := bkey.Key{Pos: snapPos, Type: bkey.TypeSnapshot}
					if err := tx.Update(btree.IDSnapshots, snapPath, oldSnap, snapTombstone); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return withCode(exitUsageOrGeneric, err)
			}
			fmt.Fprintf(os.Stdout, "subvolume %d deleted\n", id)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "subvolume id to delete")
	return cmd
}

func newSubvolumeSnapshotCommand(log *zap.SugaredLogger) *cobra.Command {
	var from uint64
	var id uint64

	cmd := &cobra.Command{
		Use:   "snapshot <dev>...",
		Short: "Create a new subvolume that is a point-in-time snapshot of another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			err = fs.tx.Run(cmd.Context(), func(tx *transaction.Tx) error {
				subs := tx.Btree(btree.IDSubvolumes)
				fromPos := bkey.Position{Inode: from}
				fromPath := subs.IterInit(fromPos, 0)
				fromKey, ok := fromPath.Peek()
				if !ok || fromKey.Pos != fromPos {
					return fmt.Errorf("bcachefs: no subvolume %d", from)
				}
				fromSub, ok := fromKey.Val.(*bkey.SubvolumeValue)
				if !ok {
					return fmt.Errorf("bcachefs: subvolume %d: unexpected value type", from)
				}

				snaps := tx.Btree(btree.IDSnapshots)
				parentSnapPos := bkey.Position{Inode: uint64(fromSub.Snapshot)}
				parentSnapPath := snaps.IterInit(parentSnapPos, 0)
				var parentDepth uint32
				if parentKey, ok := parentSnapPath.Peek(); ok && parentKey.Pos == parentSnapPos {
					if psv, ok := parentKey.Val.(*bkey.SnapshotValue); ok {
						parentDepth = psv.Depth
					}
				}

				newSnapPos := bkey.Position{Inode: id}
				newSnapPath := snaps.IterInit(newSnapPos, btree.FlagIntent)
				newSnapKey := bkey.Key{Pos: newSnapPos, Type: bkey.TypeSnapshot, Val: &bkey.SnapshotValue{
					Parent: fromSub.Snapshot, Subvolume: uint32(id), Depth: parentDepth + 1,
				}}
				if err := tx.Update(btree.IDSnapshots, newSnapPath, bkey.Key{}, newSnapKey); err != nil {
					return err
				}

				newSubPos := bkey.Position{Inode: id}
				newSubPath := subs.IterInit(newSubPos, btree.FlagIntent)
				newSubKey := bkey.Key{Pos: newSubPos, Type: bkey.TypeSubvolume, Val: &bkey.SubvolumeValue{
					RootInode: fromSub.RootInode, Snapshot: uint32(id), ReadOnly: true,
				}}
				return tx.Update(btree.IDSubvolumes, newSubPath, bkey.Key{}, newSubKey)
			})
			if err != nil {
				return withCode(exitFatal, err)
			}
			fmt.Fprintf(os.Stdout, "snapshot %d of subvolume %d created\n", id, from)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "source subvolume id")
	cmd.Flags().Uint64Var(&id, "id", 0, "new snapshot subvolume id")
	return cmd
}
