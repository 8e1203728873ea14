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
)

var btreeNames = map[string]btree.ID{
	"extents": btree.IDExtents, "inodes": btree.IDInodes, "dirents": btree.IDDirents,
	"xattrs": btree.IDXattrs, "alloc": btree.IDAlloc, "freespace": btree.IDFreespace,
	"need_discard": btree.IDNeedDiscard, "lru": btree.IDLRU, "reflink": btree.IDReflink,
	"subvolumes": btree.IDSubvolumes, "snapshots": btree.IDSnapshots,
}

// newListCommand implements `list`, dumping every key of one btree in
// position order, walking it exactly the way fsck.Checker.walkOne does.
func newListCommand(log *zap.SugaredLogger) *cobra.Command {
	var btreeName string

	cmd := &cobra.Command{
		Use:   "list <dev>...",
		Short: "List every key in one btree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, ok := btreeNames[btreeName]
			if !ok {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: unknown btree %q", btreeName))
			}
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			t, ok := fs.btrees[id]
			if !ok {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: btree %q not registered", btreeName))
			}
			path := t.IterInit(bkey.PosMin, 0)
			for {
				k, ok := path.Peek()
				if !ok {
					break
				}
				fmt.Fprintf(os.Stdout, "%s: %s %+v\n", k.Pos, k.Type, k.Val)
				if _, ok := path.Next(); !ok {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&btreeName, "btree", "b", "extents", "btree to list (extents, inodes, dirents, xattrs, alloc, freespace, need_discard, lru, reflink, subvolumes, snapshots)")
	return cmd
}
