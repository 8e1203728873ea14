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

// newFsCommand implements `fs usage`, walking the freespace btree the same
// way fsck.Checker.walkOne does to turn per-device bucket counts from the
// superblock into a free/used breakdown.
func newFsCommand(log *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{Use: "fs", Short: "Whole-filesystem operations"}
	root.AddCommand(newFsUsageCommand(log))
	return root
}

func newFsUsageCommand(log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <dev>...",
		Short: "Report per-device space usage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			free := make(map[uint32]uint64, len(fs.super.Members))
			t := fs.btrees[btree.IDFreespace]
			path := t.IterInit(bkey.PosMin, 0)
			for {
				k, ok := path.Peek()
				if !ok {
					break
				}
				if fv, ok := k.Val.(*bkey.FreespaceValue); ok {
					free[fv.Device]++
				}
				if _, ok := path.Next(); !ok {
					break
				}
			}

			fmt.Fprintf(os.Stdout, "%-4s %12s %12s %12s %8s\n", "dev", "buckets", "free", "used", "group")
			for i, m := range fs.super.Members {
				total := m.NBuckets
				f := free[uint32(i)]
				used := uint64(0)
				if total > f {
					used = total - f
				}
				fmt.Fprintf(os.Stdout, "%-4d %12d %12d %12d %8s\n", i, total, f, used, m.Group)
			}
			return nil
		},
	}
}
