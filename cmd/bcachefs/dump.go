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
)

// newDumpCommand implements `dump`, writing a plain-text snapshot of the
// superblock and every btree's key count to a file for offline inspection,
// a trimmed-down counterpart of bcachefs-tools' metadata dump used for bug
// reports rather than a full binary image (no foreign-tool is expected to
// consume this CLI's dump format).
func newDumpCommand(log *zap.SugaredLogger) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "dump <dev>...",
		Short: "Dump superblock and btree summaries to a file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			f, err := os.Create(out)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer f.Close()

			s := fs.super
			fmt.Fprintf(f, "external_uuid %s\ninternal_uuid %s\nblock_size %d\nfeatures %s\n",
				s.ExternalUUID, s.InternalUUID, s.BlockSize, s.Features)
			for i, m := range s.Members {
				fmt.Fprintf(f, "member %d uuid=%s nbuckets=%d bucket_size=%d group=%q state=%s\n",
					i, m.UUID, m.NBuckets, m.BucketSize, m.Group, m.State)
			}
			for name, id := range btreeNames {
				t, ok := fs.btrees[id]
				if !ok {
					continue
				}
				var n int
				path := t.IterInit(bkey.PosMin, 0)
				for {
					if _, ok := path.Peek(); !ok {
						break
					}
					n++
					if _, ok := path.Next(); !ok {
						break
					}
				}
				fmt.Fprintf(f, "btree %s keys=%d\n", name, n)
			}
			fmt.Fprintf(os.Stdout, "dump: wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "bcachefs.dump", "output file path")
	return cmd
}
