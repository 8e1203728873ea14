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

	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/fuseshim"
)

// newFusemountCommand implements `fusemount`. Actually bridging to a
// kernel mount is the job of a separate FUSE adapter binary (spec: "the
// FUSE adapter [is an] external collaborator, specified only by the
// interfaces [it] consumes"); this command opens the filesystem, builds
// the internal/fuseshim.FS the adapter would drive, and exercises its
// root GetAttr/ReadDir path as a smoke test, printing what a real adapter
// would bind to a mountpoint instead of performing the bind itself.
func newFusemountCommand(log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "fusemount <mountpoint> <dev>...",
		Short: "Verify a filesystem is mountable via the FUSE shim interface",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint, devArgs := args[0], args[1:]

			fsys, err := openFilesystem(cmd.Context(), log, devArgs)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fsys.close()

			shim := fuseshim.New(fuseshim.Config{
				Tx:      fsys.tx,
				Inodes:  fsys.btrees[btree.IDInodes],
				Dirents: fsys.btrees[btree.IDDirents],
				IO:      fsys.io,
			})

			ctx := cmd.Context()
			if _, err := shim.GetAttr(ctx, fuseshim.RootInode); err != nil {
				return withCode(exitFatal, fmt.Errorf("fusemount: root inode: %w", err))
			}
			entries, err := shim.ReadDir(ctx, fuseshim.RootInode)
			if err != nil {
				return withCode(exitFatal, fmt.Errorf("fusemount: readdir root: %w", err))
			}
			fmt.Fprintf(os.Stdout, "fusemount: %s ready to mount at %s (%d root entries); bind with a FUSE adapter using internal/fuseshim\n",
				fsys.super.ExternalUUID, mountpoint, len(entries))
			return nil
		},
	}
}
