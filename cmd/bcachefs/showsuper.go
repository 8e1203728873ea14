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
)

func newShowSuperCommand(log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "show-super <dev>...",
		Short: "Print a filesystem's superblock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			s := fs.super
			fmt.Fprintf(os.Stdout, "external uuid:\t%s\n", s.ExternalUUID)
			fmt.Fprintf(os.Stdout, "internal uuid:\t%s\n", s.InternalUUID)
			fmt.Fprintf(os.Stdout, "block size:\t%d\n", s.BlockSize)
			fmt.Fprintf(os.Stdout, "features:\t%s\n", s.Features)
			fmt.Fprintf(os.Stdout, "foreground target:\t%s\n", s.ForegroundTarget)
			fmt.Fprintf(os.Stdout, "background target:\t%s\n", s.BackgroundTarget)
			fmt.Fprintf(os.Stdout, "promote target:\t%s\n", s.PromoteTarget)
			fmt.Fprintf(os.Stdout, "metadata target:\t%s\n", s.MetadataTarget)
			fmt.Fprintf(os.Stdout, "members (%d):\n", len(s.Members))
			for i, m := range s.Members {
				fmt.Fprintf(os.Stdout, "  [%d] uuid=%s nbuckets=%d bucket_size=%d durability=%d group=%q state=%s discard=%t\n",
					i, m.UUID, m.NBuckets, m.BucketSize, m.Durability, m.Group, m.State, m.Discard)
			}
			return nil
		},
	}
}
