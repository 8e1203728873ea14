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
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSetattrCommand implements `setattr`, a thin CLI wrapper around
// internal/xattr.Store covering get/set/remove of one named attribute on
// an inode (internal/xattr.Store.Reinherit uses the Get and Set halves of
// the same store internally).
func newSetattrCommand(log *zap.SugaredLogger) *cobra.Command {
	var (
		value  string
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "setattr <inode> <name> <dev>...",
		Short: "Get, set, or remove an extended attribute on an inode",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			inode, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: invalid inode %q", args[0]))
			}
			name := args[1]

			fsys, err := openFilesystem(cmd.Context(), log, args[2:])
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fsys.close()

			ctx := cmd.Context()
			switch {
			case remove:
				if err := fsys.xattrs.Remove(ctx, inode, name); err != nil {
					return withCode(exitFatal, err)
				}
				fmt.Fprintf(os.Stdout, "setattr: removed %s\n", name)
			case value != "":
				if err := fsys.xattrs.Set(ctx, inode, name, value); err != nil {
					return withCode(exitFatal, err)
				}
				fmt.Fprintf(os.Stdout, "setattr: set %s=%s\n", name, value)
			default:
				v, ok := fsys.xattrs.Get(ctx, inode, name)
				if !ok {
					return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: attribute %q not found", name))
				}
				fmt.Fprintf(os.Stdout, "%s=%s\n", name, v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to set (omit to get, combine with --remove to delete)")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the attribute instead of setting it")
	return cmd
}
