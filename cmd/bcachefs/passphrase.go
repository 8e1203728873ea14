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
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/crypt"
	"blichmann.eu/code/bcachefs/internal/super"
)

// newSetPassphraseCommand implements `set-passphrase`: wraps a freshly
// generated master key (also when the filesystem is already encrypted,
// replacing the existing one) under a new passphrase
// via internal/crypt.WrapMasterKey and stores the result in the
// superblock.
func newSetPassphraseCommand(log *zap.SugaredLogger) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "set-passphrase <dev>...",
		Short: "Enable or change encryption on an existing filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: --passphrase is required"))
			}
			fsys, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fsys.close()

			var mk crypt.MasterKey
			if _, err := rand.Read(mk[:]); err != nil {
				return withCode(exitFatal, fmt.Errorf("bcachefs: generate master key: %w", err))
			}
			wk, err := crypt.WrapMasterKey(mk, passphrase)
			if err != nil {
				return withCode(exitFatal, err)
			}
			fsys.super.WrappedKey = &wk
			fsys.super.Features |= super.FeatureEncryption
			if err := fsys.writeSuperAll(cmd.Context(), fsys.super); err != nil {
				return withCode(exitFatal, err)
			}
			fmt.Fprintln(os.Stdout, "set-passphrase: encryption enabled")
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "new passphrase")
	return cmd
}

// newRemovePassphraseCommand implements `remove-passphrase`: unwraps the
// master key under the given passphrase to prove it's correct, then clears
// the superblock's WrappedKey and encryption feature bit so future mounts
// don't require a passphrase.
func newRemovePassphraseCommand(log *zap.SugaredLogger) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "remove-passphrase <dev>...",
		Short: "Disable encryption on an existing filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fsys.close()

			if fsys.super.WrappedKey == nil {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: filesystem is not encrypted"))
			}
			if _, err := crypt.UnwrapMasterKey(*fsys.super.WrappedKey, passphrase); err != nil {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: wrong passphrase: %w", err))
			}
			fsys.super.WrappedKey = nil
			fsys.super.Features &^= super.FeatureEncryption
			if err := fsys.writeSuperAll(cmd.Context(), fsys.super); err != nil {
				return withCode(exitFatal, err)
			}
			fmt.Fprintln(os.Stdout, "remove-passphrase: encryption disabled")
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "current passphrase")
	return cmd
}

// newUnlockCommand implements `unlock`: verifies a passphrase against the
// superblock's wrapped key without changing anything, the read-only
// counterpart of remove-passphrase used ahead of a mount.
func newUnlockCommand(log *zap.SugaredLogger) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "unlock <dev>...",
		Short: "Verify a passphrase unlocks an encrypted filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fsys.close()

			if fsys.super.WrappedKey == nil {
				fmt.Fprintln(os.Stdout, "unlock: filesystem is not encrypted")
				return nil
			}
			if _, err := crypt.UnwrapMasterKey(*fsys.super.WrappedKey, passphrase); err != nil {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: wrong passphrase: %w", err))
			}
			fmt.Fprintln(os.Stdout, "unlock: passphrase correct")
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase to verify")
	return cmd
}
