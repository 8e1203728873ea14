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

// Command bcachefs is the single multiplexer binary of spec §6.3: format,
// show-super, fsck, fs usage, device, data, subvolume, migrate,
// migrate-superblock, dump, list, list_journal, set-passphrase,
// remove-passphrase, unlock, setattr, fusemount, and version all hang off
// one root cobra.Command, the shape storj/storj, grafana/tempo and
// moby/moby all use for a single binary with a large nested subcommand
// surface (see their go.mod manifests in the retrieval pack).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes (spec §6.3): 0 success; 1 usage or generic error; 2 corruption
// detected and fixed; 4 uncorrectable corruption; 8 fatal; 16 help-displayed.
const (
	exitSuccess          = 0
	exitUsageOrGeneric   = 1
	exitCorruptionFixed  = 2
	exitUncorrectable    = 4
	exitFatal            = 8
	exitHelpDisplayed    = 16
)

// cliError carries an explicit exit code alongside its message, so a
// subcommand's RunE can signal exitCorruptionFixed/exitUncorrectable/
// exitFatal instead of the generic exitUsageOrGeneric every plain error
// gets.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func main() {
	os.Exit(run())
}

func run() int {
	log := newLogger()
	defer log.Sync() //nolint:errcheck

	helpShown := false
	root := newRootCommand(log)
	root.SetHelpFunc(func(c *cobra.Command, args []string) {
		helpShown = true
		c.Root().SetHelpFunc(nil)
		c.Help() //nolint:errcheck
	})

	if err := root.Execute(); err != nil {
		code := exitUsageOrGeneric
		var ce *cliError
		if as(err, &ce) {
			code = ce.code
		}
		fmt.Fprintf(os.Stderr, "bcachefs: %v\n", err)
		return code
	}
	if helpShown {
		return exitHelpDisplayed
	}
	return exitSuccess
}

// as is a tiny errors.As shim kept local so main.go doesn't need a second
// import line purely for one call.
func as(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func newRootCommand(log *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{
		Use:           "bcachefs",
		Short:         "Manage a multi-device copy-on-write filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newFormatCommand(log),
		newShowSuperCommand(log),
		newFsckCommand(log),
		newFsCommand(log),
		newDeviceCommand(log),
		newDataCommand(log),
		newSubvolumeCommand(log),
		newMigrateCommand(log),
		newMigrateSuperblockCommand(log),
		newDumpCommand(log),
		newListCommand(log),
		newListJournalCommand(log),
		newSetPassphraseCommand(log),
		newRemovePassphraseCommand(log),
		newUnlockCommand(log),
		newSetattrCommand(log),
		newFusemountCommand(log),
		newVersionCommand(),
	)
	return root
}
