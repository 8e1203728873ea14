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

	"blichmann.eu/code/bcachefs/internal/fsck"
	"blichmann.eu/code/bcachefs/internal/jobs"
)

func newFsckCommand(log *zap.SugaredLogger) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "fsck <dev>...",
		Short: "Check (and optionally repair) a filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			policy := fsck.PolicyAskNone
			if fix {
				policy = fsck.PolicyYes
			}
			fs.fsck = fsck.New(fsck.Config{Log: log, Btrees: fs.btrees, Devs: fs.devs, Ctype: fs.ctype, Policy: policy, Repair: fs.mig})

			findings, err := fs.fsck.Run(cmd.Context(), func(p jobs.Progress) {
				log.Infow("fsck: progress", "done", p.Done, "total", p.Total, "btree", p.Note)
			})
			if err != nil {
				return withCode(exitFatal, err)
			}

			if len(findings) == 0 {
				fmt.Fprintln(os.Stdout, "fsck: no errors found")
				return nil
			}

			unrepaired := 0
			for _, f := range findings {
				status := "unrepaired"
				if f.Repaired {
					status = "repaired"
				} else {
					unrepaired++
				}
				fmt.Fprintf(os.Stdout, "%s@%s: %s [%s]\n", f.Btree, f.Pos, f.Problem, status)
			}

			if unrepaired > 0 {
				return withCode(exitUncorrectable, fmt.Errorf("fsck: %d unrepaired finding(s)", unrepaired))
			}
			return withCode(exitCorruptionFixed, fmt.Errorf("fsck: %d finding(s) repaired", len(findings)))
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "repair findings automatically instead of reporting only")
	return cmd
}
