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
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/jobs"
)

// newDataCommand implements `data {rereplicate,scrub,job}` (spec §6.3):
// rereplicate runs as a tracked jobs.Job so `data job` can list and cancel
// it; scrub runs the fsck checker directly, outside the job manager.
func newDataCommand(log *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{Use: "data", Short: "Bulk data operations"}
	root.AddCommand(
		newDataRereplicateCommand(log),
		newDataScrubCommand(log),
		newDataJobCommand(log),
	)
	return root
}

func newDataRereplicateCommand(log *zap.SugaredLogger) *cobra.Command {
	var device uint32

	cmd := &cobra.Command{
		Use:   "rereplicate <dev>...",
		Short: "Restore replica durability after a device loss",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			ctx := cmd.Context()
			j := fs.mgr.Start(ctx, "rereplicate", func(jobCtx context.Context, report func(jobs.Progress)) error {
				return fs.mig.Rereplicate(jobCtx, device, nil, report)
			})
			if err := j.Wait(ctx); err != nil {
				return withCode(exitFatal, err)
			}
			if _, _, jerr := j.Snapshot(); jerr != nil {
				return withCode(exitFatal, jerr)
			}
			fmt.Fprintf(os.Stdout, "rereplicate complete for device %d (job %d)\n", device, j.ID)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&device, "device", 0, "device index whose extents need a new replica")
	return cmd
}

func newDataScrubCommand(log *zap.SugaredLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrub <dev>...",
		Short: "Verify every extent's replicas against their checksums",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()

			findings, err := fs.fsck.Run(cmd.Context(), func(p jobs.Progress) {
				log.Infow("scrub: progress", "done", p.Done, "total", p.Total, "btree", p.Note)
			})
			if err != nil {
				return withCode(exitFatal, err)
			}
			for _, f := range findings {
				fmt.Fprintf(os.Stdout, "%s@%s: %s\n", f.Btree, f.Pos, f.Problem)
			}
			if len(findings) > 0 {
				return withCode(exitUncorrectable, fmt.Errorf("scrub: %d finding(s)", len(findings)))
			}
			fmt.Fprintln(os.Stdout, "scrub: no errors found")
			return nil
		},
	}
	return cmd
}

func newDataJobCommand(log *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{Use: "job", Short: "Inspect and cancel background data jobs"}
	root.AddCommand(&cobra.Command{
		Use:   "list <dev>...",
		Short: "List tracked background jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFilesystem(cmd.Context(), log, args)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()
			for _, j := range fs.mgr.List() {
				state, p, jerr := j.Snapshot()
				fmt.Fprintf(os.Stdout, "%d\t%s\t%s\t%d/%d\t%v\n", j.ID, j.Name, state, p.Done, p.Total, jerr)
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "cancel <dev>... <id>",
		Short: "Cancel a running background job",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, idStr := args[:len(args)-1], args[len(args)-1]
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: invalid job id %q", idStr))
			}
			fs, err := openFilesystem(cmd.Context(), log, devs)
			if err != nil {
				return withCode(exitFatal, err)
			}
			defer fs.close()
			j, ok := fs.mgr.Get(id)
			if !ok {
				return withCode(exitUsageOrGeneric, fmt.Errorf("bcachefs: no job %d", id))
			}
			j.Cancel()
			fmt.Fprintf(os.Stdout, "job %d cancelled\n", id)
			return nil
		},
	})
	return root
}
