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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/alloc"
	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/blockdev"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/extentio"
	"blichmann.eu/code/bcachefs/internal/fsck"
	"blichmann.eu/code/bcachefs/internal/jobs"
	"blichmann.eu/code/bcachefs/internal/options"
)

// formatTestDevices creates n sparse device files of the given size under
// t.TempDir and formats them via formatDevices, the same construction path
// newMigrateCommand and newMigrateSuperblockCommand use.
func formatTestDevices(t *testing.T, n int, sizeBytes int64) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, "dev"+string(rune('0'+i)))
		f, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(sizeBytes))
		require.NoError(t, f.Close())
		paths = append(paths, p)
	}

	log := zap.NewNop().Sugar()
	opts, err := options.Parse("data_replicas=1,metadata_replicas=1", options.ScopeFormat)
	require.NoError(t, err)
	_, err = formatDevices(context.Background(), log, paths, opts)
	require.NoError(t, err)
	return paths
}

func TestFormatThenOpenRoundTrip(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)

	log := zap.NewNop().Sugar()
	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)
	defer fsys.close()

	require.NotEmpty(t, fsys.super.Members)
	require.NotNil(t, fsys.io)
}

func TestWriteReadRoundTrip(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)

	log := zap.NewNop().Sugar()
	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)
	defer fsys.close()

	ctx := context.Background()
	const inode = 100
	data := []byte("the quick brown fox jumps over the lazy dog")

	err = fsys.io.Write(ctx, inode, 0, data, extentio.WriteOptions{Replicas: 1, Target: alloc.Target{Device: -1}})
	require.NoError(t, err)

	got, err := fsys.io.Read(ctx, inode, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestXattrSetGetRemove(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)

	log := zap.NewNop().Sugar()
	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)
	defer fsys.close()

	ctx := context.Background()
	const inode = 7

	require.NoError(t, fsys.xattrs.Set(ctx, inode, "bcachefs.compression", "zstd"))
	v, ok := fsys.xattrs.Get(ctx, inode, "bcachefs.compression")
	require.True(t, ok)
	require.Equal(t, "zstd", v)

	require.NoError(t, fsys.xattrs.Remove(ctx, inode, "bcachefs.compression"))
	_, ok = fsys.xattrs.Get(ctx, inode, "bcachefs.compression")
	require.False(t, ok)
}

func TestFsckCleanFilesystemHasNoFindings(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)

	log := zap.NewNop().Sugar()
	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)
	defer fsys.close()

	findings, err := fsys.fsck.Run(context.Background(), func(p jobs.Progress) {})
	require.NoError(t, err)
	require.Empty(t, findings)
}

// runCLI executes a fresh subvolume command tree with args, the same way
// main's root command would dispatch it, to exercise the CLI layer itself
// rather than just the internal packages it wires together.
func runCLI(t *testing.T, cmd *cobra.Command, args []string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	return cmd.Execute()
}

// TestWriteSurvivesCrashBeforeNodeFlush proves spec §4.4/§8.1.2: a write
// whose transaction reached the journal but whose dirty B-tree node was
// never evicted to disk (extentio.IO.Write only ever calls
// transaction.Manager.Run, which journals and updates the in-memory node;
// nothing here forces a cache eviction) must still be visible after the
// process restarts and the journal is replayed, not silently lost. The
// "crash" is simulated by closing fsys's devices without any explicit
// flush and opening a second, independent filesystem handle from the same
// device files, the same way a real remount after a power loss would.
func TestWriteSurvivesCrashBeforeNodeFlush(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)
	log := zap.NewNop().Sugar()

	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)

	ctx := context.Background()
	const inode = 42
	data := []byte("crash-atomicity: all or nothing")

	require.NoError(t, fsys.io.Write(ctx, inode, 0, data, extentio.WriteOptions{Replicas: 1, Target: alloc.Target{Device: -1}}))

	// Simulate a crash: drop the handle without flushing any B-tree node,
	// only closing the underlying device files.
	require.NoError(t, fsys.close())

	reopened, err := openFilesystem(ctx, log, paths)
	require.NoError(t, err)
	defer reopened.close()

	got, err := reopened.io.Read(ctx, inode, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestFsckRepairsUnreadableReplica proves internal/fsck's PolicyYes path
// does not just flag an unreadable replica pointer but actually fixes it:
// corrupting one of an extent's two on-disk replicas so its checksum no
// longer verifies must, after a fsck pass with a real *migrate.Driver wired
// as Repairer, produce a Finding with Repaired == true and leave the extent
// readable again (internal/fsck.checkExtent/repairPointer,
// internal/migrate.Driver.RereplicateExtent).
func TestFsckRepairsUnreadableReplica(t *testing.T) {
	paths := formatTestDevices(t, 2, 32*1024*1024)
	log := zap.NewNop().Sugar()

	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)

	ctx := context.Background()
	const inode = 55
	data := []byte("fsck must actually repair this, not just report it")

	require.NoError(t, fsys.io.Write(ctx, inode, 0, data, extentio.WriteOptions{Replicas: 2, Target: alloc.Target{Device: -1}}))

	path := fsys.btrees[btree.IDExtents].IterInit(bkey.Position{Inode: inode}, 0)
	k, ok := path.Peek()
	require.True(t, ok)
	ev, ok := k.Val.(*bkey.ExtentValue)
	require.True(t, ok)
	require.Len(t, ev.Pointers, 2)
	victim := ev.Pointers[0]

	require.NoError(t, fsys.close())

	// Corrupt the first replica's on-disk bytes directly so its checksum no
	// longer verifies, leaving the second, surviving replica untouched.
	f, err := os.OpenFile(paths[victim.Device], os.O_RDWR, 0)
	require.NoError(t, err)
	garbage := bytes.Repeat([]byte{0xff}, int(victim.CompressedSize))
	_, err = f.WriteAt(garbage, int64(victim.DiskOffset)*blockdev.SectorSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := openFilesystem(ctx, log, paths)
	require.NoError(t, err)
	defer reopened.close()

	reopened.fsck = fsck.New(fsck.Config{
		Log: log, Btrees: reopened.btrees, Devs: reopened.devs, Ctype: reopened.ctype,
		Policy: fsck.PolicyYes, Repair: reopened.mig,
	})
	findings, err := reopened.fsck.Run(ctx, func(jobs.Progress) {})
	require.NoError(t, err)
	require.NotEmpty(t, findings)
	for _, finding := range findings {
		require.True(t, finding.Repaired, "finding %+v should have been repaired", finding)
	}

	got, err := reopened.io.Read(ctx, inode, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSubvolumeCreateSnapshotDelete(t *testing.T) {
	paths := formatTestDevices(t, 1, 32*1024*1024)
	log := zap.NewNop().Sugar()

	create := newSubvolumeCommand(log)
	require.NoError(t, runCLI(t, create, append([]string{"create", "--id", "5", "--root-inode", "1"}, paths...)))

	snapshot := newSubvolumeCommand(log)
	require.NoError(t, runCLI(t, snapshot, append([]string{"snapshot", "--from", "5", "--id", "6"}, paths...)))

	fsys, err := openFilesystem(context.Background(), log, paths)
	require.NoError(t, err)
	defer fsys.close()

	subs := fsys.btrees[btreeNames["subvolumes"]]
	path := subs.IterInit(bkey.Position{Inode: 6}, 0)
	k, ok := path.Peek()
	require.True(t, ok)
	sv, ok := k.Val.(*bkey.SubvolumeValue)
	require.True(t, ok)
	require.True(t, sv.ReadOnly)
	require.Equal(t, uint32(6), sv.Snapshot)

	del := newSubvolumeCommand(log)
	require.NoError(t, runCLI(t, del, append([]string{"delete", "--id", "5"}, paths...)))
}
