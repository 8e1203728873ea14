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

// Package fuseshim documents the interface an out-of-scope FUSE adapter
// would consume from this core: lookup, stat, readdir, read, and write
// over the inodes/dirents btrees and the extent I/O path, shaped after
// hanwen-go-fuse's RawFileSystem (Lookup/GetAttr/OpenDir/Read/Write), but
// without importing a FUSE library — actually bridging to a kernel mount
// is a external collaborator's job per spec, this package only exposes
// what that collaborator would call.
package fuseshim

import (
	"context"
	"fmt"
	"os"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/extentio"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

// RootInode is the inode number of a filesystem's root directory, fixed
// by convention; fsformat.Format writes no inode key for it, and `migrate`
// places its dirents under this same inode number.
const RootInode = 1

// Attr is the stat-like metadata a FUSE GetAttr call returns, trimmed to
// the fields a RawFileSystem implementation actually needs.
type Attr struct {
	Inode uint64
	Size  uint64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Mtime uint64
}

// DirEntry is one entry a FUSE ReadDir call would yield.
type DirEntry struct {
	Name  string
	Inode uint64
	Type  uint8
}

// FS adapts the core's btrees and extent I/O path to the handful of
// operations a FUSE RawFileSystem binding needs, without depending on any
// FUSE package itself.
type FS struct {
	tx      *transaction.Manager
	inodes  *btree.BTree
	dirents *btree.BTree
	io      *extentio.IO
}

// Config collects FS's dependencies, assembled by the caller the same way
// cmd/bcachefs's openFilesystem wires up its own filesystem struct.
type Config struct {
	Tx      *transaction.Manager
	Inodes  *btree.BTree
	Dirents *btree.BTree
	IO      *extentio.IO
}

func New(cfg Config) *FS {
	return &FS{tx: cfg.Tx, inodes: cfg.Inodes, dirents: cfg.Dirents, io: cfg.IO}
}

// GetAttr is the FUSE GetAttr/Stat equivalent.
func (f *FS) GetAttr(ctx context.Context, inode uint64) (Attr, error) {
	pos := bkey.Position{Inode: inode}
	path := f.inodes.IterInit(pos, 0)
	k, ok := path.Peek()
	if !ok || k.Pos != pos {
		return Attr{}, fmt.Errorf("fuseshim: inode %d not found", inode)
	}
	iv, ok := k.Val.(*bkey.InodeValue)
	if !ok {
		return Attr{}, fmt.Errorf("fuseshim: inode %d has wrong value type", inode)
	}
	return Attr{
		Inode: inode, Size: iv.Size, Mode: iv.Mode, Nlink: iv.Nlink,
		Uid: iv.Uid, Gid: iv.Gid, Mtime: iv.Mtime,
	}, nil
}

// Lookup is the FUSE Lookup equivalent: resolve name under dirInode to a
// child inode and its attributes.
func (f *FS) Lookup(ctx context.Context, dirInode uint64, name string) (Attr, error) {
	for _, e := range f.readDirEntries(dirInode) {
		if e.Name == name {
			return f.GetAttr(ctx, e.Inode)
		}
	}
	return Attr{}, os.ErrNotExist
}

// ReadDir is the FUSE OpenDir/ReadDir equivalent, returning every dirent
// whose Pos.Inode is dirInode.
func (f *FS) ReadDir(ctx context.Context, dirInode uint64) ([]DirEntry, error) {
	return f.readDirEntries(dirInode), nil
}

func (f *FS) readDirEntries(dirInode uint64) []DirEntry {
	var entries []DirEntry
	path := f.dirents.IterInit(bkey.Position{Inode: dirInode}, 0)
	for {
		k, ok := path.Peek()
		if !ok || k.Pos.Inode != dirInode {
			break
		}
		if dv, ok := k.Val.(*bkey.DirentValue); ok {
			entries = append(entries, DirEntry{Name: dv.Name, Inode: dv.ChildInode, Type: dv.Type})
		}
		if _, ok := path.Next(); !ok {
			break
		}
	}
	return entries
}

// Read is the FUSE Read equivalent, delegating straight to the extent I/O
// path.
func (f *FS) Read(ctx context.Context, inode uint64, offset int64, size int) ([]byte, error) {
	return f.io.Read(ctx, inode, uint64(offset), size)
}

// Write is the FUSE Write equivalent. opts lets the caller (typically a
// mount option parser the adapter owns) choose replica count and target,
// mirroring extentio.WriteOptions.
func (f *FS) Write(ctx context.Context, inode uint64, offset int64, data []byte, opts extentio.WriteOptions) error {
	return f.io.Write(ctx, inode, uint64(offset), data, opts)
}
