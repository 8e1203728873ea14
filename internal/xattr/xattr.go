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

// Package xattr implements bcachefs.* extended attribute storage and the
// Reinherit recursive-propagation operation of spec §6.5: a directory's
// inherited options (compression, background_target, ...) apply to every
// descendant that has not set its own override.
package xattr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"blichmann.eu/code/bcachefs/internal/bkey"
	"blichmann.eu/code/bcachefs/internal/btree"
	"blichmann.eu/code/bcachefs/internal/transaction"
)

// Store reads and writes xattr records, keyed by inode in the xattrs
// btree, and walks the dirents btree for Reinherit's recursive descent.
type Store struct {
	log     *zap.SugaredLogger
	tx      *transaction.Manager
	xattrs  *btree.BTree
	dirents *btree.BTree
}

// Config bundles a Store's dependencies.
type Config struct {
	Log     *zap.SugaredLogger
	Tx      *transaction.Manager
	Xattrs  *btree.BTree
	Dirents *btree.BTree
}

func New(cfg Config) *Store {
	return &Store{log: cfg.Log, tx: cfg.Tx, xattrs: cfg.Xattrs, dirents: cfg.Dirents}
}

// Get returns the named attribute's value and whether this inode carries
// an explicit override for it (as opposed to an inherited default).
func (s *Store) Get(ctx context.Context, inode uint64, name string) (string, bool) {
	path := s.xattrs.IterInit(bkey.Position{Inode: inode}, 0)
	for {
		k, ok := path.Peek()
		if !ok || k.Pos.Inode != inode {
			return "", false
		}
		if xv, ok := k.Val.(*bkey.XattrValue); ok && xv.Name == name {
			return xv.Value, true
		}
		if _, ok := path.Next(); !ok {
			return "", false
		}
	}
}

// Set stores an explicit override for inode, stopping Reinherit's descent
// at this node until the override is removed.
func (s *Store) Set(ctx context.Context, inode uint64, name, value string) error {
	return s.tx.Run(ctx, func(tx *transaction.Tx) error {
		xattrs := tx.Btree(btree.IDXattrs)
		path := xattrs.IterInit(bkey.Position{Inode: inode}, 0)
		newKey := bkey.Key{
			Pos:  bkey.Position{Inode: inode, Offset: hashName(name)},
			Type: bkey.TypeXattr,
			Val:  &bkey.XattrValue{Name: name, Value: value},
		}
		return tx.Update(btree.IDXattrs, path, bkey.Key{}, newKey)
	})
}

// Remove deletes an explicit override, letting inherited defaults apply
// to inode again.
func (s *Store) Remove(ctx context.Context, inode uint64, name string) error {
	return s.tx.Run(ctx, func(tx *transaction.Tx) error {
		xattrs := tx.Btree(btree.IDXattrs)
		pos := bkey.Position{Inode: inode, Offset: hashName(name)}
		path := xattrs.IterInit(pos, 0)
		old, ok := path.Peek()
		if !ok {
			return nil
		}
		tombstone := bkey.Key{Pos: pos, Type: bkey.TypeXattr}
		return tx.Update(btree.IDXattrs, path, old, tombstone)
	})
}

// Reinherit recursively descends the directory tree rooted at dirInode,
// applying (name, value) to every descendant file and directory that does
// not already carry its own override for name, matching spec §6.5
// "Reinherit-attrs ... stops at nodes carrying their own override".
func (s *Store) Reinherit(ctx context.Context, dirInode uint64, name, value string) error {
	return s.reinherit(ctx, dirInode, name, value, true)
}

// reinherit is the recursive worker; root is true only for the call on
// dirInode itself, whose own override (if any) is left untouched since
// Reinherit is meant to push a value down from a directory, not overwrite
// the directory's own setting.
func (s *Store) reinherit(ctx context.Context, dirInode uint64, name, value string, root bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !root {
		if _, hasOverride := s.Get(ctx, dirInode, name); hasOverride {
			return nil
		}
		if err := s.Set(ctx, dirInode, name, value); err != nil {
			return fmt.Errorf("xattr: reinherit inode %d: %w", dirInode, err)
		}
	}

	path := s.dirents.IterInit(bkey.Position{Inode: dirInode}, 0)
	for {
		k, ok := path.Peek()
		if !ok || k.Pos.Inode != dirInode {
			return nil
		}
		if dv, ok := k.Val.(*bkey.DirentValue); ok {
			if err := s.reinherit(ctx, dv.ChildInode, name, value, false); err != nil {
				return err
			}
		}
		if _, ok := path.Next(); !ok {
			return nil
		}
	}
}

// hashName derives a stable btree offset for a name, the same scheme the
// dirent tree uses to avoid storing names as the sort key directly.
func hashName(name string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}
