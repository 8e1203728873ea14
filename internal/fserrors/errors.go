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

// Package fserrors defines the error taxonomy shared by every core
// component: sentinel errors matched with errors.Is, and a Positioned
// wrapper that attaches btree_id+position context as errors bubble up
// per the propagation policy in spec §7.
package fserrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components return these directly or wrapped with
// fmt.Errorf("...: %w", ...); callers match with errors.Is.
var (
	ErrBadMagic               = errors.New("bad magic")
	ErrBadChecksum            = errors.New("bad checksum")
	ErrUnknownRequiredFeature = errors.New("unknown required feature")
	ErrTruncated              = errors.New("truncated")

	ErrTransactionRestart = errors.New("transaction restart")
	ErrNoSpace            = errors.New("no space left")
	ErrReadOnly           = errors.New("filesystem read-only")
	ErrCorruption         = errors.New("corruption detected")
	ErrIO                 = errors.New("i/o error")

	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrUnrecoverableRead = errors.New("unrecoverable read")
	ErrDegraded          = errors.New("extent degraded below policy")

	ErrNotImplemented = errors.New("not implemented")
	ErrNotFound       = errors.New("key not found")
	ErrExist          = errors.New("already exists")
)

// Positioned carries the btree_id and position that a low-level error
// occurred at, so it can be surfaced without the caller re-deriving
// context it no longer has access to.
type Positioned struct {
	BtreeID string
	Pos     fmt.Stringer
	Err     error
}

func (p *Positioned) Error() string {
	if p.Pos == nil {
		return fmt.Sprintf("%s: %v", p.BtreeID, p.Err)
	}
	return fmt.Sprintf("%s@%s: %v", p.BtreeID, p.Pos, p.Err)
}

func (p *Positioned) Unwrap() error { return p.Err }

// WithPosition wraps err with btree_id+position context. Returns nil if
// err is nil so call sites can do `return fserrors.WithPosition(...)`
// unconditionally after a fallible call.
func WithPosition(btreeID string, pos fmt.Stringer, err error) error {
	if err == nil {
		return nil
	}
	return &Positioned{BtreeID: btreeID, Pos: pos, Err: err}
}

// IsRetryable reports whether err is a class the transaction layer retries
// locally rather than surfacing to the caller (spec §7 "Transient/retryable").
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionRestart)
}
