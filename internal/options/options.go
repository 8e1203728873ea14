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

// Package options implements the enumerated configuration registry from
// spec §9: every recognized option with its kind, scope, and default,
// grounded on aalhour-rockyardkv's options.go alias-enum split between a
// public option surface and internal codec packages.
package options

import (
	"fmt"
	"strconv"
	"strings"

	"blichmann.eu/code/bcachefs/internal/checksum"
	"blichmann.eu/code/bcachefs/internal/compress"
)

// CompressionType and ChecksumType alias the internal codec packages'
// Type, exactly as rockyardkv aliases compression.Type/checksum.Type so
// callers of this package never import the codec packages directly.
type CompressionType = compress.Type
type ChecksumType = checksum.Type

const (
	CompressionNone = compress.TypeNone
	CompressionLZ4  = compress.TypeLZ4
	CompressionGzip = compress.TypeGzip
	CompressionZstd = compress.TypeZstd
)

const (
	ChecksumNone     = checksum.TypeNone
	ChecksumCRC32C   = checksum.TypeCRC32C
	ChecksumCRC64    = checksum.TypeCRC64
	ChecksumXXH3     = checksum.TypeXXH3
	ChecksumPoly1305 = checksum.TypePoly1305
)

// EncryptionType selects the at-rest encryption algorithm.
type EncryptionType uint8

const (
	EncryptionNone EncryptionType = iota
	EncryptionChaCha20Poly1305
)

func (e EncryptionType) String() string {
	if e == EncryptionChaCha20Poly1305 {
		return "chacha20_poly1305"
	}
	return "none"
}

// ErrorAction selects what happens when the core hits a Corruption-class
// error outside of fsck (spec §7).
type ErrorAction uint8

const (
	ErrorContinue ErrorAction = iota
	ErrorRemountRO
	ErrorPanic
)

// Kind classifies the shape of an option's value.
type Kind int

const (
	KindBool Kind = iota
	KindUnsigned
	KindString
	KindEnum
	KindFunc
)

// Scope is a bitmask of the contexts an option may be set in.
type Scope uint8

const (
	ScopeFormat Scope = 1 << iota
	ScopeMount
	ScopeRuntime
	ScopeInode
)

func (s Scope) Has(o Scope) bool { return s&o == o }

// Entry describes one recognized option (spec §9's table).
type Entry struct {
	Name    string
	Kind    Kind
	Scope   Scope
	Choices []string // for KindEnum
	Default any
}

// Registry lists every option the core recognizes. All are optional; a
// Set that omits a registered option leaves its Default in force.
var Registry = []Entry{
	{Name: "block_size", Kind: KindUnsigned, Scope: ScopeFormat, Default: uint64(0)}, // 0 == max of device blocksizes
	{Name: "btree_node_size", Kind: KindUnsigned, Scope: ScopeFormat, Default: uint64(256 * 1024)},
	{Name: "metadata_replicas", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: uint64(1)},
	{Name: "data_replicas", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount | ScopeInode, Default: uint64(1)},
	{Name: "metadata_checksum_type", Kind: KindEnum, Scope: ScopeFormat | ScopeMount,
		Choices: []string{"none", "crc32c", "crc64", "xxh3"}, Default: ChecksumCRC32C},
	{Name: "data_checksum_type", Kind: KindEnum, Scope: ScopeFormat | ScopeMount | ScopeInode,
		Choices: []string{"none", "crc32c", "crc64", "xxh3"}, Default: ChecksumCRC32C},
	{Name: "compression", Kind: KindEnum, Scope: ScopeFormat | ScopeMount | ScopeInode,
		Choices: []string{"none", "lz4", "gzip", "zstd"}, Default: CompressionNone},
	{Name: "encryption", Kind: KindEnum, Scope: ScopeFormat,
		Choices: []string{"none", "chacha20_poly1305"}, Default: EncryptionNone},
	{Name: "foreground_target", Kind: KindString, Scope: ScopeMount | ScopeInode, Default: ""},
	{Name: "background_target", Kind: KindString, Scope: ScopeMount | ScopeInode, Default: ""},
	{Name: "promote_target", Kind: KindString, Scope: ScopeMount | ScopeInode, Default: ""},
	{Name: "metadata_target", Kind: KindString, Scope: ScopeMount, Default: ""},
	{Name: "error_action", Kind: KindEnum, Scope: ScopeMount | ScopeRuntime,
		Choices: []string{"continue", "remount_ro", "panic"}, Default: ErrorRemountRO},
	{Name: "gc_reserve_percent", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: uint64(8)},
	{Name: "discard", Kind: KindBool, Scope: ScopeFormat | ScopeMount, Default: false},
	{Name: "durability", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: uint64(1)},
	{Name: "data_allowed", Kind: KindString, Scope: ScopeFormat | ScopeMount,
		Default: "journal,btree,user,parity"},
}

func lookup(name string) (Entry, bool) {
	for _, e := range Registry {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Set is a parsed set of option values keyed by name.
type Set map[string]any

// Get returns the value for name, falling back to its registered default.
func (s Set) Get(name string) (any, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	e, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("options: unknown option %q", name)
	}
	return e.Default, nil
}

// Parse parses a comma-separated "name=value,name2=value2" option string
// into a Set, validating each name against Registry and each value against
// its Kind and, for enums, Choices.
func Parse(s string, scope Scope) (Set, error) {
	out := make(Set)
	if s == "" {
		return out, nil
	}
	for _, field := range strings.Split(s, ",") {
		name, value, hasValue := strings.Cut(field, "=")
		name = strings.TrimSpace(name)
		e, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("options: unknown option %q", name)
		}
		if !e.Scope.Has(scope) {
			return nil, fmt.Errorf("options: %q not valid in this scope", name)
		}
		if e.Kind == KindBool && !hasValue {
			out[name] = true
			continue
		}
		if !hasValue {
			return nil, fmt.Errorf("options: %q requires a value", name)
		}
		v, err := parseValue(e, value)
		if err != nil {
			return nil, fmt.Errorf("options: %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func parseValue(e Entry, value string) (any, error) {
	switch e.Kind {
	case KindBool:
		return strconv.ParseBool(value)
	case KindUnsigned:
		return strconv.ParseUint(value, 10, 64)
	case KindString:
		return value, nil
	case KindEnum:
		for i, choice := range e.Choices {
			if choice == value {
				return choiceValue(e.Name, i), nil
			}
		}
		return nil, fmt.Errorf("must be one of %v, got %q", e.Choices, value)
	default:
		return nil, fmt.Errorf("unsupported kind for parsing")
	}
}

// choiceValue maps an enum's ordinal choice index back to the typed
// constant the rest of the core consumes.
func choiceValue(name string, idx int) any {
	switch name {
	case "metadata_checksum_type", "data_checksum_type":
		return []ChecksumType{ChecksumNone, ChecksumCRC32C, ChecksumCRC64, ChecksumXXH3}[idx]
	case "compression":
		return []CompressionType{CompressionNone, CompressionLZ4, CompressionGzip, CompressionZstd}[idx]
	case "encryption":
		return []EncryptionType{EncryptionNone, EncryptionChaCha20Poly1305}[idx]
	case "error_action":
		return []ErrorAction{ErrorContinue, ErrorRemountRO, ErrorPanic}[idx]
	default:
		return idx
	}
}
