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

// Package crypt implements per-extent encryption (spec §4.6 step 4, §9
// encryption=chacha20_poly1305) and the KDF used to wrap the filesystem's
// master key material in the superblock (spec §3.1 "encryption key
// material (encrypted with KDF output)"), grounded on
// rickcollette-kayveedb's use of golang.org/x/crypto/chacha20poly1305.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// KeySize is the chacha20-poly1305 key size in bytes.
const KeySize = chacha20poly1305.KeySize

// MasterKey is the filesystem's decrypted master key, held only in memory
// after a successful unlock; never written to disk in this form.
type MasterKey [KeySize]byte

// WrappedKey is the on-disk, KDF-encrypted form of a MasterKey, stored in
// the superblock's encryption key material section.
type WrappedKey struct {
	KDFSalt   [16]byte
	Nonce     [chacha20poly1305.NonceSize]byte
	Encrypted [KeySize + chacha20poly1305.Overhead]byte
}

// DeriveKEK derives a key-encryption-key from a passphrase and salt via
// HKDF-SHA256, used to seal/open the master key at set-passphrase/unlock
// time.
func DeriveKEK(passphrase string, salt [16]byte) ([KeySize]byte, error) {
	var kek [KeySize]byte
	r := hkdf.New(newSHA256, []byte(passphrase), salt[:], []byte("bcachefs-kek-v1"))
	if _, err := io.ReadFull(r, kek[:]); err != nil {
		return kek, fmt.Errorf("crypt: derive kek: %w", err)
	}
	return kek, nil
}

// WrapMasterKey seals mk under the KEK derived from passphrase, producing
// the on-disk WrappedKey record (set-passphrase CLI operation).
func WrapMasterKey(mk MasterKey, passphrase string) (WrappedKey, error) {
	var wk WrappedKey
	if _, err := rand.Read(wk.KDFSalt[:]); err != nil {
		return wk, fmt.Errorf("crypt: salt: %w", err)
	}
	kek, err := DeriveKEK(passphrase, wk.KDFSalt)
	if err != nil {
		return wk, err
	}
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return wk, fmt.Errorf("crypt: aead: %w", err)
	}
	if _, err := rand.Read(wk.Nonce[:]); err != nil {
		return wk, fmt.Errorf("crypt: nonce: %w", err)
	}
	sealed := aead.Seal(nil, wk.Nonce[:], mk[:], nil)
	copy(wk.Encrypted[:], sealed)
	return wk, nil
}

// UnwrapMasterKey opens a WrappedKey using the passphrase (unlock/mount
// operation). Returns an error wrapping the AEAD failure on wrong
// passphrase or corrupted key material.
func UnwrapMasterKey(wk WrappedKey, passphrase string) (MasterKey, error) {
	var mk MasterKey
	kek, err := DeriveKEK(passphrase, wk.KDFSalt)
	if err != nil {
		return mk, err
	}
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return mk, fmt.Errorf("crypt: aead: %w", err)
	}
	opened, err := aead.Open(nil, wk.Nonce[:], wk.Encrypted[:], nil)
	if err != nil {
		return mk, fmt.Errorf("crypt: unwrap master key: %w", err)
	}
	copy(mk[:], opened)
	return mk, nil
}

// ExtentNonce derives the per-extent AEAD nonce from (inode, offset,
// generation), per spec §4.6 step 4: "per-extent nonce derived from
// (inode, offset, generation)". Deterministic so re-reads and retries
// reconstruct the same nonce without storing it separately.
func ExtentNonce(inode, offset uint64, generation uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[0:8], inode^generation)
	binary.LittleEndian.PutUint32(n[8:12], uint32(offset))
	return n
}

// Seal encrypts plaintext for the given extent identity under mk, appending
// the Poly1305 tag to the returned ciphertext. No separate checksum is
// returned; callers still checksum the ciphertext themselves.
func Seal(mk MasterKey, inode, offset, generation uint64, plaintext []byte) (ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: aead: %w", err)
	}
	nonce := ExtentNonce(inode, offset, generation)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts and authenticates ciphertext for the given extent identity.
func Open(mk MasterKey, inode, offset, generation uint64, ciphertext []byte) (plaintext []byte, err error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: aead: %w", err)
	}
	nonce := ExtentNonce(inode, offset, generation)
	out, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: open: %w", err)
	}
	return out, nil
}
