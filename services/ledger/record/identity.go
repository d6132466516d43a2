// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for malformed key material.
var ErrInvalidKey = errors.New("invalid key")

// AuthorKey is the hex-encoded ed25519 public key of an author.
type AuthorKey string

// PublicKey decodes the key.
func (k AuthorKey) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(k))
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: author key %q", ErrInvalidKey, k)
	}
	return ed25519.PublicKey(b), nil
}

// Verify reports whether sig is k's signature over msg.
func (k AuthorKey) Verify(msg, sig []byte) bool {
	pub, err := k.PublicKey()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Short returns a display prefix of the key.
func (k AuthorKey) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// Signer is an author's signing identity. It is passed explicitly to every
// operation that authors a record.
type Signer struct {
	priv   ed25519.PrivateKey
	author AuthorKey
}

// GenerateSigner creates a fresh random identity.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newSigner(priv), nil
}

// SignerFromSeed derives an identity from a 32-byte seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return newSigner(ed25519.NewKeyFromSeed(seed)), nil
}

func newSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, author: AuthorKey(hex.EncodeToString(pub))}
}

// Author returns the signer's public identity.
func (s *Signer) Author() AuthorKey {
	return s.author
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// LoadSignerFile reads a hex seed written by WriteSignerFile.
func LoadSignerFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not hex", ErrInvalidKey)
	}
	return SignerFromSeed(seed)
}

// WriteSignerFile stores the signer's seed as hex with owner-only
// permissions. It refuses to overwrite an existing file.
func WriteSignerFile(path string, s *Signer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(s.priv.Seed()) + "\n"); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
