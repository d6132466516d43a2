// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record defines the immutable, signed, content-addressed records
// the ledger is built from.
//
// A record is two hashed objects. The Entry is the content (kind plus
// canonical JSON payload); its hash is the content address. The Action is
// the authored event (create, update or delete) that points at an entry and
// optionally supersedes or deletes an earlier action; its hash is the record
// Address. Actions are signed with the author's ed25519 key.
//
//	Action{type, kind, author, entry, supersedes?, deletes?, timestamp}
//	   │ sha256 → Address
//	   └─ entry ──► Entry{kind, payload}
//	                   │ sha256 → content address
//
// The first action of an update chain is its origin; the origin's entry
// address is the stable identity of the logical entity across edits.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrCorrupted marks an integrity violation: a hash or signature that
	// does not match its bytes, a cyclic or overlong update chain, or two
	// distinct origins claiming the same content address. Never recovered.
	ErrCorrupted = errors.New("record corrupted")

	// ErrNotFound is returned when an address is not in the store.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidAddress is returned for a malformed address string.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrUnknownKind is returned when a kind has no content type.
	ErrUnknownKind = errors.New("unknown record kind")
)

// =============================================================================
// Address
// =============================================================================

// AddressLength is the hex length of an Address (sha256).
const AddressLength = 64

var addressRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Address is the lowercase hex sha256 of an action or entry.
type Address string

// ParseAddress validates s as an Address.
func ParseAddress(s string) (Address, error) {
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address(s), nil
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// Short returns the first 12 characters for display.
func (a Address) Short() string {
	if len(a) <= 12 {
		return string(a)
	}
	return string(a[:12])
}

// Valid reports whether a is well formed.
func (a Address) Valid() bool {
	return addressRegex.MatchString(string(a))
}

// Ptr returns a pointer to a copy of a.
func (a Address) Ptr() *Address {
	return &a
}

// HashBytes returns the Address of b.
func HashBytes(b []byte) Address {
	h := sha256.Sum256(b)
	return Address(hex.EncodeToString(h[:]))
}
