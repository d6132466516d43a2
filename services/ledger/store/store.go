// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists sealed records and the advisory link lists that
// index them.
//
// Records are keyed by address and re-verified on every read, so a peer
// never hands a tampered record to the tracer or assembler. Links are a
// multiset: AddLink never deduplicates and Links returns entries in
// insertion order. Consumers treat links as hints and re-check them against
// record content.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/tally/services/ledger/record"
)

// ErrNilContext is returned when a nil context is passed to the store.
var ErrNilContext = errors.New("store: nil context")

// LinkKind names a link list.
type LinkKind string

const (
	// LinkSubject maps a subject identity to review and reaction pointers.
	// The tag is the record kind.
	LinkSubject LinkKind = "subject"

	// LinkUpdate maps an action to the actions that supersede it.
	LinkUpdate LinkKind = "update"

	// LinkDelete maps an action to the delete actions that target it.
	LinkDelete LinkKind = "delete"

	// LinkSummary maps a subject identity to summary chain origins. The tag
	// is the summary kind.
	LinkSummary LinkKind = "summary"
)

// Link is one entry of a link list.
type Link struct {
	Target record.Address `json:"t"`
	Tag    string         `json:"g,omitempty"`
}

// Getter fetches verified records.
type Getter interface {
	// Get returns the record at addr. Missing records wrap
	// record.ErrNotFound; integrity failures wrap record.ErrCorrupted.
	Get(ctx context.Context, addr record.Address) (*record.Record, error)
}

// Linker reads and appends link lists.
type Linker interface {
	AddLink(ctx context.Context, base record.Address, kind LinkKind, target record.Address, tag string) error
	Links(ctx context.Context, base record.Address, kind LinkKind) ([]Link, error)
}

// ContentStore is the full store contract consumed by the ledger.
type ContentStore interface {
	Getter
	Linker

	// Put verifies and stores rec. Storing an existing address is a no-op.
	Put(ctx context.Context, rec *record.Record) (record.Address, error)

	// Has reports whether addr is stored, without verifying it.
	Has(ctx context.Context, addr record.Address) (bool, error)
}
