// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledgertest provides fixtures for ledger package tests: an
// in-memory badger store and helpers that seal and store records.
package ledgertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	badgerdb "github.com/AleutianAI/tally/services/ledger/storage/badger"
)

// NewStore returns an in-memory store closed at test cleanup.
func NewStore(t testing.TB) *store.BadgerStore {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	s, err := store.NewBadgerStore(db, store.BadgerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s
}

// Signer returns a fresh identity.
func Signer(t testing.TB) *record.Signer {
	t.Helper()
	s, err := record.GenerateSigner()
	require.NoError(t, err)
	return s
}

// Create seals content as a new chain and stores it.
func Create(t testing.TB, s store.ContentStore, signer *record.Signer, content record.Content) *record.Record {
	t.Helper()
	rec, err := record.Seal(signer, record.Action{Type: record.ActionCreate}, content)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

// Update seals content as a revision of prev, stores it and links it.
func Update(t testing.TB, s store.ContentStore, signer *record.Signer, prev *record.Record, content record.Content) *record.Record {
	t.Helper()
	rec, err := record.Seal(signer, record.Action{Type: record.ActionUpdate, Supersedes: prev.Address.Ptr()}, content)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.Put(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.AddLink(ctx, prev.Address, store.LinkUpdate, rec.Address, ""))
	return rec
}

// Subject creates an entity and returns its record.
func Subject(t testing.TB, s store.ContentStore, signer *record.Signer, name string) *record.Record {
	t.Helper()
	return Create(t, s, signer, record.NewEntity("package", name, nil))
}
