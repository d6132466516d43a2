// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tally/services/ledger/ledgertest"
	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
)

func newTestManager(t *testing.T, check Checker) *Manager {
	t.Helper()
	s := ledgertest.NewStore(t)
	return NewManager(s, lineage.NewTracer(s, lineage.Config{}), check, nil)
}

func rename(name string) func(record.Content) error {
	return func(c record.Content) error {
		c.(*record.Entity).Name = name
		return nil
	}
}

func TestManager_CreateUpdateGet(t *testing.T) {
	m := newTestManager(t, nil)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)
	assert.Equal(t, created.Head.Address, created.Origin)
	assert.Equal(t, created.Head.ContentAddress(), created.Identity)

	updated, err := m.Update(ctx, signer, created.Origin, rename("notes-2"))
	require.NoError(t, err)
	assert.Equal(t, created.Origin, updated.Origin)
	assert.Equal(t, created.Identity, updated.Identity)
	assert.Equal(t, 1, updated.Depth)

	for _, id := range []record.Address{created.Origin, updated.Head.Address} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, updated.Head.Address, got.Head.Address)
		assert.Equal(t, "notes-2", got.Head.Content.(*record.Entity).Name)
		assert.False(t, got.Deleted)
	}

	// The original revision's content is untouched by the mutator.
	orig, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.NotEqual(t, orig.Head.Address, created.Head.Address)
	assert.Equal(t, "notes", created.Head.Content.(*record.Entity).Name)
}

func TestManager_UpdateRequiresAuthor(t *testing.T) {
	m := newTestManager(t, nil)
	owner := ledgertest.Signer(t)
	other := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, owner, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)

	_, err = m.Update(ctx, other, created.Origin, rename("mine"))
	assert.ErrorIs(t, err, ErrNotAuthor)

	_, err = m.Delete(ctx, other, created.Origin)
	assert.ErrorIs(t, err, ErrNotAuthor)
}

func TestManager_Delete(t *testing.T) {
	m := newTestManager(t, nil)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)

	del, err := m.Delete(ctx, signer, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, record.ActionDelete, del.Action.Type)

	got, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	_, err = m.Update(ctx, signer, created.Origin, rename("revived"))
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestManager_DeleteOnlyEntities(t *testing.T) {
	m := newTestManager(t, nil)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	subject, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)
	review, err := m.Create(ctx, signer, record.NewReview(signer.Author(),
		[]record.SubjectRef{{Identity: subject.Identity, Pointer: subject.Origin}}, map[string]int{"quality": 5}, ""))
	require.NoError(t, err)

	_, err = m.Delete(ctx, signer, review.Origin)
	assert.ErrorIs(t, err, ErrNotDeletable)
}

func TestManager_CheckerRejects(t *testing.T) {
	rejected := errors.New("rejected")
	m := newTestManager(t, func(_ context.Context, rec, prev *record.Record) error {
		if prev != nil {
			return rejected
		}
		return nil
	})
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)

	_, err = m.Update(ctx, signer, created.Origin, rename("x"))
	assert.ErrorIs(t, err, rejected)

	got, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, created.Origin, got.Head.Address, "rejected revision must not be stored")
}

func TestManager_SummaryChainsAcceptAnyEditor(t *testing.T) {
	m := newTestManager(t, nil)
	first := ledgertest.Signer(t)
	second := ledgertest.Signer(t)
	ctx := context.Background()

	subject := record.HashBytes([]byte("subject"))
	summary := &record.ReactionSummary{SummaryHeader: record.SummaryHeader{
		SubjectIdentity: subject,
		SubjectLineage:  []record.Address{subject},
	}}
	created, err := m.Create(ctx, first, summary)
	require.NoError(t, err)

	updated, err := m.Update(ctx, second, created.Origin, func(c record.Content) error {
		c.(*record.ReactionSummary).FactoredActionCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, second.Author(), updated.Head.Author())

	got, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, updated.Head.Address, got.Head.Address)
}

func TestManager_RequiresSigner(t *testing.T) {
	m := newTestManager(t, nil)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)

	t.Run("create", func(t *testing.T) {
		_, err := m.Create(ctx, nil, record.NewEntity("app", "other", nil))
		assert.ErrorIs(t, err, ErrNoSigner)
	})

	t.Run("update", func(t *testing.T) {
		_, err := m.Update(ctx, nil, created.Origin, rename("x"))
		assert.ErrorIs(t, err, ErrNoSigner)
	})

	t.Run("delete", func(t *testing.T) {
		_, err := m.Delete(ctx, nil, created.Origin)
		assert.ErrorIs(t, err, ErrNoSigner)
	})

	got, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, created.Origin, got.Head.Address)
	assert.False(t, got.Deleted)
}

// flakyLinker fails update links until armed is cleared.
type flakyLinker struct {
	store.ContentStore
	armed bool
}

func (f *flakyLinker) AddLink(ctx context.Context, base record.Address, kind store.LinkKind, target record.Address, tag string) error {
	if f.armed && kind == store.LinkUpdate {
		return errors.New("link write failed")
	}
	return f.ContentStore.AddLink(ctx, base, kind, target, tag)
}

func TestManager_UpdateLinkFailure(t *testing.T) {
	s := &flakyLinker{ContentStore: ledgertest.NewStore(t)}
	m := NewManager(s, lineage.NewTracer(s, lineage.Config{}), nil, nil)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	created, err := m.Create(ctx, signer, record.NewEntity("app", "notes", nil))
	require.NoError(t, err)

	s.armed = true
	_, err = m.Update(ctx, signer, created.Origin, rename("lost"))
	require.Error(t, err)

	got, err := m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, created.Origin, got.Head.Address, "unlinked revision must not become head")

	s.armed = false
	retried, err := m.Update(ctx, signer, created.Origin, rename("kept"))
	require.NoError(t, err)

	got, err = m.Get(ctx, created.Origin)
	require.NoError(t, err)
	assert.Equal(t, retried.Head.Address, got.Head.Address)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, "kept", got.Head.Content.(*record.Entity).Name)
}
