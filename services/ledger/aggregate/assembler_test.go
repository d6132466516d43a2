// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tally/services/ledger/entity"
	"github.com/AleutianAI/tally/services/ledger/ledgertest"
	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/subject"
)

type fixture struct {
	store    store.ContentStore
	index    *subject.Index
	entities *entity.Manager
	asm      *Assembler
	subject  *entity.Entity
	owner    *record.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := ledgertest.NewStore(t)
	tracer := lineage.NewTracer(s, lineage.Config{})
	index := subject.NewIndex(s, nil)
	f := &fixture{
		store:    s,
		index:    index,
		entities: entity.NewManager(s, tracer, nil, nil),
		asm:      NewAssembler(s, tracer, index, Config{Concurrency: 4}),
		owner:    ledgertest.Signer(t),
	}
	var err error
	f.subject, err = f.entities.Create(context.Background(), f.owner, record.NewEntity("package", "left-pad", nil))
	require.NoError(t, err)
	return f
}

func (f *fixture) ref() []record.SubjectRef {
	return []record.SubjectRef{{Identity: f.subject.Identity, Pointer: f.subject.Origin}}
}

func (f *fixture) review(t *testing.T, signer *record.Signer, ratings map[string]int) *entity.Entity {
	t.Helper()
	ctx := context.Background()
	e, err := f.entities.Create(ctx, signer, record.NewReview(signer.Author(), f.ref(), ratings, ""))
	require.NoError(t, err)
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, e.Origin, record.KindReview))
	return e
}

func (f *fixture) react(t *testing.T, signer *record.Signer, identity, pointer record.Address, typ int) *entity.Entity {
	t.Helper()
	ctx := context.Background()
	refs := []record.SubjectRef{{Identity: identity, Pointer: pointer}}
	e, err := f.entities.Create(ctx, signer, record.NewReaction(signer.Author(), refs, typ))
	require.NoError(t, err)
	require.NoError(t, f.index.Add(ctx, identity, e.Origin, record.KindReaction))
	return e
}

func (f *fixture) edit(t *testing.T, signer *record.Signer, e *entity.Entity, mutate func(*record.Review)) *entity.Entity {
	t.Helper()
	next, err := f.entities.Update(context.Background(), signer, e.Head.Address, func(c record.Content) error {
		mutate(c.(*record.Review))
		return nil
	})
	require.NoError(t, err)
	return next
}

func (f *fixture) assemble(t *testing.T) *record.ReviewSummary {
	t.Helper()
	s, err := f.asm.AssembleReviews(context.Background(), f.subject.Origin)
	require.NoError(t, err)
	return s
}

func TestAssemble_Scenarios(t *testing.T) {
	f := newFixture(t)
	alice := ledgertest.Signer(t)
	bob := ledgertest.Signer(t)

	a := f.review(t, alice, map[string]int{"quality": 8})
	b := f.review(t, bob, map[string]int{"quality": 4})

	t.Run("two live reviews", func(t *testing.T) {
		s := f.assemble(t)
		assert.Len(t, s.LiveRefs, 2)
		assert.Empty(t, s.TombstonedRefs)
		assert.Equal(t, uint64(2), s.FactoredActionCount)
		assert.Equal(t, 6.0, s.Stats["quality"].Average)
		assert.Equal(t, 4, s.Stats["quality"].Median)
		assert.Equal(t, int64(12), s.Stats["quality"].Sum)
		assert.Equal(t, uint64(2), s.Stats["quality"].Count)
		assert.Equal(t, f.subject.Identity, s.SubjectIdentity)
		assert.Equal(t, []record.Address{f.subject.Origin}, s.SubjectLineage)
	})

	a = f.edit(t, alice, a, func(r *record.Review) { r.Ratings["quality"] = 10 })

	t.Run("edit adds weight and uses current values", func(t *testing.T) {
		s := f.assemble(t)
		assert.Len(t, s.LiveRefs, 2)
		assert.Equal(t, uint64(3), s.FactoredActionCount)
		assert.Equal(t, 7.0, s.Stats["quality"].Average)
		assert.Equal(t, 4, s.Stats["quality"].Median)

		ref := s.LiveRefs[string(a.Identity)]
		assert.Equal(t, a.Origin, ref.Origin)
		assert.Equal(t, a.Head.Address, ref.Head)
		assert.Equal(t, 1, ref.EditDepth)
		assert.Equal(t, uint64(2), ref.Weight)
		assert.Equal(t, alice.Author(), ref.Author)
	})

	f.edit(t, bob, b, func(r *record.Review) { r.Deleted = true })

	t.Run("soft delete moves to tombstones", func(t *testing.T) {
		s := f.assemble(t)
		assert.Len(t, s.LiveRefs, 1)
		assert.Len(t, s.TombstonedRefs, 1)
		assert.Contains(t, s.TombstonedRefs, string(b.Identity))
		assert.Equal(t, uint64(3), s.FactoredActionCount)
		assert.Equal(t, 10.0, s.Stats["quality"].Average)
		assert.Equal(t, 10, s.Stats["quality"].Median)
	})
}

func TestAssemble_Idempotent(t *testing.T) {
	f := newFixture(t)
	for i, q := range []int{3, 9, 5, 7} {
		f.review(t, ledgertest.Signer(t), map[string]int{"quality": q, "docs": i})
	}

	first, err := record.Encode(f.assemble(t))
	require.NoError(t, err)
	second, err := record.Encode(f.assemble(t))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssemble_Monotonic(t *testing.T) {
	f := newFixture(t)
	alice := ledgertest.Signer(t)
	bob := ledgertest.Signer(t)

	var last uint64
	check := func() {
		s := f.assemble(t)
		assert.GreaterOrEqual(t, s.FactoredActionCount, last)
		last = s.FactoredActionCount
	}

	a := f.review(t, alice, map[string]int{"quality": 1})
	check()
	b := f.review(t, bob, map[string]int{"quality": 2})
	check()
	a = f.edit(t, alice, a, func(r *record.Review) { r.Ratings["quality"] = 6 })
	check()
	f.edit(t, bob, b, func(r *record.Review) { r.Deleted = true })
	check()
	f.edit(t, alice, a, func(r *record.Review) { r.Message = "second thoughts" })
	check()
	f.review(t, bob, map[string]int{"quality": 9})
	check()
	assert.Equal(t, uint64(5), last)
}

func TestAssemble_InsufficientData(t *testing.T) {
	f := newFixture(t)

	_, err := f.asm.AssembleReviews(context.Background(), f.subject.Origin)
	assert.ErrorIs(t, err, ErrInsufficientData)

	bob := ledgertest.Signer(t)
	b := f.review(t, bob, map[string]int{"quality": 4})
	f.edit(t, bob, b, func(r *record.Review) { r.Deleted = true })

	_, err = f.asm.AssembleReviews(context.Background(), f.subject.Origin)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAssemble_FiltersAdvisoryIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := ledgertest.Signer(t)
	a := f.review(t, alice, map[string]int{"quality": 8})
	a2 := f.edit(t, alice, a, func(r *record.Review) { r.Ratings["quality"] = 9 })

	// Duplicate pointers and a pointer to an intermediate revision.
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, a.Origin, record.KindReview))
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, a2.Head.Address, record.KindReview))

	// A missing record.
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, record.HashBytes([]byte("ghost")), record.KindReview))

	// A record of the wrong kind.
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, f.subject.Origin, record.KindReview))

	// A review about a different subject.
	other, err := f.entities.Create(ctx, f.owner, record.NewEntity("package", "right-pad", nil))
	require.NoError(t, err)
	stray, err := f.entities.Create(ctx, alice, record.NewReview(alice.Author(),
		[]record.SubjectRef{{Identity: other.Identity, Pointer: other.Origin}}, map[string]int{"quality": 0}, ""))
	require.NoError(t, err)
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, stray.Origin, record.KindReview))

	// A review that names this subject but points at another one.
	liar, err := f.entities.Create(ctx, alice, record.NewReview(alice.Author(),
		[]record.SubjectRef{{Identity: f.subject.Identity, Pointer: other.Origin}}, map[string]int{"quality": 0}, ""))
	require.NoError(t, err)
	require.NoError(t, f.index.Add(ctx, f.subject.Identity, liar.Origin, record.KindReview))

	s := f.assemble(t)
	assert.Len(t, s.LiveRefs, 1)
	assert.Equal(t, uint64(2), s.FactoredActionCount)
	assert.Equal(t, 9.0, s.Stats["quality"].Average)
}

func TestAssemble_OriginCollisionIsCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := ledgertest.Signer(t)

	review := record.NewReview(alice.Author(), f.ref(), map[string]int{"quality": 5}, "")
	first, err := record.Seal(alice, record.Action{Type: record.ActionCreate, Timestamp: time.Unix(1, 0).UTC()}, review)
	require.NoError(t, err)
	second, err := record.Seal(alice, record.Action{Type: record.ActionCreate, Timestamp: time.Unix(2, 0).UTC()}, review)
	require.NoError(t, err)
	require.Equal(t, first.ContentAddress(), second.ContentAddress())
	require.NotEqual(t, first.Address, second.Address)

	for _, rec := range []*record.Record{first, second} {
		_, err := f.store.Put(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, f.index.Add(ctx, f.subject.Identity, rec.Address, record.KindReview))
	}

	_, err = f.asm.AssembleReviews(ctx, f.subject.Origin)
	assert.ErrorIs(t, err, record.ErrCorrupted)
}

func TestAssemble_SubjectRevisionKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.review(t, ledgertest.Signer(t), map[string]int{"quality": 6})

	rev, err := f.entities.Update(ctx, f.owner, f.subject.Origin, func(c record.Content) error {
		c.(*record.Entity).Fields = map[string]string{"version": "2"}
		return nil
	})
	require.NoError(t, err)

	s, err := f.asm.AssembleReviews(ctx, rev.Head.Address)
	require.NoError(t, err)
	assert.Equal(t, f.subject.Identity, s.SubjectIdentity)
	assert.Equal(t, []record.Address{rev.Head.Address, f.subject.Origin}, s.SubjectLineage)
	assert.Len(t, s.LiveRefs, 1)
}

func TestAssemble_Reactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.react(t, ledgertest.Signer(t), f.subject.Identity, f.subject.Origin, 1)
	f.react(t, ledgertest.Signer(t), f.subject.Identity, f.subject.Origin, 1)
	f.react(t, ledgertest.Signer(t), f.subject.Identity, f.subject.Origin, 3)

	s, err := f.asm.AssembleReactions(ctx, f.subject.Origin)
	require.NoError(t, err)
	assert.Len(t, s.LiveRefs, 3)
	assert.Equal(t, uint64(3), s.FactoredActionCount)
	assert.Equal(t, map[int]uint64{1: 2, 3: 1}, s.TypeCounts)

	// Reviews are not reactions.
	f.review(t, ledgertest.Signer(t), map[string]int{"quality": 1})
	again, err := f.asm.AssembleReactions(ctx, f.subject.Origin)
	require.NoError(t, err)
	assert.Len(t, again.LiveRefs, 3)
}

func TestAssemble_NestedReactionSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := ledgertest.Signer(t)

	a := f.review(t, alice, map[string]int{"quality": 8})
	f.react(t, ledgertest.Signer(t), a.Identity, a.Origin, 1)
	f.react(t, ledgertest.Signer(t), a.Identity, a.Origin, 2)

	reactions, err := f.asm.AssembleReactions(ctx, a.Origin)
	require.NoError(t, err)
	require.Equal(t, uint64(2), reactions.FactoredActionCount)
	published, err := f.entities.Create(ctx, alice, reactions)
	require.NoError(t, err)
	require.NoError(t, f.index.AddSummary(ctx, a.Identity, published.Origin, record.KindReactionSummary))

	a = f.edit(t, alice, a, func(r *record.Review) { r.ReactionSummary = published.Origin.Ptr() })

	s := f.assemble(t)
	ref := s.LiveRefs[string(a.Identity)]
	require.NotNil(t, ref.Nested)
	assert.Equal(t, published.Origin, ref.Nested.Origin)
	assert.Equal(t, uint64(2), ref.Nested.FactoredActionCount)
	// weight 2 for the attach edit plus 2 nested reactions
	assert.Equal(t, uint64(4), s.FactoredActionCount)

	t.Run("current resolves the published summary", func(t *testing.T) {
		rec, summary, err := f.asm.Current(ctx, a.Identity, record.KindReactionSummary)
		require.NoError(t, err)
		assert.Equal(t, published.Origin, rec.Address)
		assert.Equal(t, uint64(2), summary.Header().FactoredActionCount)

		_, _, err = f.asm.Current(ctx, a.Identity, record.KindReviewSummary)
		assert.ErrorIs(t, err, ErrNoSummary)
	})

	t.Run("retracting the review keeps its reactions counted", func(t *testing.T) {
		f.review(t, ledgertest.Signer(t), map[string]int{"quality": 3})
		before := f.assemble(t).FactoredActionCount
		require.Equal(t, uint64(5), before)

		f.edit(t, alice, a, func(r *record.Review) { r.Deleted = true })
		after := f.assemble(t)
		assert.GreaterOrEqual(t, after.FactoredActionCount, before)
		assert.Equal(t, uint64(5), after.FactoredActionCount)

		ref, ok := after.TombstonedRefs[string(a.Identity)]
		require.True(t, ok)
		require.NotNil(t, ref.Nested)
		assert.Equal(t, uint64(2), ref.Nested.FactoredActionCount)
		assert.Len(t, after.LiveRefs, 1)
	})
}

func TestRatingStats(t *testing.T) {
	live := map[string]record.Contribution{
		"c": {Ratings: map[string]int{"quality": 2, "speed": 10}},
		"a": {Ratings: map[string]int{"quality": 9}},
		"b": {Ratings: map[string]int{"quality": 5}},
		"d": {Ratings: map[string]int{"quality": 1}},
	}
	stats := RatingStats(live)

	assert.Equal(t, record.CategoryStats{Sum: 17, Count: 4, Average: 4.25, Median: 2}, stats["quality"])
	assert.Equal(t, record.CategoryStats{Sum: 10, Count: 1, Average: 10, Median: 10}, stats["speed"])
	assert.Equal(t, record.CategoryStats{}, categoryStats(nil))
}

func TestFactoredCount(t *testing.T) {
	live := map[string]record.Contribution{
		"a": {Weight: 2, Nested: &record.NestedRef{FactoredActionCount: 5}},
		"b": {Weight: 1},
	}
	tomb := map[string]record.Contribution{"c": {Weight: 3, Nested: &record.NestedRef{FactoredActionCount: 100}}}
	assert.Equal(t, uint64(111), factoredCount(live, tomb))
}
