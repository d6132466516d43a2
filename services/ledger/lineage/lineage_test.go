// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tally/services/ledger/ledgertest"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
)

// fakeSource serves hand-built records without verification so tests can
// describe chains the content-addressing scheme would never produce.
type fakeSource struct {
	records map[record.Address]*record.Record
	links   map[record.Address][]store.Link
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(map[record.Address]*record.Record),
		links:   make(map[record.Address][]store.Link),
	}
}

func (f *fakeSource) Get(_ context.Context, addr record.Address) (*record.Record, error) {
	rec, ok := f.records[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, addr.Short())
	}
	return rec, nil
}

func (f *fakeSource) AddLink(_ context.Context, base record.Address, _ store.LinkKind, target record.Address, tag string) error {
	f.links[base] = append(f.links[base], store.Link{Target: target, Tag: tag})
	return nil
}

func (f *fakeSource) Links(_ context.Context, base record.Address, _ store.LinkKind) ([]store.Link, error) {
	return f.links[base], nil
}

func (f *fakeSource) add(name string, typ record.ActionType, supersedes string) record.Address {
	addr := record.HashBytes([]byte(name))
	action := record.Action{Type: typ, Kind: record.KindEntity, Entry: record.HashBytes([]byte("entry-" + name))}
	if supersedes != "" {
		action.Supersedes = record.HashBytes([]byte(supersedes)).Ptr()
	}
	f.records[addr] = &record.Record{Address: addr, Action: action}
	return addr
}

func TestTraceLineage_Chain(t *testing.T) {
	s := ledgertest.NewStore(t)
	signer := ledgertest.Signer(t)
	ctx := context.Background()

	v0 := ledgertest.Subject(t, s, signer, "left-pad")
	v1 := ledgertest.Update(t, s, signer, v0, record.NewEntity("package", "left-pad", map[string]string{"v": "1"}))
	v2 := ledgertest.Update(t, s, signer, v1, record.NewEntity("package", "left-pad", map[string]string{"v": "2"}))

	tracer := NewTracer(s, Config{})

	steps, err := tracer.TraceLineage(ctx, v2.Address)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, v2.Address, steps[0].Address)
	assert.Equal(t, v1.Address, steps[1].Address)
	assert.Equal(t, v0.Address, steps[2].Address)
	assert.Equal(t, v0.ContentAddress(), steps[2].ContentAddress)

	t.Run("origin of creation is itself", func(t *testing.T) {
		origin, err := tracer.TraceOrigin(ctx, v0.Address)
		require.NoError(t, err)
		assert.Equal(t, v0.Address, origin.Address)
		assert.Zero(t, origin.Depth)
	})

	t.Run("every revision shares the origin", func(t *testing.T) {
		for depth, rec := range []*record.Record{v0, v1, v2} {
			origin, err := tracer.TraceOrigin(ctx, rec.Address)
			require.NoError(t, err)
			assert.Equal(t, v0.Address, origin.Address)
			assert.Equal(t, depth, origin.Depth)
		}
	})

	t.Run("head", func(t *testing.T) {
		head, err := tracer.Head(ctx, v0.Address)
		require.NoError(t, err)
		assert.Equal(t, v2.Address, head.Record.Address)
		assert.Equal(t, 2, head.Depth)

		origin, err := tracer.TraceOrigin(ctx, head.Record.Address)
		require.NoError(t, err)
		assert.Equal(t, v0.Address, origin.Address)
	})

	t.Run("revisions", func(t *testing.T) {
		revs, err := tracer.Revisions(ctx, v0.Address)
		require.NoError(t, err)
		require.Len(t, revs, 3)
		assert.Equal(t, v0.Address, revs[0].Address)
	})
}

func TestHead_ForkChoice(t *testing.T) {
	s := ledgertest.NewStore(t)
	signer := ledgertest.Signer(t)
	ctx := context.Background()
	tracer := NewTracer(s, Config{})

	v0 := ledgertest.Subject(t, s, signer, "fork")
	a1 := ledgertest.Update(t, s, signer, v0, record.NewEntity("package", "fork-a", nil))
	b1 := ledgertest.Update(t, s, signer, v0, record.NewEntity("package", "fork-b", nil))

	head, err := tracer.Head(ctx, v0.Address)
	require.NoError(t, err)
	want := a1.Address
	if b1.Address < want {
		want = b1.Address
	}
	assert.Equal(t, want, head.Record.Address, "equal depth resolves to the lowest address")

	// Extending the other branch makes it the longest.
	loser := a1
	if want == a1.Address {
		loser = b1
	}
	a2 := ledgertest.Update(t, s, signer, loser, record.NewEntity("package", "fork-long", nil))

	head, err = tracer.Head(ctx, v0.Address)
	require.NoError(t, err)
	assert.Equal(t, a2.Address, head.Record.Address)
	assert.Equal(t, 2, head.Depth)
}

func TestHead_IgnoresForeignAndBogusLinks(t *testing.T) {
	s := ledgertest.NewStore(t)
	owner := ledgertest.Signer(t)
	intruder := ledgertest.Signer(t)
	ctx := context.Background()
	tracer := NewTracer(s, Config{})

	v0 := ledgertest.Subject(t, s, owner, "guarded")
	ledgertest.Update(t, s, intruder, v0, record.NewEntity("package", "hijack", nil))

	unrelated := ledgertest.Subject(t, s, owner, "unrelated")
	require.NoError(t, s.AddLink(ctx, v0.Address, store.LinkUpdate, unrelated.Address, ""))
	require.NoError(t, s.AddLink(ctx, v0.Address, store.LinkUpdate, record.HashBytes([]byte("missing")), ""))

	head, err := tracer.Head(ctx, v0.Address)
	require.NoError(t, err)
	assert.Equal(t, v0.Address, head.Record.Address)
	assert.Zero(t, head.Depth)
}

func TestTrace_Corruption(t *testing.T) {
	ctx := context.Background()

	t.Run("cycle", func(t *testing.T) {
		src := newFakeSource()
		a := src.add("a", record.ActionUpdate, "b")
		src.add("b", record.ActionUpdate, "a")

		_, err := NewTracer(src, Config{}).TraceOrigin(ctx, a)
		assert.ErrorIs(t, err, record.ErrCorrupted)
	})

	t.Run("self reference", func(t *testing.T) {
		src := newFakeSource()
		a := src.add("a", record.ActionUpdate, "a")

		_, err := NewTracer(src, Config{}).TraceLineage(ctx, a)
		assert.ErrorIs(t, err, record.ErrCorrupted)
	})

	t.Run("overlong chain", func(t *testing.T) {
		src := newFakeSource()
		src.add("c0", record.ActionCreate, "")
		var tip record.Address
		for i := 1; i <= 5; i++ {
			tip = src.add(fmt.Sprintf("c%d", i), record.ActionUpdate, fmt.Sprintf("c%d", i-1))
		}

		_, err := NewTracer(src, Config{MaxChainLength: 6}).TraceLineage(ctx, tip)
		assert.NoError(t, err)

		_, err = NewTracer(src, Config{MaxChainLength: 5}).TraceLineage(ctx, tip)
		assert.ErrorIs(t, err, record.ErrCorrupted)
	})

	t.Run("kind change", func(t *testing.T) {
		src := newFakeSource()
		src.add("root", record.ActionCreate, "")
		tip := src.add("tip", record.ActionUpdate, "root")
		src.records[tip].Action.Kind = record.KindReview

		_, err := NewTracer(src, Config{}).TraceLineage(ctx, tip)
		assert.ErrorIs(t, err, record.ErrCorrupted)
	})

	t.Run("missing ancestor", func(t *testing.T) {
		src := newFakeSource()
		tip := src.add("orphan", record.ActionUpdate, "gone")

		_, err := NewTracer(src, Config{}).TraceLineage(ctx, tip)
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("delete action", func(t *testing.T) {
		src := newFakeSource()
		del := src.add("del", record.ActionDelete, "")

		_, err := NewTracer(src, Config{}).TraceLineage(ctx, del)
		assert.ErrorIs(t, err, ErrDeleteAction)
	})
}
