// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subject

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tally/services/ledger/ledgertest"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func TestIndex_AddQuery(t *testing.T) {
	idx := NewIndex(ledgertest.NewStore(t), nil)
	ctx := context.Background()
	subject := record.HashBytes([]byte("subject"))
	a := record.HashBytes([]byte("a"))
	b := record.HashBytes([]byte("b"))

	require.NoError(t, idx.Add(ctx, subject, a, record.KindReview))
	require.NoError(t, idx.Add(ctx, subject, b, record.KindReaction))
	require.NoError(t, idx.Add(ctx, subject, a, record.KindReview))

	got, err := idx.Query(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, []record.Address{a, b, a}, got, "duplicates are kept")

	none, err := idx.Query(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIndex_ConcurrentAddsCommute(t *testing.T) {
	idx := NewIndex(ledgertest.NewStore(t), nil)
	ctx := context.Background()
	subject := record.HashBytes([]byte("subject"))

	want := make(map[record.Address]int)
	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		ptr := record.HashBytes([]byte{byte(n)})
		want[ptr]++
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Add(ctx, subject, ptr, record.KindReview))
		}()
	}
	wg.Wait()

	got, err := idx.Query(ctx, subject)
	require.NoError(t, err)
	counts := make(map[record.Address]int)
	for _, ptr := range got {
		counts[ptr]++
	}
	assert.Equal(t, want, counts)
}

func TestIndex_Summaries(t *testing.T) {
	idx := NewIndex(ledgertest.NewStore(t), nil)
	ctx := context.Background()
	subject := record.HashBytes([]byte("subject"))
	s1 := record.HashBytes([]byte("s1"))
	s2 := record.HashBytes([]byte("s2"))

	require.NoError(t, idx.AddSummary(ctx, subject, s1, record.KindReviewSummary))
	require.NoError(t, idx.AddSummary(ctx, subject, s2, record.KindReactionSummary))
	require.NoError(t, idx.AddSummary(ctx, subject, s1, record.KindReviewSummary))

	reviews, err := idx.Summaries(ctx, subject, record.KindReviewSummary)
	require.NoError(t, err)
	assert.Equal(t, []record.Address{s1}, reviews)

	reactions, err := idx.Summaries(ctx, subject, record.KindReactionSummary)
	require.NoError(t, err)
	assert.Equal(t, []record.Address{s2}, reactions)

	// Summary links live in their own list.
	ptrs, err := idx.Query(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, ptrs)
}
