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
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := GenerateSigner()
	require.NoError(t, err)
	return s
}

func sealReview(t *testing.T, s *Signer, quality int) *Record {
	t.Helper()
	subject := HashBytes([]byte("subject"))
	review := NewReview(s.Author(), []SubjectRef{{Identity: subject, Pointer: subject}}, map[string]int{"quality": quality}, "ok")
	rec, err := Seal(s, Action{Type: ActionCreate}, review)
	require.NoError(t, err)
	return rec
}

func TestParseAddress(t *testing.T) {
	valid := HashBytes([]byte("x"))

	got, err := ParseAddress(valid.String())
	require.NoError(t, err)
	assert.Equal(t, valid, got)
	assert.Len(t, got.Short(), 12)

	for _, bad := range []string{"", "abc", string(valid[:63]) + "G", string(valid) + "0"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	rec := sealReview(t, s, 8)

	assert.Equal(t, KindReview, rec.Kind())
	assert.Equal(t, s.Author(), rec.Author())
	assert.True(t, rec.IsCreate())
	assert.True(t, rec.Address.Valid())
	assert.Equal(t, rec.Entry.Address(), rec.ContentAddress())

	opened, err := Open(rec.Address, rec.ActionBytes(), rec.Signature, rec.Entry)
	require.NoError(t, err)
	assert.Equal(t, rec.Action.Timestamp.UnixNano(), opened.Action.Timestamp.UnixNano())

	review, ok := opened.Content.(*Review)
	require.True(t, ok)
	assert.Equal(t, 8, review.Ratings["quality"])
	assert.NoError(t, Verify(opened))
}

func TestOpen_DetectsTampering(t *testing.T) {
	s := newTestSigner(t)
	rec := sealReview(t, s, 8)

	t.Run("payload", func(t *testing.T) {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(rec.Entry.Payload, &payload))
		payload["ratings"] = map[string]int{"quality": 10}
		forged, err := json.Marshal(payload)
		require.NoError(t, err)

		_, err = Open(rec.Address, rec.ActionBytes(), rec.Signature, &Entry{Kind: KindReview, Payload: forged})
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("signature", func(t *testing.T) {
		other := newTestSigner(t)
		_, err := Open(rec.Address, rec.ActionBytes(), other.Sign(rec.ActionBytes()), rec.Entry)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("address", func(t *testing.T) {
		_, err := Open(HashBytes([]byte("elsewhere")), rec.ActionBytes(), rec.Signature, rec.Entry)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("missing entry", func(t *testing.T) {
		_, err := Open(rec.Address, rec.ActionBytes(), rec.Signature, nil)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("kind swap", func(t *testing.T) {
		_, err := Open(rec.Address, rec.ActionBytes(), rec.Signature, &Entry{Kind: KindReaction, Payload: rec.Entry.Payload})
		assert.ErrorIs(t, err, ErrCorrupted)
	})
}

func TestSeal_Shape(t *testing.T) {
	s := newTestSigner(t)
	entity := NewEntity("package", "left-pad", nil)
	prev := HashBytes([]byte("prev"))

	tests := []struct {
		name    string
		action  Action
		content Content
		wantErr bool
	}{
		{"create", Action{Type: ActionCreate}, entity, false},
		{"create with supersedes", Action{Type: ActionCreate, Supersedes: prev.Ptr()}, entity, true},
		{"update", Action{Type: ActionUpdate, Supersedes: prev.Ptr()}, entity, false},
		{"update without supersedes", Action{Type: ActionUpdate}, entity, true},
		{"delete", Action{Type: ActionDelete, Kind: KindEntity, Deletes: prev.Ptr()}, nil, false},
		{"delete with content", Action{Type: ActionDelete, Deletes: prev.Ptr()}, entity, true},
		{"create without content", Action{Type: ActionCreate}, nil, true},
		{"kind mismatch", Action{Type: ActionCreate, Kind: KindReview}, entity, true},
		{"unknown type", Action{Type: "merge"}, entity, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Seal(s, tt.action, tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedAction)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, Verify(rec))
		})
	}

	_, err := Seal(nil, Action{Type: ActionCreate}, entity)
	assert.ErrorIs(t, err, ErrMalformedAction)
}

func TestSeal_NonceSeparatesIdenticalContent(t *testing.T) {
	s := newTestSigner(t)
	a := sealReview(t, s, 7)
	b := sealReview(t, s, 7)
	assert.NotEqual(t, a.ContentAddress(), b.ContentAddress())
	assert.NotEqual(t, a.Address, b.Address)
}

func TestEncode_Deterministic(t *testing.T) {
	summary := &ReviewSummary{
		SummaryHeader: SummaryHeader{
			SubjectIdentity:     HashBytes([]byte("s")),
			SubjectLineage:      []Address{HashBytes([]byte("s"))},
			FactoredActionCount: 3,
			LiveRefs: map[string]Contribution{
				"b": {Weight: 1, Ratings: map[string]int{"z": 1, "a": 2}},
				"a": {Weight: 2},
			},
			TombstonedRefs: map[string]Contribution{},
		},
		Stats: map[string]CategoryStats{"quality": {Sum: 14, Count: 2, Average: 7.0, Median: 4}},
	}

	first, err := Encode(summary)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Encode(summary)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	decoded, err := Decode(KindReviewSummary, first)
	require.NoError(t, err)
	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, reencoded)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode("gossip", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKinds(t *testing.T) {
	k, err := SummaryKindFor(KindReview)
	require.NoError(t, err)
	assert.Equal(t, KindReviewSummary, k)

	k, err = InteractionKindFor(KindReactionSummary)
	require.NoError(t, err)
	assert.Equal(t, KindReaction, k)

	_, err = SummaryKindFor(KindEntity)
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.True(t, KindReviewSummary.IsSummary())
	assert.False(t, KindReview.IsSummary())
	assert.True(t, KindReaction.IsInteraction())
	assert.False(t, Kind("x").Valid())
}

func TestInteractionFields_About(t *testing.T) {
	a, b := HashBytes([]byte("a")), HashBytes([]byte("b"))
	review := NewReview("", []SubjectRef{{Identity: a, Pointer: b}}, nil, "")

	ref, ok := review.About(a)
	assert.True(t, ok)
	assert.Equal(t, b, ref.Pointer)

	_, ok = review.About(b)
	assert.False(t, ok)
}

func TestSignerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "author.key")
	s := newTestSigner(t)

	require.NoError(t, WriteSignerFile(path, s))
	assert.Error(t, WriteSignerFile(path, s), "must not overwrite")

	loaded, err := LoadSignerFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.Author(), loaded.Author())

	msg := []byte("hello")
	assert.True(t, s.Author().Verify(msg, loaded.Sign(msg)))
	assert.False(t, AuthorKey("nothex").Verify(msg, loaded.Sign(msg)))

	_, err = SignerFromSeed([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
