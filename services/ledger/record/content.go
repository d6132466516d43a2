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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the content type carried by an entry.
type Kind string

const (
	// KindEntity is a generic reviewable subject.
	KindEntity Kind = "entity"
	// KindReview is a rated review of one or more subjects.
	KindReview Kind = "review"
	// KindReaction is a typed reaction to one or more subjects.
	KindReaction Kind = "reaction"
	// KindReviewSummary aggregates the reviews of a subject.
	KindReviewSummary Kind = "review_summary"
	// KindReactionSummary aggregates the reactions to a subject.
	KindReactionSummary Kind = "reaction_summary"
)

// Kinds lists every content kind.
var Kinds = []Kind{KindEntity, KindReview, KindReaction, KindReviewSummary, KindReactionSummary}

// IsSummary reports whether k is a summary kind.
func (k Kind) IsSummary() bool {
	return k == KindReviewSummary || k == KindReactionSummary
}

// IsInteraction reports whether k is a review or reaction.
func (k Kind) IsInteraction() bool {
	return k == KindReview || k == KindReaction
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// SummaryKindFor returns the summary kind that aggregates k.
func SummaryKindFor(k Kind) (Kind, error) {
	switch k {
	case KindReview:
		return KindReviewSummary, nil
	case KindReaction:
		return KindReactionSummary, nil
	default:
		return "", fmt.Errorf("%w: %s has no summary kind", ErrUnknownKind, k)
	}
}

// InteractionKindFor returns the interaction kind a summary kind folds.
func InteractionKindFor(k Kind) (Kind, error) {
	switch k {
	case KindReviewSummary:
		return KindReview, nil
	case KindReactionSummary:
		return KindReaction, nil
	default:
		return "", fmt.Errorf("%w: %s is not a summary kind", ErrUnknownKind, k)
	}
}

// Content is the closed set of entry payloads. The unexported method keeps
// implementations inside this package so switches over it stay exhaustive.
type Content interface {
	Kind() Kind
	isContent()
}

// Interaction is a Review or a Reaction.
type Interaction interface {
	Content
	Common() *InteractionFields
}

// Summary is a ReviewSummary or a ReactionSummary.
type Summary interface {
	Content
	Header() *SummaryHeader
}

// =============================================================================
// Subjects
// =============================================================================

// Entity is a generic reviewable subject (a package, an app, a file).
type Entity struct {
	Type   string            `json:"type" validate:"required,slug"`
	Name   string            `json:"name" validate:"required,max=256"`
	Fields map[string]string `json:"fields,omitempty" validate:"max=64,dive,keys,required,max=64,endkeys,max=4096"`
	Nonce  string            `json:"nonce" validate:"required,uuid4"`
}

// NewEntity returns an Entity with a fresh nonce.
func NewEntity(typ, name string, fields map[string]string) *Entity {
	return &Entity{Type: typ, Name: name, Fields: fields, Nonce: uuid.NewString()}
}

func (*Entity) Kind() Kind { return KindEntity }
func (*Entity) isContent() {}

// =============================================================================
// Interactions
// =============================================================================

// SubjectRef names a subject by identity (origin content address) and by a
// pointer to the revision the author looked at.
type SubjectRef struct {
	Identity Address `json:"identity" validate:"required,address"`
	Pointer  Address `json:"pointer" validate:"required,address"`
}

// InteractionFields are shared by reviews and reactions.
type InteractionFields struct {
	Author   AuthorKey    `json:"author" validate:"required,hexadecimal,len=64"`
	Subjects []SubjectRef `json:"subjects" validate:"required,min=1,max=16,dive"`
	Related  []Address    `json:"related,omitempty" validate:"max=64,dive,address"`
	Deleted  bool         `json:"deleted"`
	Nonce    string       `json:"nonce" validate:"required,uuid4"`
}

// About reports whether the interaction declares identity as a subject.
func (f *InteractionFields) About(identity Address) (SubjectRef, bool) {
	for _, s := range f.Subjects {
		if s.Identity == identity {
			return s, true
		}
	}
	return SubjectRef{}, false
}

// Review rates one or more subjects. Ratings are 0..10 per category.
type Review struct {
	InteractionFields
	Ratings         map[string]int `json:"ratings" validate:"max=32,dive,keys,slug,endkeys,min=0,max=10"`
	Message         string         `json:"message" validate:"max=16384"`
	ReactionSummary *Address       `json:"reaction_summary,omitempty" validate:"omitempty,address"`
}

// NewReview returns a Review with a fresh nonce.
func NewReview(author AuthorKey, subjects []SubjectRef, ratings map[string]int, message string) *Review {
	return &Review{
		InteractionFields: InteractionFields{Author: author, Subjects: subjects, Nonce: uuid.NewString()},
		Ratings:           ratings,
		Message:           message,
	}
}

func (*Review) Kind() Kind { return KindReview }
func (*Review) isContent() {}
func (r *Review) Common() *InteractionFields { return &r.InteractionFields }

// Reaction is a typed reaction (like, flag, ...) to one or more subjects.
type Reaction struct {
	InteractionFields
	ReactionType int `json:"reaction_type" validate:"min=0,max=1024"`
}

// NewReaction returns a Reaction with a fresh nonce.
func NewReaction(author AuthorKey, subjects []SubjectRef, reactionType int) *Reaction {
	return &Reaction{
		InteractionFields: InteractionFields{Author: author, Subjects: subjects, Nonce: uuid.NewString()},
		ReactionType:      reactionType,
	}
}

func (*Reaction) Kind() Kind { return KindReaction }
func (*Reaction) isContent() {}
func (r *Reaction) Common() *InteractionFields { return &r.InteractionFields }

// =============================================================================
// Summaries
// =============================================================================

// NestedRef is a reaction summary folded into a live review's contribution.
type NestedRef struct {
	Origin              Address `json:"origin"`
	Head                Address `json:"head"`
	FactoredActionCount uint64  `json:"factored_action_count"`
}

// Contribution is one review or reaction as seen by a summary. Weight is
// 1 + EditDepth.
type Contribution struct {
	Origin       Address        `json:"origin"`
	Head         Address        `json:"head"`
	Author       AuthorKey      `json:"author"`
	EditDepth    int            `json:"edit_depth"`
	Weight       uint64         `json:"weight"`
	Ratings      map[string]int `json:"ratings,omitempty"`
	ReactionType *int           `json:"reaction_type,omitempty"`
	Nested       *NestedRef     `json:"nested,omitempty"`
}

// CategoryStats are the statistics of one rating category.
type CategoryStats struct {
	Sum     int64   `json:"sum"`
	Count   uint64  `json:"count"`
	Average float64 `json:"average"`
	Median  int     `json:"median"`
}

// SummaryHeader is shared by both summary kinds. Ref maps are keyed by the
// contribution's origin content address.
type SummaryHeader struct {
	SubjectIdentity     Address                 `json:"subject_identity" validate:"required,address"`
	SubjectLineage      []Address               `json:"subject_lineage" validate:"required,min=1,dive,address"`
	PublishedAt         time.Time               `json:"published_at"`
	LastUpdated         time.Time               `json:"last_updated"`
	FactoredActionCount uint64                  `json:"factored_action_count"`
	LiveRefs            map[string]Contribution `json:"live_refs"`
	TombstonedRefs      map[string]Contribution `json:"tombstoned_refs"`
}

// ReviewSummary aggregates reviews, with statistics per rating category.
type ReviewSummary struct {
	SummaryHeader
	Stats map[string]CategoryStats `json:"stats"`
}

func (*ReviewSummary) Kind() Kind { return KindReviewSummary }
func (*ReviewSummary) isContent() {}
func (s *ReviewSummary) Header() *SummaryHeader { return &s.SummaryHeader }

// ReactionSummary aggregates reactions, with live counts per reaction type.
type ReactionSummary struct {
	SummaryHeader
	TypeCounts map[int]uint64 `json:"type_counts"`
}

func (*ReactionSummary) Kind() Kind { return KindReactionSummary }
func (*ReactionSummary) isContent() {}
func (s *ReactionSummary) Header() *SummaryHeader { return &s.SummaryHeader }

// =============================================================================
// Encoding
// =============================================================================

// Encode returns the canonical payload bytes of c. encoding/json writes
// struct fields in declaration order and map keys sorted, so equal values
// always produce equal bytes.
func Encode(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("encode: nil content")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Kind(), err)
	}
	return b, nil
}

// Decode parses payload as content of the given kind.
func Decode(kind Kind, payload []byte) (Content, error) {
	var c Content
	switch kind {
	case KindEntity:
		c = &Entity{}
	case KindReview:
		c = &Review{}
	case KindReaction:
		c = &Reaction{}
	case KindReviewSummary:
		c = &ReviewSummary{}
	case KindReactionSummary:
		c = &ReactionSummary{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(payload, c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return c, nil
}

// Clone returns a deep copy of c.
func Clone(c Content) (Content, error) {
	b, err := Encode(c)
	if err != nil {
		return nil, err
	}
	return Decode(c.Kind(), b)
}
