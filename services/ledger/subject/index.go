// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subject maintains the append-only reverse index from a subject
// identity to the reviews, reactions and summaries written about it.
//
// The index is advisory. Writers never coordinate, entries may repeat, and
// an adversarial peer may add pointers that are not about the subject at
// all. Readers re-check every entry against record content.
package subject

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

var indexTracer = otel.Tracer("ledger.subject")

// Index is the subject reverse index.
//
// Thread Safety: Safe for concurrent use. Concurrent Adds commute.
type Index struct {
	links  store.Linker
	logger *slog.Logger
}

// NewIndex creates an Index over links.
func NewIndex(links store.Linker, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{links: links, logger: logger.With(slog.String("component", "subject_index"))}
}

// Add appends ptr under identity. No uniqueness is enforced.
func (i *Index) Add(ctx context.Context, identity, ptr record.Address, kind record.Kind) error {
	ctx, span := indexTracer.Start(ctx, "subject.Add",
		trace.WithAttributes(
			attribute.String("subject.identity", identity.Short()),
			attribute.String("subject.kind", string(kind)),
		),
	)
	defer span.End()

	if err := i.links.AddLink(ctx, identity, store.LinkSubject, ptr, string(kind)); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("index %s under %s: %w", ptr.Short(), identity.Short(), err)
	}
	telemetry.LoggerWithTrace(ctx, i.logger).Debug("indexed",
		slog.String("identity", identity.Short()),
		slog.String("pointer", ptr.Short()),
		slog.String("kind", string(kind)),
	)
	return nil
}

// Query returns every pointer recorded under identity, duplicates and
// stale entries included, in insertion order.
func (i *Index) Query(ctx context.Context, identity record.Address) ([]record.Address, error) {
	ctx, span := indexTracer.Start(ctx, "subject.Query",
		trace.WithAttributes(attribute.String("subject.identity", identity.Short())),
	)
	defer span.End()

	links, err := i.links.Links(ctx, identity, store.LinkSubject)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("query %s: %w", identity.Short(), err)
	}
	ptrs := make([]record.Address, len(links))
	for n, link := range links {
		ptrs[n] = link.Target
	}
	span.SetAttributes(attribute.Int("subject.entries", len(ptrs)))
	return ptrs, nil
}

// AddSummary records a summary chain origin for identity.
func (i *Index) AddSummary(ctx context.Context, identity, origin record.Address, kind record.Kind) error {
	if err := i.links.AddLink(ctx, identity, store.LinkSummary, origin, string(kind)); err != nil {
		return fmt.Errorf("index summary %s under %s: %w", origin.Short(), identity.Short(), err)
	}
	return nil
}

// Summaries returns the distinct summary origins tagged kind under
// identity, in first-seen order.
func (i *Index) Summaries(ctx context.Context, identity record.Address, kind record.Kind) ([]record.Address, error) {
	ctx, span := indexTracer.Start(ctx, "subject.Summaries",
		trace.WithAttributes(attribute.String("subject.identity", identity.Short())),
	)
	defer span.End()

	links, err := i.links.Links(ctx, identity, store.LinkSummary)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("summaries of %s: %w", identity.Short(), err)
	}
	seen := make(map[record.Address]struct{}, len(links))
	var origins []record.Address
	for _, link := range links {
		if link.Tag != string(kind) {
			continue
		}
		if _, dup := seen[link.Target]; dup {
			continue
		}
		seen[link.Target] = struct{}{}
		origins = append(origins, link.Target)
	}
	return origins, nil
}
