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
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// better reports whether candidate beats best: higher factored count, then
// lower address.
func better(candidate, best *record.Record) bool {
	if best == nil {
		return true
	}
	c := candidate.Content.(record.Summary).Header().FactoredActionCount
	b := best.Content.(record.Summary).Header().FactoredActionCount
	if c != b {
		return c > b
	}
	return candidate.Address < best.Address
}

// ResolveSummary returns the best revision of the summary chain rooted at
// origin. Revisions only ever raise the count, so the best revision is the
// furthest-advanced one; forks resolve to the lowest address.
//
// Thread Safety: Safe for concurrent use.
func (a *Assembler) ResolveSummary(ctx context.Context, origin record.Address, kind record.Kind) (*record.Record, record.Summary, error) {
	revs, err := a.tracer.Revisions(ctx, origin)
	if err != nil {
		return nil, nil, err
	}
	if revs[0].Kind() != kind {
		return nil, nil, fmt.Errorf("%w: %s is a %s chain, not %s", ErrNoSummary, origin.Short(), revs[0].Kind(), kind)
	}

	var best *record.Record
	for _, rev := range revs {
		if better(rev, best) {
			best = rev
		}
	}
	return best, best.Content.(record.Summary), nil
}

// Current returns the accepted summary of kind for a subject identity.
//
// Description:
//
//	Every summary chain indexed under identity is resolved to its best
//	revision; the overall winner has the highest factored count, ties going
//	to the lowest address. Chains that are missing, of another kind or
//	about another subject are ignored.
//
// Outputs:
//
//	*record.Record - The winning revision.
//	record.Summary - Its content.
//	error - ErrNoSummary when nothing qualifies.
//
// Thread Safety: Safe for concurrent use.
func (a *Assembler) Current(ctx context.Context, identity record.Address, kind record.Kind) (*record.Record, record.Summary, error) {
	return a.CurrentExcept(ctx, identity, kind, "")
}

// CurrentExcept is Current ignoring the summary chain whose origin is
// exclude. The validator uses it to compare a new chain against every
// other accepted chain.
//
// Thread Safety: Safe for concurrent use.
func (a *Assembler) CurrentExcept(ctx context.Context, identity record.Address, kind record.Kind, exclude record.Address) (*record.Record, record.Summary, error) {
	ctx, span := assembleTracer.Start(ctx, "aggregate.Current",
		trace.WithAttributes(
			attribute.String("aggregate.identity", identity.Short()),
			attribute.String("aggregate.kind", string(kind)),
		),
	)
	defer span.End()

	origins, err := a.index.Summaries(ctx, identity, kind)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}

	var best *record.Record
	for _, origin := range origins {
		if exclude != "" && origin == exclude {
			continue
		}
		rec, summary, err := a.ResolveSummary(ctx, origin, kind)
		if errors.Is(err, record.ErrNotFound) || errors.Is(err, ErrNoSummary) || errors.Is(err, lineage.ErrDeleteAction) {
			continue
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, nil, err
		}
		if summary.Header().SubjectIdentity != identity {
			continue
		}
		if better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("%w: %s %s", ErrNoSummary, kind, identity.Short())
	}
	return best, best.Content.(record.Summary), nil
}
