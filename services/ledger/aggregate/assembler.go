// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate folds the reviews and reactions indexed under a subject
// into a summary.
//
// Assembly is a pure function of the store and index contents: every peer
// that holds the same records computes byte-identical summaries. The index
// is only a hint; each entry is re-checked against record content and
// dropped silently when it does not hold up.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/subject"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInsufficientData is returned when no live contribution survives
	// filtering. A summary must represent at least one.
	ErrInsufficientData = errors.New("insufficient data: no live contributions")

	// ErrNoSummary is returned by Current when no summary exists.
	ErrNoSummary = errors.New("no summary published for subject")
)

// DefaultConcurrency bounds parallel candidate resolution.
const DefaultConcurrency = 8

// =============================================================================
// Metrics
// =============================================================================

var (
	assembleTracer = otel.Tracer("ledger.aggregate")

	staleSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_aggregate_stale_index_skips_total",
		Help: "Index entries dropped during assembly, by reason",
	}, []string{"reason"})

	assembleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_aggregate_assemble_duration_seconds",
		Help:    "Summary assembly latency by summary kind",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"kind"})
)

// skip reasons
const (
	skipMissing      = "missing"
	skipWrongKind    = "wrong_kind"
	skipOtherSubject = "other_subject"
	skipBadPointer   = "bad_subject_pointer"
	skipAuthor       = "author_mismatch"
	skipDuplicate    = "duplicate"
)

// =============================================================================
// Assembler
// =============================================================================

// Config configures an Assembler.
type Config struct {
	// Concurrency bounds parallel candidate resolution. Zero means the
	// default. Results are folded in index order regardless.
	Concurrency int

	// Logger for skipped entries. Defaults to slog.Default().
	Logger *slog.Logger
}

// Assembler builds review and reaction summaries.
//
// Thread Safety: Safe for concurrent use.
type Assembler struct {
	store  store.Getter
	tracer *lineage.Tracer
	index  *subject.Index
	conc   int
	logger *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(s store.Getter, tracer *lineage.Tracer, index *subject.Index, cfg Config) *Assembler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		store:  s,
		tracer: tracer,
		index:  index,
		conc:   cfg.Concurrency,
		logger: cfg.Logger.With(slog.String("component", "assembler")),
	}
}

// AssembleReviews builds the review summary of the subject at subjectPtr.
func (a *Assembler) AssembleReviews(ctx context.Context, subjectPtr record.Address) (*record.ReviewSummary, error) {
	s, err := a.Assemble(ctx, record.KindReviewSummary, subjectPtr)
	if err != nil {
		return nil, err
	}
	return s.(*record.ReviewSummary), nil
}

// AssembleReactions builds the reaction summary of the subject at subjectPtr.
func (a *Assembler) AssembleReactions(ctx context.Context, subjectPtr record.Address) (*record.ReactionSummary, error) {
	s, err := a.Assemble(ctx, record.KindReactionSummary, subjectPtr)
	if err != nil {
		return nil, err
	}
	return s.(*record.ReactionSummary), nil
}

// Assemble builds a summary of kind for the subject at subjectPtr.
//
// Description:
//
//	1. Traces subjectPtr's lineage; the origin's content address is the
//	   subject identity.
//	2. Queries the subject index and drops repeated pointers.
//	3. Resolves each pointer to its chain's current head and keeps it only
//	   if the head is an interaction of the right kind that declares the
//	   subject and whose subject pointer traces back to it.
//	4. Keys contributions by origin content address, splitting live from
//	   soft-deleted ones, and folds nested reaction summaries of live
//	   reviews into the factored count.
//	5. Computes statistics over live contributions in key order.
//
//	PublishedAt and LastUpdated are left zero; publishing sets them.
//
// Inputs:
//
//	ctx - Context for store reads.
//	kind - KindReviewSummary or KindReactionSummary.
//	subjectPtr - Any revision of the subject.
//
// Outputs:
//
//	record.Summary - *record.ReviewSummary or *record.ReactionSummary.
//	error - ErrInsufficientData without live contributions,
//	  record.ErrCorrupted on integrity failures (including two distinct
//	  origins sharing a content address), or store errors.
//
// Thread Safety: Safe for concurrent use.
func (a *Assembler) Assemble(ctx context.Context, kind record.Kind, subjectPtr record.Address) (record.Summary, error) {
	ctx, span := assembleTracer.Start(ctx, "aggregate.Assemble",
		trace.WithAttributes(
			attribute.String("aggregate.kind", string(kind)),
			attribute.String("aggregate.subject", subjectPtr.Short()),
		),
	)
	defer span.End()
	start := time.Now()

	summary, err := a.assemble(ctx, kind, subjectPtr)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	h := summary.Header()
	span.SetAttributes(
		attribute.Int64("aggregate.factored_action_count", int64(h.FactoredActionCount)),
		attribute.Int("aggregate.live", len(h.LiveRefs)),
		attribute.Int("aggregate.tombstoned", len(h.TombstonedRefs)),
	)
	assembleDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return summary, nil
}

func (a *Assembler) assemble(ctx context.Context, kind record.Kind, subjectPtr record.Address) (record.Summary, error) {
	interactionKind, err := record.InteractionKindFor(kind)
	if err != nil {
		return nil, err
	}

	steps, err := a.tracer.TraceLineage(ctx, subjectPtr)
	if err != nil {
		return nil, err
	}
	identity := steps[len(steps)-1].ContentAddress
	lineageAddrs := make([]record.Address, len(steps))
	for n, s := range steps {
		lineageAddrs[n] = s.Address
	}

	ptrs, err := a.index.Query(ctx, identity)
	if err != nil {
		return nil, err
	}
	candidates := dedupe(ptrs)

	resolved, err := a.resolveAll(ctx, candidates, identity, interactionKind)
	if err != nil {
		return nil, err
	}

	header := record.SummaryHeader{
		SubjectIdentity: identity,
		SubjectLineage:  lineageAddrs,
		LiveRefs:        make(map[string]record.Contribution),
		TombstonedRefs:  make(map[string]record.Contribution),
	}
	origins := make(map[string]record.Address)
	for _, c := range resolved {
		if c == nil {
			continue
		}
		key := string(c.key)
		if seen, ok := origins[key]; ok {
			if seen != c.contribution.Origin {
				return nil, fmt.Errorf("%w: origins %s and %s share content address %s",
					record.ErrCorrupted, seen.Short(), c.contribution.Origin.Short(), c.key.Short())
			}
			staleSkipsTotal.WithLabelValues(skipDuplicate).Inc()
			continue
		}
		origins[key] = c.contribution.Origin
		if c.deleted {
			header.TombstonedRefs[key] = c.contribution
		} else {
			header.LiveRefs[key] = c.contribution
		}
	}

	if len(header.LiveRefs) == 0 {
		return nil, fmt.Errorf("%w: subject %s", ErrInsufficientData, identity.Short())
	}
	header.FactoredActionCount = factoredCount(header.LiveRefs, header.TombstonedRefs)

	switch kind {
	case record.KindReviewSummary:
		return &record.ReviewSummary{SummaryHeader: header, Stats: RatingStats(header.LiveRefs)}, nil
	case record.KindReactionSummary:
		return &record.ReactionSummary{SummaryHeader: header, TypeCounts: TypeCounts(header.LiveRefs)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", record.ErrUnknownKind, kind)
	}
}

// dedupe drops repeated pointers, keeping first occurrences in order.
func dedupe(ptrs []record.Address) []record.Address {
	seen := make(map[record.Address]struct{}, len(ptrs))
	out := make([]record.Address, 0, len(ptrs))
	for _, p := range ptrs {
		if _, dup := seen[p]; dup {
			staleSkipsTotal.WithLabelValues(skipDuplicate).Inc()
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// candidate is a resolved index entry.
type candidate struct {
	key          record.Address
	deleted      bool
	contribution record.Contribution
}

// resolveAll resolves candidates in parallel into index-ordered slots. A nil
// slot is a skipped entry.
func (a *Assembler) resolveAll(ctx context.Context, ptrs []record.Address, identity record.Address, kind record.Kind) ([]*candidate, error) {
	slots := make([]*candidate, len(ptrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.conc)
	for n, ptr := range ptrs {
		g.Go(func() error {
			c, err := a.resolve(gctx, ptr, identity, kind)
			if err != nil {
				return err
			}
			slots[n] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slots, nil
}

// resolve checks one index entry. It returns (nil, nil) for entries that
// do not hold up.
func (a *Assembler) resolve(ctx context.Context, ptr, identity record.Address, kind record.Kind) (*candidate, error) {
	rec, err := a.store.Get(ctx, ptr)
	if errors.Is(err, record.ErrNotFound) {
		return a.skip(ctx, ptr, skipMissing), nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Kind() != kind || rec.Action.Type == record.ActionDelete {
		return a.skip(ctx, ptr, skipWrongKind), nil
	}

	origin, err := a.tracer.TraceOrigin(ctx, ptr)
	if errors.Is(err, record.ErrNotFound) {
		return a.skip(ctx, ptr, skipMissing), nil
	}
	if err != nil {
		return nil, err
	}
	head, err := a.tracer.Head(ctx, origin.Address)
	if err != nil {
		return nil, err
	}

	content, ok := head.Record.Content.(record.Interaction)
	if !ok {
		return a.skip(ctx, ptr, skipWrongKind), nil
	}
	fields := content.Common()
	if fields.Author != head.Record.Author() {
		return a.skip(ctx, ptr, skipAuthor), nil
	}
	ref, ok := fields.About(identity)
	if !ok {
		return a.skip(ctx, ptr, skipOtherSubject), nil
	}
	subjectOrigin, err := a.tracer.TraceOrigin(ctx, ref.Pointer)
	if errors.Is(err, record.ErrNotFound) || errors.Is(err, lineage.ErrDeleteAction) {
		return a.skip(ctx, ptr, skipBadPointer), nil
	}
	if err != nil {
		return nil, err
	}
	if subjectOrigin.ContentAddress != identity {
		return a.skip(ctx, ptr, skipBadPointer), nil
	}

	editDepth := head.Depth
	if fields.Deleted && editDepth > 0 {
		// The tombstoning edit itself carries no weight.
		editDepth--
	}
	c := &candidate{
		key:     origin.ContentAddress,
		deleted: fields.Deleted,
		contribution: record.Contribution{
			Origin:    origin.Address,
			Head:      head.Record.Address,
			Author:    fields.Author,
			EditDepth: editDepth,
			Weight:    uint64(1 + editDepth),
		},
	}

	switch v := content.(type) {
	case *record.Review:
		c.contribution.Ratings = copyRatings(v.Ratings)
		// A retracted review keeps its nested reactions so retraction never
		// lowers the factored count.
		if v.ReactionSummary != nil {
			nested, err := a.nested(ctx, *v.ReactionSummary, origin.ContentAddress)
			if err != nil {
				return nil, err
			}
			c.contribution.Nested = nested
		}
	case *record.Reaction:
		rt := v.ReactionType
		c.contribution.ReactionType = &rt
	}
	return c, nil
}

// nested resolves a review's attached reaction summary. A summary that is
// missing or about something else contributes nothing.
func (a *Assembler) nested(ctx context.Context, origin, reviewIdentity record.Address) (*record.NestedRef, error) {
	rec, summary, err := a.ResolveSummary(ctx, origin, record.KindReactionSummary)
	if errors.Is(err, record.ErrNotFound) || errors.Is(err, ErrNoSummary) || errors.Is(err, lineage.ErrDeleteAction) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if summary.Header().SubjectIdentity != reviewIdentity {
		return nil, nil
	}
	return &record.NestedRef{
		Origin:              origin,
		Head:                rec.Address,
		FactoredActionCount: summary.Header().FactoredActionCount,
	}, nil
}

func (a *Assembler) skip(ctx context.Context, ptr record.Address, reason string) *candidate {
	staleSkipsTotal.WithLabelValues(reason).Inc()
	telemetry.LoggerWithTrace(ctx, a.logger).Debug("skipping index entry",
		slog.String("pointer", ptr.Short()),
		slog.String("reason", reason),
	)
	return nil
}

func copyRatings(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// =============================================================================
// Folding
// =============================================================================

// SortedKeys returns the keys of refs in ascending order. Every fold over
// contributions iterates in this order.
func SortedKeys(refs map[string]record.Contribution) []string {
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// factoredCount sums contribution weights over live and tombstoned refs
// plus the nested counts of live refs.
func factoredCount(live, tombstoned map[string]record.Contribution) uint64 {
	var total uint64
	for _, k := range SortedKeys(live) {
		c := live[k]
		total += c.Weight
		if c.Nested != nil {
			total += c.Nested.FactoredActionCount
		}
	}
	for _, k := range SortedKeys(tombstoned) {
		c := tombstoned[k]
		total += c.Weight
		if c.Nested != nil {
			total += c.Nested.FactoredActionCount
		}
	}
	return total
}

// RatingStats computes per-category statistics over live contributions.
//
// Description:
//
//	Values are gathered in key order and summed as integers, so the only
//	floating-point operation is the final division and every peer gets the
//	same bits. The median is the element at index (count-1)/2 of the sorted
//	values, the lower median for even counts.
func RatingStats(live map[string]record.Contribution) map[string]record.CategoryStats {
	samples := make(map[string][]int)
	for _, k := range SortedKeys(live) {
		for category, v := range live[k].Ratings {
			samples[category] = append(samples[category], v)
		}
	}

	stats := make(map[string]record.CategoryStats, len(samples))
	for category, values := range samples {
		stats[category] = categoryStats(values)
	}
	return stats
}

func categoryStats(values []int) record.CategoryStats {
	if len(values) == 0 {
		return record.CategoryStats{}
	}
	var sum int64
	for _, v := range values {
		sum += int64(v)
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	return record.CategoryStats{
		Sum:     sum,
		Count:   uint64(len(values)),
		Average: float64(sum) / float64(len(values)),
		Median:  sorted[(len(sorted)-1)/2],
	}
}

// TypeCounts counts live reactions per reaction type.
func TypeCounts(live map[string]record.Contribution) map[int]uint64 {
	counts := make(map[int]uint64)
	for _, k := range SortedKeys(live) {
		if rt := live[k].ReactionType; rt != nil {
			counts[*rt]++
		}
	}
	return counts
}
