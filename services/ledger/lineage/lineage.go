// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineage walks update chains.
//
// Backward, it follows supersedes pointers from any revision to the origin
// (TraceLineage, TraceOrigin). Forward, it follows update links from an
// origin to the current head of the chain (Head, Revisions). Both walks are
// explicit loops bounded by Config.MaxChainLength; a chain that revisits an
// address or exceeds the bound is reported as record.ErrCorrupted.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// DefaultMaxChainLength bounds every chain walk.
const DefaultMaxChainLength = 4096

// ErrDeleteAction is returned when a walk is asked to start at a delete
// action, which belongs to no update chain.
var ErrDeleteAction = errors.New("address is a delete action")

var lineageTracer = otel.Tracer("ledger.lineage")

// Source is what the tracer reads.
type Source interface {
	store.Getter
	store.Linker
}

// Config configures a Tracer.
type Config struct {
	// MaxChainLength is the longest chain accepted. Zero means the default.
	MaxChainLength int

	// Logger for skipped links. Defaults to slog.Default().
	Logger *slog.Logger
}

// Step is one revision in a lineage.
type Step struct {
	Address        record.Address `json:"address"`
	ContentAddress record.Address `json:"content_address"`
}

// Origin is the result of TraceOrigin. Depth is the number of supersedes
// hops from the traced pointer to the origin.
type Origin struct {
	Address        record.Address `json:"address"`
	ContentAddress record.Address `json:"content_address"`
	Depth          int            `json:"depth"`
}

// Head is the current revision of a chain.
type Head struct {
	Record *record.Record
	Depth  int
}

// Tracer walks update chains over a Source.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	src    Source
	max    int
	logger *slog.Logger
}

// NewTracer creates a Tracer.
func NewTracer(src Source, cfg Config) *Tracer {
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = DefaultMaxChainLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracer{
		src:    src,
		max:    cfg.MaxChainLength,
		logger: cfg.Logger.With(slog.String("component", "lineage")),
	}
}

// MaxChainLength returns the configured bound.
func (t *Tracer) MaxChainLength() int {
	return t.max
}

// TraceLineage returns the revisions from ptr back to the origin.
//
// Description:
//
//	The first step is ptr itself and the last is the origin (a create
//	action). A creation record yields a single step.
//
// Inputs:
//
//	ctx - Context for store reads.
//	ptr - Any revision of a chain.
//
// Outputs:
//
//	[]Step - Head-first lineage, never empty on success.
//	error - record.ErrNotFound for a missing revision, record.ErrCorrupted
//	  for a cycle, an overlong chain or a kind change along the chain.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracer) TraceLineage(ctx context.Context, ptr record.Address) ([]Step, error) {
	ctx, span := lineageTracer.Start(ctx, "lineage.TraceLineage",
		trace.WithAttributes(attribute.String("lineage.pointer", ptr.Short())),
	)
	defer span.End()

	steps, err := t.traceBack(ctx, ptr)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("lineage.length", len(steps)))
	return steps, nil
}

func (t *Tracer) traceBack(ctx context.Context, ptr record.Address) ([]Step, error) {
	visited := make(map[record.Address]struct{})
	var steps []Step
	var kind record.Kind

	cur := ptr
	for {
		if len(steps) >= t.max {
			return nil, fmt.Errorf("%w: chain from %s exceeds %d revisions", record.ErrCorrupted, ptr.Short(), t.max)
		}
		if _, seen := visited[cur]; seen {
			return nil, fmt.Errorf("%w: cyclic chain at %s", record.ErrCorrupted, cur.Short())
		}
		visited[cur] = struct{}{}

		rec, err := t.src.Get(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("trace %s: %w", cur.Short(), err)
		}
		if rec.Action.Type == record.ActionDelete {
			return nil, fmt.Errorf("trace %s: %w", cur.Short(), ErrDeleteAction)
		}
		if kind != "" && rec.Kind() != kind {
			return nil, fmt.Errorf("%w: %s revision supersedes %s action %s", record.ErrCorrupted, kind, rec.Kind(), cur.Short())
		}
		kind = rec.Kind()

		steps = append(steps, Step{Address: rec.Address, ContentAddress: rec.ContentAddress()})
		if rec.IsCreate() {
			return steps, nil
		}
		cur = *rec.Action.Supersedes
	}
}

// TraceOrigin returns the origin of ptr's chain and ptr's edit depth.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracer) TraceOrigin(ctx context.Context, ptr record.Address) (Origin, error) {
	ctx, span := lineageTracer.Start(ctx, "lineage.TraceOrigin",
		trace.WithAttributes(attribute.String("lineage.pointer", ptr.Short())),
	)
	defer span.End()

	steps, err := t.traceBack(ctx, ptr)
	if err != nil {
		telemetry.RecordError(span, err)
		return Origin{}, err
	}
	last := steps[len(steps)-1]
	origin := Origin{Address: last.Address, ContentAddress: last.ContentAddress, Depth: len(steps) - 1}
	span.SetAttributes(attribute.Int("lineage.depth", origin.Depth))
	return origin, nil
}

// Head returns the current revision of the chain rooted at root.
//
// Description:
//
//	Follows update links forward. A link only counts when the target
//	exists, is an update whose supersedes is the linking revision, keeps the
//	chain's kind and, outside summary chains, keeps the root's author.
//	Among the deepest revisions the lowest address wins, so every peer with
//	the same records picks the same head.
//
// Inputs:
//
//	ctx - Context for store reads.
//	root - Usually a chain origin; any revision works.
//
// Outputs:
//
//	Head - The chosen revision and its depth below root.
//	error - Store errors, or record.ErrCorrupted past MaxChainLength.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracer) Head(ctx context.Context, root record.Address) (Head, error) {
	ctx, span := lineageTracer.Start(ctx, "lineage.Head",
		trace.WithAttributes(attribute.String("lineage.root", root.Short())),
	)
	defer span.End()

	var best Head
	err := t.walkForward(ctx, root, func(level int, revs []*record.Record) {
		best = Head{Record: revs[0], Depth: level}
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Head{}, err
	}
	span.SetAttributes(attribute.Int("lineage.head_depth", best.Depth))
	return best, nil
}

// Revisions returns every accepted revision reachable forward from root,
// root first, then level by level in address order.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracer) Revisions(ctx context.Context, root record.Address) ([]*record.Record, error) {
	ctx, span := lineageTracer.Start(ctx, "lineage.Revisions",
		trace.WithAttributes(attribute.String("lineage.root", root.Short())),
	)
	defer span.End()

	var all []*record.Record
	err := t.walkForward(ctx, root, func(_ int, revs []*record.Record) {
		all = append(all, revs...)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return all, nil
}

// walkForward visits root's chain level by level. visit receives each
// non-empty level sorted by address.
func (t *Tracer) walkForward(ctx context.Context, root record.Address, visit func(level int, revs []*record.Record)) error {
	rootRec, err := t.src.Get(ctx, root)
	if err != nil {
		return fmt.Errorf("head %s: %w", root.Short(), err)
	}
	if rootRec.Action.Type == record.ActionDelete {
		return fmt.Errorf("head %s: %w", root.Short(), ErrDeleteAction)
	}

	seen := map[record.Address]struct{}{root: {}}
	level := []*record.Record{rootRec}
	for depth := 0; len(level) > 0; depth++ {
		if depth >= t.max {
			return fmt.Errorf("%w: chain from %s exceeds %d revisions", record.ErrCorrupted, root.Short(), t.max)
		}
		visit(depth, level)

		var next []*record.Record
		for _, parent := range level {
			links, err := t.src.Links(ctx, parent.Address, store.LinkUpdate)
			if err != nil {
				return err
			}
			for _, link := range links {
				if _, dup := seen[link.Target]; dup {
					continue
				}
				child, ok, err := t.acceptSuccessor(ctx, rootRec, parent, link.Target)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				seen[link.Target] = struct{}{}
				next = append(next, child)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].Address < next[j].Address })
		level = next
	}
	return nil
}

func (t *Tracer) acceptSuccessor(ctx context.Context, root, parent *record.Record, target record.Address) (*record.Record, bool, error) {
	child, err := t.src.Get(ctx, target)
	if errors.Is(err, record.ErrNotFound) {
		t.logger.Debug("skipping update link to missing record",
			slog.String("parent", parent.Address.Short()),
			slog.String("target", target.Short()),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch {
	case child.Action.Type != record.ActionUpdate,
		child.Action.Supersedes == nil || *child.Action.Supersedes != parent.Address,
		child.Kind() != root.Kind(),
		!root.Kind().IsSummary() && child.Author() != root.Author():
		t.logger.Debug("skipping update link that does not extend the chain",
			slog.String("parent", parent.Address.Short()),
			slog.String("target", target.Short()),
		)
		return nil, false, nil
	}
	return child, true, nil
}
