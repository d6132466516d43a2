// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entity is the generic create/update/get helper every ledger
// record goes through.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

var (
	// ErrNotAuthor is returned when a signer edits or deletes a chain it
	// did not create. Summary chains are exempt.
	ErrNotAuthor = errors.New("signer is not the author of this chain")

	// ErrNotDeletable is returned for a hard delete of anything but an
	// Entity. Reviews and reactions are soft deleted; summaries never are.
	ErrNotDeletable = errors.New("only entities can be hard deleted")

	// ErrDeleted is returned when updating a hard-deleted entity.
	ErrDeleted = errors.New("entity is deleted")

	// ErrNoSigner is returned when an authoring call has no signer.
	ErrNoSigner = errors.New("signer is required")
)

var entityTracer = otel.Tracer("ledger.entity")

// Checker inspects a sealed record before it is written. prev is the
// superseded or deleted record, nil for a create.
type Checker func(ctx context.Context, rec, prev *record.Record) error

// Entity is the resolved view of a chain.
type Entity struct {
	// Origin is the address of the chain's create action.
	Origin record.Address

	// Identity is the origin's content address.
	Identity record.Address

	// Head is the current revision.
	Head *record.Record

	// Depth is Head's edit depth.
	Depth int

	// Deleted is true when the chain was hard deleted.
	Deleted bool
}

// Manager implements create, update, delete and get over a store.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	store  store.ContentStore
	tracer *lineage.Tracer
	check  Checker
	logger *slog.Logger
}

// NewManager creates a Manager. check may be nil.
func NewManager(s store.ContentStore, tracer *lineage.Tracer, check Checker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		tracer: tracer,
		check:  check,
		logger: logger.With(slog.String("component", "entity")),
	}
}

// Create starts a new chain with content authored by signer.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Create(ctx context.Context, signer *record.Signer, content record.Content) (*Entity, error) {
	ctx, span := entityTracer.Start(ctx, "entity.Create")
	defer span.End()

	if signer == nil {
		err := fmt.Errorf("create: %w", ErrNoSigner)
		telemetry.RecordError(span, err)
		return nil, err
	}
	rec, err := record.Seal(signer, record.Action{Type: record.ActionCreate}, content)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := m.write(ctx, rec, nil); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("entity.origin", rec.Address.Short()))

	return &Entity{Origin: rec.Address, Identity: rec.ContentAddress(), Head: rec}, nil
}

// Update appends a revision after head.
//
// Description:
//
//	mutate receives a private copy of head's content and edits it in
//	place. The new revision supersedes head; when head is not the chain's
//	current head the chain forks and Get resolves the fork.
//
//	The revision is stored before its update link. If linking fails the
//	revision stays in the store but no walk reaches it, and a retried
//	Update seals and links a fresh revision. A link whose target is
//	missing is skipped by the lineage walk, so the two writes may land in
//	either order without corrupting the chain.
//
// Inputs:
//
//	ctx - Context for store access.
//	signer - Authoring identity. Must match the chain author unless the
//	  chain is a summary.
//	head - The revision to supersede.
//	mutate - Edits the copied content.
//
// Outputs:
//
//	*Entity - The chain with the new revision as Head.
//	error - ErrNoSigner, ErrNotAuthor, ErrDeleted, a Checker rejection or
//	  store errors.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Update(ctx context.Context, signer *record.Signer, head record.Address, mutate func(record.Content) error) (*Entity, error) {
	ctx, span := entityTracer.Start(ctx, "entity.Update",
		trace.WithAttributes(attribute.String("entity.head", head.Short())),
	)
	defer span.End()

	ent, err := m.update(ctx, signer, head, mutate)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return ent, nil
}

func (m *Manager) update(ctx context.Context, signer *record.Signer, head record.Address, mutate func(record.Content) error) (*Entity, error) {
	if signer == nil {
		return nil, fmt.Errorf("update %s: %w", head.Short(), ErrNoSigner)
	}
	prev, err := m.store.Get(ctx, head)
	if err != nil {
		return nil, err
	}
	if prev.Action.Type == record.ActionDelete {
		return nil, fmt.Errorf("update %s: %w", head.Short(), lineage.ErrDeleteAction)
	}
	if !prev.Kind().IsSummary() && prev.Author() != signer.Author() {
		return nil, fmt.Errorf("update %s: %w", head.Short(), ErrNotAuthor)
	}

	origin, err := m.tracer.TraceOrigin(ctx, head)
	if err != nil {
		return nil, err
	}
	deleted, err := m.deleted(ctx, origin.Address)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, fmt.Errorf("update %s: %w", head.Short(), ErrDeleted)
	}

	next, err := record.Clone(prev.Content)
	if err != nil {
		return nil, err
	}
	if err := mutate(next); err != nil {
		return nil, err
	}

	rec, err := record.Seal(signer, record.Action{Type: record.ActionUpdate, Supersedes: head.Ptr()}, next)
	if err != nil {
		return nil, err
	}
	if err := m.write(ctx, rec, prev); err != nil {
		return nil, err
	}
	if err := m.store.AddLink(ctx, head, store.LinkUpdate, rec.Address, ""); err != nil {
		return nil, err
	}

	return &Entity{
		Origin:   origin.Address,
		Identity: origin.ContentAddress,
		Head:     rec,
		Depth:    origin.Depth + 1,
	}, nil
}

// Delete hard deletes an entity chain.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Delete(ctx context.Context, signer *record.Signer, target record.Address) (*record.Record, error) {
	ctx, span := entityTracer.Start(ctx, "entity.Delete",
		trace.WithAttributes(attribute.String("entity.target", target.Short())),
	)
	defer span.End()

	if signer == nil {
		err := fmt.Errorf("delete %s: %w", target.Short(), ErrNoSigner)
		telemetry.RecordError(span, err)
		return nil, err
	}
	prev, err := m.store.Get(ctx, target)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if prev.Kind() != record.KindEntity {
		return nil, fmt.Errorf("delete %s %s: %w", prev.Kind(), target.Short(), ErrNotDeletable)
	}
	if prev.Author() != signer.Author() {
		return nil, fmt.Errorf("delete %s: %w", target.Short(), ErrNotAuthor)
	}
	origin, err := m.tracer.TraceOrigin(ctx, target)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	rec, err := record.Seal(signer, record.Action{Type: record.ActionDelete, Kind: prev.Kind(), Deletes: origin.Address.Ptr()}, nil)
	if err != nil {
		return nil, err
	}
	if err := m.write(ctx, rec, prev); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := m.store.AddLink(ctx, origin.Address, store.LinkDelete, rec.Address, ""); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return rec, nil
}

// Get resolves any revision to its chain's current state.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Get(ctx context.Context, id record.Address) (*Entity, error) {
	ctx, span := entityTracer.Start(ctx, "entity.Get",
		trace.WithAttributes(attribute.String("entity.id", id.Short())),
	)
	defer span.End()

	origin, err := m.tracer.TraceOrigin(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	head, err := m.tracer.Head(ctx, origin.Address)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	deleted, err := m.deleted(ctx, origin.Address)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	return &Entity{
		Origin:   origin.Address,
		Identity: origin.ContentAddress,
		Head:     head.Record,
		Depth:    head.Depth,
		Deleted:  deleted,
	}, nil
}

// deleted reports whether origin has a valid delete action by its author.
func (m *Manager) deleted(ctx context.Context, origin record.Address) (bool, error) {
	links, err := m.store.Links(ctx, origin, store.LinkDelete)
	if err != nil || len(links) == 0 {
		return false, err
	}
	originRec, err := m.store.Get(ctx, origin)
	if err != nil {
		return false, err
	}
	for _, link := range links {
		del, err := m.store.Get(ctx, link.Target)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if del.Action.Type == record.ActionDelete && del.Action.Deletes != nil &&
			*del.Action.Deletes == origin && del.Author() == originRec.Author() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) write(ctx context.Context, rec, prev *record.Record) error {
	if m.check != nil {
		if err := m.check(ctx, rec, prev); err != nil {
			return err
		}
	}
	if _, err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	telemetry.LoggerWithTrace(ctx, m.logger).Debug("record written",
		slog.String("type", string(rec.Action.Type)),
		slog.String("kind", string(rec.Kind())),
		slog.String("address", rec.Address.Short()),
	)
	return nil
}
