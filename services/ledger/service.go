// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the peer-facing facade over the record store: it
// authors subjects, reviews and reactions, and assembles, publishes and
// validates their summaries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/tally/services/ledger/aggregate"
	"github.com/AleutianAI/tally/services/ledger/entity"
	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/subject"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
	"github.com/AleutianAI/tally/services/ledger/validate"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrWrongKind is returned when an address names a record of a kind the
	// operation does not accept.
	ErrWrongKind = errors.New("record has the wrong kind")

	// ErrSummaryMismatch is returned when attaching a reaction summary that
	// is not about the review.
	ErrSummaryMismatch = errors.New("reaction summary is not about this review")

	// ErrNoSigner is returned when an authoring call has no signer.
	ErrNoSigner = entity.ErrNoSigner
)

var serviceTracer = otel.Tracer("ledger.service")

// =============================================================================
// Service
// =============================================================================

// Config configures a Service.
type Config struct {
	// MaxChainLength bounds chain walks. Zero means lineage.DefaultMaxChainLength.
	MaxChainLength int

	// AssembleConcurrency bounds parallel candidate resolution.
	AssembleConcurrency int

	// Logger is the parent logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics are the OTel instruments. Created from the global meter when nil.
	Metrics *telemetry.Metrics

	// Now is the clock for summary timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service wires store, tracer, index, assembler and validator.
//
// Description:
//
//	Every write goes through entity.Manager with the validator installed
//	as its checker, so this peer never stores a record it would reject
//	from anyone else.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	store     store.ContentStore
	tracer    *lineage.Tracer
	index     *subject.Index
	asm       *aggregate.Assembler
	validator *validate.Validator
	entities  *entity.Manager
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	assembleGroup singleflight.Group
}

// NewService creates a Service over s.
//
// Inputs:
//
//	s - The content store. Not closed by the Service.
//	cfg - Service configuration.
//
// Outputs:
//
//	*Service - Ready to use.
//	error - Non-nil if metric instruments cannot be created.
func NewService(s store.ContentStore, cfg Config) (*Service, error) {
	if s == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		m, err := telemetry.NewMetrics(otel.Meter("tally.ledger"))
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}

	tracer := lineage.NewTracer(s, lineage.Config{MaxChainLength: cfg.MaxChainLength, Logger: cfg.Logger})
	index := subject.NewIndex(s, cfg.Logger)
	asm := aggregate.NewAssembler(s, tracer, index, aggregate.Config{
		Concurrency: cfg.AssembleConcurrency,
		Logger:      cfg.Logger,
	})
	v := validate.New(s, tracer, asm, cfg.Logger)

	return &Service{
		store:     s,
		tracer:    tracer,
		index:     index,
		asm:       asm,
		validator: v,
		entities:  entity.NewManager(s, tracer, v.Check, cfg.Logger),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With(slog.String("component", "ledger")),
		now:       cfg.Now,
	}, nil
}

// =============================================================================
// Subjects
// =============================================================================

// CreateSubject creates a reviewable entity.
func (s *Service) CreateSubject(ctx context.Context, signer *record.Signer, typ, name string, fields map[string]string) (*entity.Entity, error) {
	e, err := s.entities.Create(ctx, signer, record.NewEntity(typ, name, fields))
	if err != nil {
		return nil, fmt.Errorf("create subject: %w", err)
	}
	s.authored(ctx, record.KindEntity)
	return e, nil
}

// UpdateSubject merges fields into the subject's current revision. An empty
// value removes the field. The subject's identity does not change.
func (s *Service) UpdateSubject(ctx context.Context, signer *record.Signer, ptr record.Address, fields map[string]string) (*entity.Entity, error) {
	e, err := s.edit(ctx, signer, ptr, record.KindEntity, func(c record.Content) error {
		ent := c.(*record.Entity)
		if ent.Fields == nil {
			ent.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			if v == "" {
				delete(ent.Fields, k)
				continue
			}
			ent.Fields[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update subject: %w", err)
	}
	return e, nil
}

// DeleteSubject hard deletes a subject. Reviews about it are unaffected.
func (s *Service) DeleteSubject(ctx context.Context, signer *record.Signer, ptr record.Address) (*record.Record, error) {
	rec, err := s.entities.Delete(ctx, signer, ptr)
	if err != nil {
		return nil, fmt.Errorf("delete subject: %w", err)
	}
	s.authored(ctx, record.KindEntity)
	return rec, nil
}

// Get resolves any revision to its chain's current state.
func (s *Service) Get(ctx context.Context, ptr record.Address) (*entity.Entity, error) {
	return s.entities.Get(ctx, ptr)
}

// =============================================================================
// Reviews and reactions
// =============================================================================

// ReviewEdit describes an edit to a review. Ratings are merged into the
// existing ones; a nil Message keeps the current message.
type ReviewEdit struct {
	Ratings map[string]int
	Message *string
}

// CreateReview reviews the subjects at the given pointers and indexes the
// review under each subject identity.
func (s *Service) CreateReview(ctx context.Context, signer *record.Signer, subjects []record.Address, ratings map[string]int, message string) (*entity.Entity, error) {
	if signer == nil {
		return nil, fmt.Errorf("create review: %w", ErrNoSigner)
	}
	refs, err := s.subjectRefs(ctx, subjects)
	if err != nil {
		return nil, fmt.Errorf("create review: %w", err)
	}
	return s.createInteraction(ctx, signer, record.NewReview(signer.Author(), refs, ratings, message))
}

// EditReview appends an edit to a review.
func (s *Service) EditReview(ctx context.Context, signer *record.Signer, ptr record.Address, edit ReviewEdit) (*entity.Entity, error) {
	e, err := s.edit(ctx, signer, ptr, record.KindReview, func(c record.Content) error {
		r := c.(*record.Review)
		if len(edit.Ratings) > 0 && r.Ratings == nil {
			r.Ratings = make(map[string]int, len(edit.Ratings))
		}
		for k, v := range edit.Ratings {
			r.Ratings[k] = v
		}
		if edit.Message != nil {
			r.Message = *edit.Message
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit review: %w", err)
	}
	return e, nil
}

// DeleteReview soft deletes a review. It keeps counting toward summaries
// as a tombstone.
func (s *Service) DeleteReview(ctx context.Context, signer *record.Signer, ptr record.Address) (*entity.Entity, error) {
	e, err := s.softDelete(ctx, signer, ptr, record.KindReview)
	if err != nil {
		return nil, fmt.Errorf("delete review: %w", err)
	}
	return e, nil
}

// AttachReactionSummary points a review at the reaction summary chain
// published about it. A review's reaction summary is set at most once.
func (s *Service) AttachReactionSummary(ctx context.Context, signer *record.Signer, reviewPtr, summaryOrigin record.Address) (*entity.Entity, error) {
	review, err := s.entities.Get(ctx, reviewPtr)
	if err != nil {
		return nil, fmt.Errorf("attach reaction summary: %w", err)
	}
	_, summary, err := s.asm.ResolveSummary(ctx, summaryOrigin, record.KindReactionSummary)
	if err != nil {
		return nil, fmt.Errorf("attach reaction summary: %w", err)
	}
	if summary.Header().SubjectIdentity != review.Identity {
		return nil, fmt.Errorf("attach reaction summary %s: %w", summaryOrigin.Short(), ErrSummaryMismatch)
	}

	e, err := s.edit(ctx, signer, reviewPtr, record.KindReview, func(c record.Content) error {
		c.(*record.Review).ReactionSummary = summaryOrigin.Ptr()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach reaction summary: %w", err)
	}
	return e, nil
}

// React reacts to the subjects at the given pointers, which may be entities
// or reviews.
func (s *Service) React(ctx context.Context, signer *record.Signer, subjects []record.Address, reactionType int) (*entity.Entity, error) {
	if signer == nil {
		return nil, fmt.Errorf("react: %w", ErrNoSigner)
	}
	refs, err := s.subjectRefs(ctx, subjects)
	if err != nil {
		return nil, fmt.Errorf("react: %w", err)
	}
	return s.createInteraction(ctx, signer, record.NewReaction(signer.Author(), refs, reactionType))
}

// EditReaction changes a reaction's type.
func (s *Service) EditReaction(ctx context.Context, signer *record.Signer, ptr record.Address, reactionType int) (*entity.Entity, error) {
	e, err := s.edit(ctx, signer, ptr, record.KindReaction, func(c record.Content) error {
		c.(*record.Reaction).ReactionType = reactionType
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit reaction: %w", err)
	}
	return e, nil
}

// DeleteReaction soft deletes a reaction.
func (s *Service) DeleteReaction(ctx context.Context, signer *record.Signer, ptr record.Address) (*entity.Entity, error) {
	e, err := s.softDelete(ctx, signer, ptr, record.KindReaction)
	if err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	return e, nil
}

// subjectRefs resolves pointers to subject references.
func (s *Service) subjectRefs(ctx context.Context, ptrs []record.Address) ([]record.SubjectRef, error) {
	refs := make([]record.SubjectRef, 0, len(ptrs))
	for _, ptr := range ptrs {
		origin, err := s.tracer.TraceOrigin(ctx, ptr)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", ptr.Short(), err)
		}
		refs = append(refs, record.SubjectRef{Identity: origin.ContentAddress, Pointer: ptr})
	}
	return refs, nil
}

func (s *Service) createInteraction(ctx context.Context, signer *record.Signer, content record.Interaction) (*entity.Entity, error) {
	e, err := s.entities.Create(ctx, signer, content)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", content.Kind(), err)
	}
	s.authored(ctx, content.Kind())

	indexed := make(map[record.Address]struct{})
	for _, ref := range content.Common().Subjects {
		if _, dup := indexed[ref.Identity]; dup {
			continue
		}
		indexed[ref.Identity] = struct{}{}
		if err := s.index.Add(ctx, ref.Identity, e.Origin, content.Kind()); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (s *Service) softDelete(ctx context.Context, signer *record.Signer, ptr record.Address, kind record.Kind) (*entity.Entity, error) {
	return s.edit(ctx, signer, ptr, kind, func(c record.Content) error {
		c.(record.Interaction).Common().Deleted = true
		return nil
	})
}

// edit applies mutate to the current head of ptr's chain.
func (s *Service) edit(ctx context.Context, signer *record.Signer, ptr record.Address, kind record.Kind, mutate func(record.Content) error) (*entity.Entity, error) {
	if signer == nil {
		return nil, fmt.Errorf("edit %s: %w", ptr.Short(), ErrNoSigner)
	}
	current, err := s.entities.Get(ctx, ptr)
	if err != nil {
		return nil, err
	}
	if current.Head.Kind() != kind {
		return nil, fmt.Errorf("%s is a %s: %w", ptr.Short(), current.Head.Kind(), ErrWrongKind)
	}
	e, err := s.entities.Update(ctx, signer, current.Head.Address, mutate)
	if err != nil {
		return nil, err
	}
	s.authored(ctx, kind)
	return e, nil
}

// =============================================================================
// Summaries
// =============================================================================

// Assemble builds the summary of kind for the subject at subjectPtr.
//
// Description:
//
//	Concurrent calls for the same kind and pointer share one assembly.
//	Each caller receives its own copy. A caller whose context ends returns
//	its context error while the shared assembly runs on for the others.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Assemble(ctx context.Context, kind record.Kind, subjectPtr record.Address) (record.Summary, error) {
	ctx, span := serviceTracer.Start(ctx, "ledger.Assemble",
		trace.WithAttributes(
			attribute.String("ledger.kind", string(kind)),
			attribute.String("ledger.subject", subjectPtr.Short()),
		),
	)
	defer span.End()
	start := time.Now()

	res := singleflight.Result{Err: ctx.Err()}
	if res.Err == nil {
		ch := s.assembleGroup.DoChan(string(kind)+":"+string(subjectPtr), func() (any, error) {
			// The shared assembly must not fail because the caller that
			// started it went away.
			return s.asm.Assemble(context.WithoutCancel(ctx), kind, subjectPtr)
		})
		select {
		case res = <-ch:
		case <-ctx.Done():
			res = singleflight.Result{Err: ctx.Err()}
		}
	}
	v, err := res.Val, res.Err
	span.SetAttributes(attribute.Bool("ledger.shared", res.Shared))

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", status(err)),
	)
	s.metrics.AssemblesTotal.Add(ctx, 1, attrs)
	s.metrics.AssembleDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("kind", string(kind))))

	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	summary, ok := v.(record.Summary)
	if !ok {
		err := fmt.Errorf("unexpected assemble result %T", v)
		telemetry.RecordError(span, err)
		return nil, err
	}
	c, err := record.Clone(summary)
	if err != nil {
		return nil, err
	}
	return c.(record.Summary), nil
}

// Publish assembles and publishes the summary of kind for the subject at
// subjectPtr.
//
// Description:
//
//	When no summary is accepted for the subject a new summary chain is
//	created and indexed. Otherwise the current accepted summary is
//	replaced, which the validator only allows when the new factored action
//	count is strictly greater. The proposal is validated locally before it
//	is written, exactly as a remote peer would validate it.
//
// Inputs:
//
//	ctx - Context for the operation.
//	signer - Publishing identity. Summary chains accept any author.
//	kind - KindReviewSummary or KindReactionSummary.
//	subjectPtr - Any revision of the subject.
//
// Outputs:
//
//	*entity.Entity - The summary chain with the new revision as Head.
//	error - aggregate.ErrInsufficientData, a *validate.ValidationError
//	  (errors.Is validate.ErrRejected) or store errors.
//
// Thread Safety: Safe for concurrent use. Concurrent publishers race
// benignly; the losing replacement is rejected as not an improvement.
func (s *Service) Publish(ctx context.Context, signer *record.Signer, kind record.Kind, subjectPtr record.Address) (*entity.Entity, error) {
	ctx, span := serviceTracer.Start(ctx, "ledger.Publish",
		trace.WithAttributes(
			attribute.String("ledger.kind", string(kind)),
			attribute.String("ledger.subject", subjectPtr.Short()),
		),
	)
	defer span.End()

	e, outcome, err := s.publish(ctx, signer, kind, subjectPtr)
	s.metrics.PublishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	h := e.Head.Content.(record.Summary).Header()
	s.metrics.FactoredActionCount.Record(ctx, int64(h.FactoredActionCount), metric.WithAttributes(attribute.String("kind", string(kind))))
	span.SetAttributes(
		attribute.String("ledger.outcome", outcome),
		attribute.Int64("ledger.factored_action_count", int64(h.FactoredActionCount)),
	)
	telemetry.LoggerWithTrace(ctx, s.logger).Info("summary published",
		slog.String("kind", string(kind)),
		slog.String("subject", h.SubjectIdentity.Short()),
		slog.String("outcome", outcome),
		slog.Uint64("factored_action_count", h.FactoredActionCount),
		slog.String("head", e.Head.Address.Short()),
	)
	return e, nil
}

func (s *Service) publish(ctx context.Context, signer *record.Signer, kind record.Kind, subjectPtr record.Address) (*entity.Entity, string, error) {
	if signer == nil {
		return nil, "error", fmt.Errorf("publish: %w", ErrNoSigner)
	}
	proposal, err := s.Assemble(ctx, kind, subjectPtr)
	if err != nil {
		return nil, "error", err
	}
	h := proposal.Header()
	now := s.now().UTC()
	h.LastUpdated = now

	current, currentSummary, err := s.asm.Current(ctx, h.SubjectIdentity, kind)
	switch {
	case errors.Is(err, aggregate.ErrNoSummary):
		h.PublishedAt = now
		e, err := s.entities.Create(ctx, signer, proposal)
		if err != nil {
			return nil, outcome(err), err
		}
		if err := s.index.AddSummary(ctx, h.SubjectIdentity, e.Origin, kind); err != nil {
			return nil, "error", err
		}
		s.authored(ctx, kind)
		return e, "created", nil
	case err != nil:
		return nil, "error", err
	}

	h.PublishedAt = currentSummary.Header().PublishedAt
	e, err := s.entities.Update(ctx, signer, current.Address, func(c record.Content) error {
		switch dst := c.(type) {
		case *record.ReviewSummary:
			*dst = *proposal.(*record.ReviewSummary)
		case *record.ReactionSummary:
			*dst = *proposal.(*record.ReactionSummary)
		default:
			return fmt.Errorf("%w: %s", ErrWrongKind, c.Kind())
		}
		return nil
	})
	if err != nil {
		return nil, outcome(err), err
	}
	s.authored(ctx, kind)
	return e, "replaced", nil
}

// Current returns the accepted summary of kind for the subject at
// subjectPtr.
func (s *Service) Current(ctx context.Context, kind record.Kind, subjectPtr record.Address) (*record.Record, record.Summary, error) {
	origin, err := s.tracer.TraceOrigin(ctx, subjectPtr)
	if err != nil {
		return nil, nil, err
	}
	return s.asm.Current(ctx, origin.ContentAddress, kind)
}

// Validate re-validates the stored record at addr against this peer's view.
func (s *Service) Validate(ctx context.Context, addr record.Address) validate.Result {
	return s.validator.Record(ctx, addr)
}

// =============================================================================
// Tracing
// =============================================================================

// TraceOrigin returns the origin of ptr's chain and ptr's edit depth.
func (s *Service) TraceOrigin(ctx context.Context, ptr record.Address) (lineage.Origin, error) {
	return s.tracer.TraceOrigin(ctx, ptr)
}

// TraceLineage returns ptr's lineage, head first.
func (s *Service) TraceLineage(ctx context.Context, ptr record.Address) ([]lineage.Step, error) {
	return s.tracer.TraceLineage(ctx, ptr)
}

// Revisions returns every revision reachable from ptr's origin.
func (s *Service) Revisions(ctx context.Context, ptr record.Address) ([]*record.Record, error) {
	origin, err := s.tracer.TraceOrigin(ctx, ptr)
	if err != nil {
		return nil, err
	}
	return s.tracer.Revisions(ctx, origin.Address)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) authored(ctx context.Context, kind record.Kind) {
	s.metrics.RecordsAuthoredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func outcome(err error) string {
	if errors.Is(err, validate.ErrRejected) {
		return "rejected"
	}
	return "error"
}
