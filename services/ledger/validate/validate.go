// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate decides whether a peer accepts a proposed record.
//
// Summaries are checked by independent recomputation: the validator runs
// the same assembly over its own store and requires the proposal to match
// exactly, then requires every replacement to strictly raise the factored
// action count. Reviews and reactions are checked for shape and for the
// edit rules of their chains. A bad proposal is never a Go error; it is an
// Invalid Result carrying a reason.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/pkg/validation"
	"github.com/AleutianAI/tally/services/ledger/aggregate"
	"github.com/AleutianAI/tally/services/ledger/lineage"
	"github.com/AleutianAI/tally/services/ledger/record"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// =============================================================================
// Results
// =============================================================================

// Reason explains a rejection.
type Reason string

const (
	ReasonMismatch       Reason = "aggregate does not match independently recomputed value"
	ReasonNotImprovement Reason = "replacement summary is not an improvement"
	ReasonLineage        Reason = "summary lineage does not trace to the claimed subject"
	ReasonForeignRef     Reason = "summary references a contribution outside the subject"
	ReasonKindChange     Reason = "replacement changes the record kind"
	ReasonSubjectChange  Reason = "replacement summary changes the subject"
	ReasonMalformed      Reason = "content failed structural validation"
	ReasonAuthor         Reason = "content author does not match the signing author"
	ReasonAuthorChange   Reason = "edit changes the author"
	ReasonSubjects       Reason = "edit changes the declared subjects"
	ReasonSummaryLocked  Reason = "attached reaction summary cannot be replaced"
	ReasonEditDeleted    Reason = "soft-deleted interaction cannot be edited"
	ReasonNotDeletable   Reason = "only entities can be hard deleted"
	ReasonCorrupted      Reason = "record failed integrity checks"
	ReasonUnavailable    Reason = "records needed for validation are unavailable"
)

// reasonCodes are the metric labels of each reason.
var reasonCodes = map[Reason]string{
	ReasonMismatch:       "mismatch",
	ReasonNotImprovement: "not_improvement",
	ReasonLineage:        "lineage",
	ReasonForeignRef:     "foreign_ref",
	ReasonKindChange:     "kind_change",
	ReasonSubjectChange:  "subject_change",
	ReasonMalformed:      "malformed",
	ReasonAuthor:         "author",
	ReasonAuthorChange:   "author_change",
	ReasonSubjects:       "subjects",
	ReasonSummaryLocked:  "summary_locked",
	ReasonEditDeleted:    "edit_deleted",
	ReasonNotDeletable:   "not_deletable",
	ReasonCorrupted:      "corrupted",
	ReasonUnavailable:    "unavailable",
}

// ErrRejected matches every *ValidationError with errors.Is.
var ErrRejected = errors.New("proposal rejected")

// Result is the outcome of validating one record.
type Result struct {
	Valid  bool
	Reason Reason

	// Cause is the underlying detail, if any.
	Cause error
}

// Valid returns an accepting Result.
func Valid() Result {
	return Result{Valid: true}
}

// Invalid returns a rejecting Result.
func Invalid(reason Reason, cause error) Result {
	return Result{Reason: reason, Cause: cause}
}

// Err returns nil for a valid result and a *ValidationError otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Reason: r.Reason, Cause: r.Cause}
}

// ValidationError is a rejected proposal as an error.
type ValidationError struct {
	Reason Reason
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
}

// Unwrap exposes ErrRejected and the cause.
func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRejected}
	}
	return []error{ErrRejected, e.Cause}
}

// =============================================================================
// Struct validation
// =============================================================================

var contentValidate *validator.Validate

func init() {
	contentValidate = validator.New()
	_ = contentValidate.RegisterValidation("address", validateAddress)
	_ = contentValidate.RegisterValidation("slug", validateSlug)
}

// validateAddress accepts well-formed record addresses.
func validateAddress(fl validator.FieldLevel) bool {
	return record.Address(fl.Field().String()).Valid()
}

// validateSlug accepts rating categories and subject types.
func validateSlug(fl validator.FieldLevel) bool {
	return validation.ValidateSlug(fl.Field().String()) == nil
}

// Struct runs the struct tags of content.
func Struct(content record.Content) error {
	if content == nil {
		return errors.New("nil content")
	}
	return contentValidate.Struct(content)
}

// =============================================================================
// Validator
// =============================================================================

var (
	validateTracer = otel.Tracer("ledger.validate")

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_validate_outcomes_total",
		Help: "Validation outcomes by record kind and reason",
	}, []string{"kind", "outcome"})
)

// Validator checks proposals against the local store.
//
// Thread Safety: Safe for concurrent use.
type Validator struct {
	store  store.Getter
	tracer *lineage.Tracer
	asm    *aggregate.Assembler
	logger *slog.Logger
}

// New creates a Validator.
func New(s store.Getter, tracer *lineage.Tracer, asm *aggregate.Assembler, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  s,
		tracer: tracer,
		asm:    asm,
		logger: logger.With(slog.String("component", "validator")),
	}
}

// Check adapts Validate to entity.Checker so every write is validated
// before it reaches the store.
func (v *Validator) Check(ctx context.Context, rec, prev *record.Record) error {
	return v.Validate(ctx, rec, prev).Err()
}

// Record validates a stored record, loading the record it replaces.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Record(ctx context.Context, addr record.Address) Result {
	rec, err := v.store.Get(ctx, addr)
	if err != nil {
		return v.classify(err)
	}
	var prev *record.Record
	target := rec.Action.Supersedes
	if rec.Action.Type == record.ActionDelete {
		target = rec.Action.Deletes
	}
	if target != nil {
		prev, err = v.store.Get(ctx, *target)
		if err != nil {
			return v.classify(err)
		}
	}
	return v.Validate(ctx, rec, prev)
}

// Validate decides whether rec is acceptable.
//
// Description:
//
//	Every record must verify. Hard deletes are only allowed for entities.
//	An update must keep its chain's kind. Then, by content:
//
//	  - Summary: lineage, per-reference tracing and an exact match with
//	    the locally recomputed aggregate; a replacement must keep the
//	    subject and strictly raise the factored action count, and a new
//	    chain must exceed every other accepted chain for the subject.
//	  - Review or Reaction: struct tags, content author equal to the
//	    signing author, and the chain's edit rules.
//	  - Entity: struct tags and, on edit, the same author.
//
// Inputs:
//
//	ctx - Context for store reads.
//	rec - The proposed record.
//	prev - The record rec supersedes or deletes, nil for a create.
//
// Outputs:
//
//	Result - Valid, or Invalid with a Reason.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Validate(ctx context.Context, rec, prev *record.Record) Result {
	if rec == nil {
		return Invalid(ReasonMalformed, errors.New("nil record"))
	}
	ctx, span := validateTracer.Start(ctx, "validate.Validate",
		trace.WithAttributes(
			attribute.String("validate.address", rec.Address.Short()),
			attribute.String("validate.kind", string(rec.Kind())),
			attribute.String("validate.type", string(rec.Action.Type)),
		),
	)
	defer span.End()

	res := v.validate(ctx, rec, prev)

	outcome := "valid"
	if !res.Valid {
		outcome = reasonCodes[res.Reason]
		span.SetAttributes(attribute.String("validate.reason", string(res.Reason)))
		telemetry.RecordError(span, res.Err())
		telemetry.LoggerWithTrace(ctx, v.logger).Info("proposal rejected",
			slog.String("address", rec.Address.Short()),
			slog.String("kind", string(rec.Kind())),
			slog.String("reason", string(res.Reason)),
			slog.Any("cause", res.Cause),
		)
	}
	validationsTotal.WithLabelValues(string(rec.Kind()), outcome).Inc()
	return res
}

func (v *Validator) validate(ctx context.Context, rec, prev *record.Record) Result {
	if err := record.Verify(rec); err != nil {
		return Invalid(ReasonCorrupted, err)
	}

	switch rec.Action.Type {
	case record.ActionDelete:
		if rec.Kind() != record.KindEntity || (prev != nil && prev.Kind() != record.KindEntity) {
			return Invalid(ReasonNotDeletable, nil)
		}
		if prev != nil && prev.Author() != rec.Author() {
			return Invalid(ReasonAuthorChange, nil)
		}
		return Valid()
	case record.ActionUpdate:
		if prev == nil {
			return Invalid(ReasonUnavailable, fmt.Errorf("superseded record of %s", rec.Address.Short()))
		}
		if prev.Action.Type == record.ActionDelete || prev.Kind() != rec.Kind() {
			return Invalid(ReasonKindChange, fmt.Errorf("%s supersedes %s", rec.Kind(), prev.Kind()))
		}
	}

	if err := Struct(rec.Content); err != nil {
		return Invalid(ReasonMalformed, err)
	}

	switch c := rec.Content.(type) {
	case record.Summary:
		return v.summary(ctx, rec, c, prev)
	case record.Interaction:
		return interaction(rec, c, prev)
	case *record.Entity:
		if prev != nil && prev.Author() != rec.Author() {
			return Invalid(ReasonAuthorChange, nil)
		}
		return Valid()
	default:
		return Invalid(ReasonCorrupted, fmt.Errorf("%w: %s", record.ErrUnknownKind, rec.Kind()))
	}
}

// interaction applies the review and reaction rules.
func interaction(rec *record.Record, c record.Interaction, prev *record.Record) Result {
	fields := c.Common()
	if fields.Author != rec.Author() {
		return Invalid(ReasonAuthor, nil)
	}
	if prev == nil {
		return Valid()
	}

	old, ok := prev.Content.(record.Interaction)
	if !ok {
		return Invalid(ReasonKindChange, nil)
	}
	oldFields := old.Common()
	if oldFields.Deleted {
		return Invalid(ReasonEditDeleted, nil)
	}
	if oldFields.Author != fields.Author || prev.Author() != rec.Author() {
		return Invalid(ReasonAuthorChange, nil)
	}
	if !slices.Equal(oldFields.Subjects, fields.Subjects) {
		return Invalid(ReasonSubjects, nil)
	}
	if oldReview, ok := old.(*record.Review); ok && oldReview.ReactionSummary != nil {
		review := c.(*record.Review)
		if review.ReactionSummary == nil || *review.ReactionSummary != *oldReview.ReactionSummary {
			return Invalid(ReasonSummaryLocked, nil)
		}
	}
	return Valid()
}

// classify turns a store or tracer error into a rejection.
func (v *Validator) classify(err error) Result {
	if errors.Is(err, record.ErrCorrupted) {
		return Invalid(ReasonCorrupted, err)
	}
	return Invalid(ReasonUnavailable, err)
}
