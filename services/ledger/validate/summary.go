// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/tally/services/ledger/aggregate"
	"github.com/AleutianAI/tally/services/ledger/record"
)

// summary checks a proposed summary against an independent recomputation.
func (v *Validator) summary(ctx context.Context, rec *record.Record, proposed record.Summary, prev *record.Record) Result {
	h := proposed.Header()

	if res := v.checkLineage(ctx, h); !res.Valid {
		return res
	}
	if res := v.checkRefs(ctx, h); !res.Valid {
		return res
	}

	recomputed, err := v.asm.Assemble(ctx, proposed.Kind(), h.SubjectLineage[0])
	if errors.Is(err, aggregate.ErrInsufficientData) {
		return Invalid(ReasonMismatch, err)
	}
	if err != nil {
		return v.classify(err)
	}
	if field := mismatch(proposed, recomputed); field != "" {
		return Invalid(ReasonMismatch, fmt.Errorf("%s differs", field))
	}

	if prev == nil {
		return v.checkNewChain(ctx, rec, proposed)
	}
	old, ok := prev.Content.(record.Summary)
	if !ok || old.Kind() != proposed.Kind() {
		return Invalid(ReasonKindChange, nil)
	}
	oh := old.Header()
	if oh.SubjectIdentity != h.SubjectIdentity {
		return Invalid(ReasonSubjectChange, nil)
	}
	if h.FactoredActionCount <= oh.FactoredActionCount {
		return Invalid(ReasonNotImprovement,
			fmt.Errorf("factored action count %d does not exceed %d", h.FactoredActionCount, oh.FactoredActionCount))
	}
	return Valid()
}

// checkNewChain requires a new summary chain to beat every other accepted
// chain for the subject, as a replacement would have to.
func (v *Validator) checkNewChain(ctx context.Context, rec *record.Record, proposed record.Summary) Result {
	h := proposed.Header()
	_, current, err := v.asm.CurrentExcept(ctx, h.SubjectIdentity, proposed.Kind(), rec.Address)
	if errors.Is(err, aggregate.ErrNoSummary) {
		return Valid()
	}
	if err != nil {
		return v.classify(err)
	}
	if count := current.Header().FactoredActionCount; h.FactoredActionCount <= count {
		return Invalid(ReasonNotImprovement,
			fmt.Errorf("factored action count %d does not exceed accepted %d", h.FactoredActionCount, count))
	}
	return Valid()
}

// checkLineage requires the claimed lineage to be exactly the local trace
// of its first element and to end at the claimed identity.
func (v *Validator) checkLineage(ctx context.Context, h *record.SummaryHeader) Result {
	steps, err := v.tracer.TraceLineage(ctx, h.SubjectLineage[0])
	if err != nil {
		return v.classify(err)
	}
	if len(steps) != len(h.SubjectLineage) {
		return Invalid(ReasonLineage, fmt.Errorf("lineage has %d steps, traced %d", len(h.SubjectLineage), len(steps)))
	}
	for n, s := range steps {
		if s.Address != h.SubjectLineage[n] {
			return Invalid(ReasonLineage, fmt.Errorf("step %d is %s, traced %s", n, h.SubjectLineage[n].Short(), s.Address.Short()))
		}
	}
	if steps[len(steps)-1].ContentAddress != h.SubjectIdentity {
		return Invalid(ReasonLineage, fmt.Errorf("lineage ends at identity %s", steps[len(steps)-1].ContentAddress.Short()))
	}
	return Valid()
}

// checkRefs requires every referenced head to trace to the origin it is
// filed under and to declare the subject through a pointer that traces to
// the subject identity.
func (v *Validator) checkRefs(ctx context.Context, h *record.SummaryHeader) Result {
	for _, refs := range []map[string]record.Contribution{h.LiveRefs, h.TombstonedRefs} {
		for _, key := range aggregate.SortedKeys(refs) {
			if res := v.checkRef(ctx, h.SubjectIdentity, key, refs[key]); !res.Valid {
				return res
			}
		}
	}
	return Valid()
}

func (v *Validator) checkRef(ctx context.Context, identity record.Address, key string, c record.Contribution) Result {
	origin, err := v.tracer.TraceOrigin(ctx, c.Head)
	if err != nil {
		return v.classify(err)
	}
	if origin.Address != c.Origin || string(origin.ContentAddress) != key {
		return Invalid(ReasonForeignRef, fmt.Errorf("head %s traces to origin %s", c.Head.Short(), origin.Address.Short()))
	}

	head, err := v.store.Get(ctx, c.Head)
	if err != nil {
		return v.classify(err)
	}
	content, ok := head.Content.(record.Interaction)
	if !ok {
		return Invalid(ReasonForeignRef, fmt.Errorf("%s is a %s", c.Head.Short(), head.Kind()))
	}
	ref, ok := content.Common().About(identity)
	if !ok {
		return Invalid(ReasonForeignRef, fmt.Errorf("%s does not declare the subject", c.Head.Short()))
	}
	subject, err := v.tracer.TraceOrigin(ctx, ref.Pointer)
	if err != nil {
		return Invalid(ReasonForeignRef, err)
	}
	if subject.ContentAddress != identity {
		return Invalid(ReasonForeignRef, fmt.Errorf("%s points at subject %s", c.Head.Short(), subject.ContentAddress.Short()))
	}
	return Valid()
}

// mismatch returns the first field in which the aggregates differ, or "".
// Timestamps are ignored; they are set by the publisher.
func mismatch(proposed, recomputed record.Summary) string {
	p, r := proposed.Header(), recomputed.Header()
	switch {
	case p.SubjectIdentity != r.SubjectIdentity:
		return "subject_identity"
	case !slices.Equal(p.SubjectLineage, r.SubjectLineage):
		return "subject_lineage"
	case p.FactoredActionCount != r.FactoredActionCount:
		return "factored_action_count"
	case !sameRefs(p.LiveRefs, r.LiveRefs):
		return "live_refs"
	case !sameRefs(p.TombstonedRefs, r.TombstonedRefs):
		return "tombstoned_refs"
	}

	switch ps := proposed.(type) {
	case *record.ReviewSummary:
		rs, ok := recomputed.(*record.ReviewSummary)
		if !ok || !sameStats(ps.Stats, rs.Stats) {
			return "stats"
		}
	case *record.ReactionSummary:
		rs, ok := recomputed.(*record.ReactionSummary)
		if !ok || !sameCounts(ps.TypeCounts, rs.TypeCounts) {
			return "type_counts"
		}
	}
	return ""
}

// sameRefs compares contributions by their canonical encoding.
func sameRefs(a, b map[string]record.Contribution) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ca := range a {
		cb, ok := b[k]
		if !ok {
			return false
		}
		if !bytes.Equal(encodeContribution(ca), encodeContribution(cb)) {
			return false
		}
	}
	return true
}

// sameStats compares statistics bit for bit.
func sameStats(a, b map[string]record.CategoryStats) bool {
	if len(a) != len(b) {
		return false
	}
	for k, sa := range a {
		sb, ok := b[k]
		if !ok {
			return false
		}
		if sa.Sum != sb.Sum || sa.Count != sb.Count || sa.Median != sb.Median ||
			math.Float64bits(sa.Average) != math.Float64bits(sb.Average) {
			return false
		}
	}
	return true
}

func sameCounts(a, b map[int]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if m, ok := b[k]; !ok || m != n {
			return false
		}
	}
	return true
}

// encodeContribution cannot fail for Contribution's field types.
func encodeContribution(c record.Contribution) []byte {
	b, _ := json.Marshal(c)
	return b
}
