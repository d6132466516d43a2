// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger/aggregate"
	"github.com/AleutianAI/tally/services/ledger/entity"
	"github.com/AleutianAI/tally/services/ledger/record"
)

type keyView struct {
	Author  record.AuthorKey `json:"author"`
	KeyFile string           `json:"key_file"`
}

type metricsView struct {
	URL string `json:"url"`
}

type entityView struct {
	Origin   record.Address   `json:"origin"`
	Identity record.Address   `json:"identity"`
	Head     record.Address   `json:"head"`
	Kind     record.Kind      `json:"kind"`
	Author   record.AuthorKey `json:"author"`
	Depth    int              `json:"depth"`
	Deleted  bool             `json:"deleted"`
	Content  record.Content   `json:"content,omitempty"`
}

func newEntityView(e *entity.Entity) entityView {
	return entityView{
		Origin:   e.Origin,
		Identity: e.Identity,
		Head:     e.Head.Address,
		Kind:     e.Head.Kind(),
		Author:   e.Head.Author(),
		Depth:    e.Depth,
		Deleted:  e.Deleted,
		Content:  e.Head.Content,
	}
}

func printEntity(p *ux.Printer, title string, v entityView) {
	p.Title(title)
	p.Field("Origin", v.Origin)
	p.Field("Head", v.Head)
	p.Field("Kind", v.Kind)
	p.Field("Author", v.Author.Short())
	p.Field("Edit depth", v.Depth)
	if v.Deleted {
		p.Field("Deleted", "yes")
	}

	switch c := v.Content.(type) {
	case *record.Entity:
		p.Field("Type", c.Type)
		p.Field("Name", c.Name)
		for _, k := range slices.Sorted(maps.Keys(c.Fields)) {
			p.Field("  "+k, c.Fields[k])
		}
	case *record.Review:
		printSubjects(p, c.Subjects)
		for _, k := range slices.Sorted(maps.Keys(c.Ratings)) {
			p.Field("Rating "+k, c.Ratings[k])
		}
		if c.Message != "" {
			p.Box("Message", c.Message)
		}
		if c.Deleted {
			p.Field("Retracted", "yes")
		}
		if c.ReactionSummary != nil {
			p.Field("Reaction summary", *c.ReactionSummary)
		}
	case *record.Reaction:
		printSubjects(p, c.Subjects)
		p.Field("Reaction type", c.ReactionType)
		if c.Deleted {
			p.Field("Retracted", "yes")
		}
	case record.Summary:
		printSummaryBody(p, c)
	}
}

func printSubjects(p *ux.Printer, subjects []record.SubjectRef) {
	for _, s := range subjects {
		p.Field("Subject", fmt.Sprintf("%s (at %s)", s.Identity, s.Pointer.Short()))
	}
}

// summaryView pairs a summary with the record that carries it. Record is
// empty for an assembled, unpublished summary.
type summaryView struct {
	Record  record.Address `json:"record,omitempty"`
	Kind    record.Kind    `json:"kind"`
	Summary record.Summary `json:"summary"`
}

func printSummary(p *ux.Printer, title string, v summaryView) {
	p.Title(title)
	if v.Record != "" {
		p.Field("Record", v.Record)
	}
	p.Field("Kind", v.Kind)
	printSummaryBody(p, v.Summary)
}

func printSummaryBody(p *ux.Printer, s record.Summary) {
	h := s.Header()
	p.Field("Subject", h.SubjectIdentity)
	p.Field("Lineage", len(h.SubjectLineage))
	p.Field("Factored actions", h.FactoredActionCount)
	p.Field("Live", len(h.LiveRefs))
	p.Field("Tombstoned", len(h.TombstonedRefs))
	if !h.PublishedAt.IsZero() {
		p.Field("Published", h.PublishedAt.Format(time.RFC3339))
		p.Field("Updated", h.LastUpdated.Format(time.RFC3339))
	}

	switch c := s.(type) {
	case *record.ReviewSummary:
		for _, k := range slices.Sorted(maps.Keys(c.Stats)) {
			st := c.Stats[k]
			p.Item(fmt.Sprintf("%s: avg %.2f, median %d, n=%d", k, st.Average, st.Median, st.Count))
		}
	case *record.ReactionSummary:
		for _, t := range slices.Sorted(maps.Keys(c.TypeCounts)) {
			p.Item(fmt.Sprintf("type %d: %d", t, c.TypeCounts[t]))
		}
	}

	for _, k := range aggregate.SortedKeys(h.LiveRefs) {
		ref := h.LiveRefs[k]
		p.Item(fmt.Sprintf("live %s by %s, weight %d", record.Address(k).Short(), ref.Author.Short(), ref.Weight))
	}
}

type stepView struct {
	Depth          int            `json:"depth"`
	Address        record.Address `json:"address"`
	ContentAddress record.Address `json:"content_address"`
}

type revisionView struct {
	Address    record.Address    `json:"address"`
	Type       record.ActionType `json:"type"`
	Supersedes *record.Address   `json:"supersedes,omitempty"`
	Author     record.AuthorKey  `json:"author"`
	Timestamp  time.Time         `json:"timestamp"`
}

// parsePairs parses k=v flag values into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

// emitEntity reports a write.
func (a *app) emitEntity(status string, e *entity.Entity) error {
	v := newEntityView(e)
	return a.printer.Emit(v, func(p *ux.Printer) {
		p.Success(status + " " + v.Origin.String())
		printEntity(p, string(v.Kind), v)
	})
}
