// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments recorded by the ledger facade.
//
// Description:
//
//	Component-level counters (store reads, stale index skips, corruption)
//	are promauto collectors owned by their packages. These instruments cover
//	the user-facing operations and carry a "kind" attribute so review and
//	reaction summaries can be told apart. All names use the "tally_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// AssemblesTotal counts Assemble calls by kind and status.
	AssemblesTotal metric.Int64Counter

	// AssembleDuration records Assemble latency in seconds.
	AssembleDuration metric.Float64Histogram

	// PublishesTotal counts Publish calls by kind and outcome
	// (created, replaced, rejected, error).
	PublishesTotal metric.Int64Counter

	// FactoredActionCount records the factored count of accepted summaries.
	FactoredActionCount metric.Int64Histogram

	// RecordsAuthoredTotal counts records sealed by this peer, by kind.
	RecordsAuthoredTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
//
// Inputs:
//
//	meter - The OTel meter, typically otel.Meter("tally.ledger").
//
// Outputs:
//
//	*Metrics - Ready-to-use instruments.
//	error - Non-nil if any instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AssemblesTotal, err = meter.Int64Counter(
		"tally_assembles_total",
		metric.WithDescription("Total summary assembly operations"),
		metric.WithUnit("{assemble}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create assembles_total: %w", err)
	}

	m.AssembleDuration, err = meter.Float64Histogram(
		"tally_assemble_duration_seconds",
		metric.WithDescription("Summary assembly duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create assemble_duration: %w", err)
	}

	m.PublishesTotal, err = meter.Int64Counter(
		"tally_publishes_total",
		metric.WithDescription("Total summary publish attempts"),
		metric.WithUnit("{publish}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publishes_total: %w", err)
	}

	m.FactoredActionCount, err = meter.Int64Histogram(
		"tally_factored_action_count",
		metric.WithDescription("Factored action count of accepted summaries"),
		metric.WithUnit("{action}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 1000, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("create factored_action_count: %w", err)
	}

	m.RecordsAuthoredTotal, err = meter.Int64Counter(
		"tally_records_authored_total",
		metric.WithDescription("Total records sealed by this peer"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create records_authored_total: %w", err)
	}

	return m, nil
}
