// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tally/services/ledger/record"
	badgerdb "github.com/AleutianAI/tally/services/ledger/storage/badger"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// =============================================================================
// Key layout
// =============================================================================
//
//	r:{address}                       -> [CRC32][envelope JSON]
//	l:{kind}:{base}:{seq:016x}        -> [CRC32][link JSON]
//	seq:links                         -> badger sequence lease
//
// Link keys sort by sequence within a (kind, base) prefix, so prefix
// iteration returns links in insertion order.

const (
	recordPrefix    = "r:"
	linkPrefix      = "l:"
	linkSeqKey      = "seq:links"
	defaultSeqLease = 256
)

func recordKey(addr record.Address) []byte {
	return []byte(recordPrefix + string(addr))
}

func linkListPrefix(kind LinkKind, base record.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", linkPrefix, kind, base))
}

func linkKey(kind LinkKind, base record.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%016x", linkPrefix, kind, base, seq))
}

// envelope is the stored form of a record. Byte fields keep the signed
// action and the hashed payload byte-exact.
type envelope struct {
	Action    []byte      `json:"a"`
	Signature []byte      `json:"s"`
	Kind      record.Kind `json:"k,omitempty"`
	Payload   []byte      `json:"p,omitempty"`
}

// =============================================================================
// Metrics
// =============================================================================

var (
	storeTracer = otel.Tracer("ledger.store")

	recordsPutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_store_records_put_total",
		Help: "Records written by kind and result (stored, duplicate)",
	}, []string{"kind", "result"})

	recordsGetTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_store_records_get_total",
		Help: "Record reads by result (hit, miss, corrupted)",
	}, []string{"result"})

	linksAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_store_links_added_total",
		Help: "Links appended by link kind",
	}, []string{"kind"})

	corruptionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_store_corruption_total",
		Help: "Integrity failures detected while reading or writing records",
	})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_store_op_duration_seconds",
		Help:    "Store operation latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"op"})
)

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Logger for store events. Defaults to slog.Default().
	Logger *slog.Logger

	// SeqLease is how many link sequence numbers are leased per badger
	// write. Unused numbers are lost on restart, which only leaves gaps.
	SeqLease uint64
}

// BadgerStore is a ContentStore backed by BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badgerdb.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// NewBadgerStore opens the store on db.
//
// Description:
//
//	Acquires the link sequence. The caller keeps ownership of db and must
//	Close the store before closing db.
//
// Inputs:
//
//	db - An open managed database. Must not be nil.
//	cfg - Store configuration.
//
// Outputs:
//
//	*BadgerStore - Ready-to-use store.
//	error - Non-nil if the link sequence cannot be acquired.
func NewBadgerStore(db *badgerdb.DB, cfg BadgerConfig) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("store: db must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SeqLease == 0 {
		cfg.SeqLease = defaultSeqLease
	}

	seq, err := db.GetSequence([]byte(linkSeqKey), cfg.SeqLease)
	if err != nil {
		return nil, fmt.Errorf("acquire link sequence: %w", err)
	}

	return &BadgerStore{
		db:     db,
		seq:    seq,
		logger: cfg.Logger.With(slog.String("component", "store")),
	}, nil
}

// Close releases the link sequence lease.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return fmt.Errorf("release link sequence: %w", err)
	}
	return nil
}

// Put verifies and stores rec.
//
// Description:
//
//	The record's hashes and signature are checked before anything is
//	written; a record that fails is rejected with record.ErrCorrupted.
//	Because addresses are content hashes, writing an address that already
//	exists is a no-op.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	rec - A sealed record.
//
// Outputs:
//
//	record.Address - The record's address.
//	error - Non-nil on verification or write failure.
//
// Thread Safety: Safe for concurrent use.
func (s *BadgerStore) Put(ctx context.Context, rec *record.Record) (record.Address, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	ctx, span := storeTracer.Start(ctx, "store.Put")
	defer span.End()
	defer observe("put", time.Now())

	if err := record.Verify(rec); err != nil {
		corruptionTotal.Inc()
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("put: %w", err)
	}
	span.SetAttributes(
		attribute.String("record.address", rec.Address.Short()),
		attribute.String("record.kind", string(rec.Kind())),
	)

	env := envelope{Action: rec.ActionBytes(), Signature: rec.Signature}
	if rec.Entry != nil {
		env.Kind = rec.Entry.Kind
		env.Payload = rec.Entry.Payload
	}
	value, err := encodeValue(env)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}

	duplicate := false
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		duplicate = false
		key := recordKey(rec.Address)
		if _, err := txn.Get(key); err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("put %s: %w", rec.Address.Short(), err)
	}

	result := "stored"
	if duplicate {
		result = "duplicate"
	}
	recordsPutTotal.WithLabelValues(string(rec.Kind()), result).Inc()
	telemetry.LoggerWithTrace(ctx, s.logger).Debug("record put",
		slog.String("address", rec.Address.Short()),
		slog.String("kind", string(rec.Kind())),
		slog.String("result", result),
	)
	return rec.Address, nil
}

// Get returns the verified record at addr.
//
// Thread Safety: Safe for concurrent use.
func (s *BadgerStore) Get(ctx context.Context, addr record.Address) (*record.Record, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx, span := storeTracer.Start(ctx, "store.Get",
		trace.WithAttributes(attribute.String("record.address", addr.Short())),
	)
	defer span.End()
	defer observe("get", time.Now())

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(addr))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		recordsGetTotal.WithLabelValues("miss").Inc()
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, addr.Short())
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("get %s: %w", addr.Short(), err)
	}

	rec, err := openRecord(addr, raw)
	if err != nil {
		recordsGetTotal.WithLabelValues("corrupted").Inc()
		corruptionTotal.Inc()
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, s.logger).Error("stored record failed verification",
			slog.String("address", addr.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	recordsGetTotal.WithLabelValues("hit").Inc()
	return rec, nil
}

func openRecord(addr record.Address, raw []byte) (*record.Record, error) {
	var env envelope
	if err := decodeValue(raw, &env); err != nil {
		return nil, err
	}
	var entry *record.Entry
	if env.Payload != nil {
		entry = &record.Entry{Kind: env.Kind, Payload: env.Payload}
	}
	return record.Open(addr, env.Action, env.Signature, entry)
}

// Has reports whether addr is stored.
func (s *BadgerStore) Has(ctx context.Context, addr record.Address) (bool, error) {
	if ctx == nil {
		return false, ErrNilContext
	}
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("has %s: %w", addr.Short(), err)
	}
	return found, nil
}

// AddLink appends target to the (base, kind) list.
//
// Thread Safety: Safe for concurrent use. Concurrent appends commute.
func (s *BadgerStore) AddLink(ctx context.Context, base record.Address, kind LinkKind, target record.Address, tag string) error {
	if ctx == nil {
		return ErrNilContext
	}
	ctx, span := storeTracer.Start(ctx, "store.AddLink",
		trace.WithAttributes(
			attribute.String("link.kind", string(kind)),
			attribute.String("link.base", base.Short()),
		),
	)
	defer span.End()
	defer observe("add_link", time.Now())

	seq, err := s.seq.Next()
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("next link sequence: %w", err)
	}
	value, err := encodeValue(Link{Target: target, Tag: tag})
	if err != nil {
		return err
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(linkKey(kind, base, seq), value)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("add %s link: %w", kind, err)
	}
	linksAddedTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// Links returns the (base, kind) list in insertion order.
//
// Thread Safety: Safe for concurrent use.
func (s *BadgerStore) Links(ctx context.Context, base record.Address, kind LinkKind) ([]Link, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx, span := storeTracer.Start(ctx, "store.Links",
		trace.WithAttributes(
			attribute.String("link.kind", string(kind)),
			attribute.String("link.base", base.Short()),
		),
	)
	defer span.End()
	defer observe("links", time.Now())

	prefix := linkListPrefix(kind, base)
	var links []Link
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var link Link
			if err := decodeValue(raw, &link); err != nil {
				return fmt.Errorf("link %s: %w", it.Item().Key(), err)
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrCorrupted) {
			corruptionTotal.Inc()
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list %s links: %w", kind, err)
	}
	span.SetAttributes(attribute.Int("link.count", len(links)))
	return links, nil
}

// =============================================================================
// Value codec
// =============================================================================

// encodeValue returns [4-byte CRC32][JSON].
func encodeValue(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

// decodeValue checks the CRC and unmarshals into v.
func decodeValue(data []byte, v any) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: value too short", record.ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", record.ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", record.ErrCorrupted, err)
	}
	return nil
}

func observe(op string, start time.Time) {
	storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
