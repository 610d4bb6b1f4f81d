// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics implements the Rolling Metrics Store: a
// per-engine bounded window of {ts, latency_ms, success} observations, with
// p95 latency, 1h error rate, and availability derived per read.
//
// Observations are persisted in an embedded Badger KV store with a TTL
// matching the rolling window. A process can run the store entirely in
// memory (WithInMemory) for tests and for single-shot CLI invocations.
package metrics

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Observation is one recorded call outcome.
type Observation struct {
	Ts        time.Time `json:"ts"`
	LatencyMs int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
}

// Snapshot is the derived view read by the legacy scoring heuristic.
type Snapshot struct {
	LatencyP95Ms float64
	ErrorRate1h  float64
	Availability float64
	Count        int
}

// DefaultWindow bounds how long an observation is retained before Badger
// expires its key.
const DefaultWindow = time.Hour

// Store is the rolling metrics store. Safe for concurrent use: Badger
// transactions serialize writes internally; a monotonically increasing
// sequence counter keeps keys unique under concurrent RecordSuccess/
// RecordFailure calls from the router.
type Store struct {
	db     *badger.DB
	window time.Duration
	seq    uint64
}

// Option configures a Store at construction time.
type Option func(*options)

type options struct {
	dir       string
	inMemory  bool
	window    time.Duration
}

// WithDir persists observations under the given directory. Mutually
// exclusive with WithInMemory; the last one applied wins.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir; o.inMemory = false }
}

// WithInMemory runs the store without touching disk. Used by tests and by
// short-lived CLI invocations that don't need cross-process persistence.
func WithInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// Open constructs a Store. Defaults to an in-memory Badger instance with a
// one-hour window.
func Open(opts ...Option) (*Store, error) {
	cfg := options{inMemory: true, window: DefaultWindow}
	for _, o := range opts {
		o(&cfg)
	}

	var badgerOpts badger.Options
	if cfg.inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(cfg.dir)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("metrics: opening badger store: %w", err)
	}
	return &Store{db: db, window: cfg.window}, nil
}

// Close releases the underlying Badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) record(engineID string, obs Observation) error {
	n := atomic.AddUint64(&s.seq, 1)
	key := make([]byte, 0, len(engineID)+9)
	key = append(key, []byte("obs:"+engineID+":")...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], n)
	key = append(key, seqBuf[:]...)

	val, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("metrics: encoding observation: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, val).WithTTL(s.window)
		return txn.SetEntry(entry)
	})
}

// RecordSuccess appends a successful-call observation for engineID.
func (s *Store) RecordSuccess(engineID string, latencyMs int64) {
	_ = s.record(engineID, Observation{Ts: time.Now(), LatencyMs: latencyMs, Success: true})
}

// RecordFailure appends a failed-call observation for engineID.
func (s *Store) RecordFailure(engineID string, latencyMs int64) {
	_ = s.record(engineID, Observation{Ts: time.Now(), LatencyMs: latencyMs, Success: false})
}

// Snapshot derives latency_p95_ms, error_rate_1h, and availability from the
// engine's currently-live (non-expired) observations. An engine with no
// observations reports a zero Snapshot — callers treat that as "unknown",
// not as a failing engine.
func (s *Store) Snapshot(engineID string) (Snapshot, error) {
	prefix := []byte("obs:" + engineID + ":")
	var obs []Observation

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var o Observation
				if err := json.Unmarshal(val, &o); err != nil {
					return err
				}
				obs = append(obs, o)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: reading snapshot for %q: %w", engineID, err)
	}
	if len(obs) == 0 {
		return Snapshot{}, nil
	}

	latencies := make([]float64, 0, len(obs))
	var successes int
	for _, o := range obs {
		latencies = append(latencies, float64(o.LatencyMs))
		if o.Success {
			successes++
		}
	}
	sort.Float64s(latencies)

	return Snapshot{
		LatencyP95Ms: percentile(latencies, 0.95),
		ErrorRate1h:  1.0 - float64(successes)/float64(len(obs)),
		Availability: float64(successes) / float64(len(obs)),
		Count:        len(obs),
	}, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
