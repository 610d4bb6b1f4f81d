// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// RollingChannel is the short-TTL rolling store feeding live dashboards:
// every emitted trace is
// written with a short expiry and fanned out to any currently-subscribed
// live viewer (e.g. the websocket stream in cmd/denis-gatewayd).
//
// Thread Safety: safe for concurrent use.
type RollingChannel struct {
	db  *badger.DB
	ttl time.Duration

	mu          sync.Mutex
	subscribers map[int]chan DecisionTrace
	nextSubID   int
}

// DefaultChannelTTL bounds how long a trace stays available for a
// dashboard that reconnects after a brief gap.
const DefaultChannelTTL = 5 * time.Minute

// NewRollingChannel opens an in-memory Badger-backed channel. A
// process-local dashboard viewer does not need the store to survive a
// restart, so in-memory is the default; NewRollingChannelAt persists to
// disk for multi-process fan-out.
func NewRollingChannel(ttl time.Duration) (*RollingChannel, error) {
	return newRollingChannel(badger.DefaultOptions("").WithInMemory(true), ttl)
}

// NewRollingChannelAt persists the channel under dir.
func NewRollingChannelAt(dir string, ttl time.Duration) (*RollingChannel, error) {
	return newRollingChannel(badger.DefaultOptions(dir), ttl)
}

func newRollingChannel(opts badger.Options, ttl time.Duration) (*RollingChannel, error) {
	if ttl <= 0 {
		ttl = DefaultChannelTTL
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("trace: opening rolling channel store: %w", err)
	}
	return &RollingChannel{db: db, ttl: ttl, subscribers: make(map[int]chan DecisionTrace)}, nil
}

// Close releases the underlying store.
func (c *RollingChannel) Close() error {
	return c.db.Close()
}

// Emit implements Sink: persists the trace with the channel's TTL and
// fans it out, non-blockingly, to every live subscriber.
func (c *RollingChannel) Emit(_ context.Context, t DecisionTrace) {
	val, err := json.Marshal(t)
	if err == nil {
		_ = c.db.Update(func(txn *badger.Txn) error {
			key := []byte("trace:" + t.TraceID)
			return txn.SetEntry(badger.NewEntry(key, val).WithTTL(c.ttl))
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		select {
		case sub <- t:
		default:
			// slow subscriber; drop rather than block the router.
		}
	}
}

// Subscribe registers a live viewer. The returned channel receives every
// trace emitted from this point forward; call the returned cancel func
// when the viewer disconnects.
func (c *RollingChannel) Subscribe(buffer int) (<-chan DecisionTrace, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan DecisionTrace, buffer)
	c.subscribers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

// Recent replays every still-live trace, in no particular order — used to
// backfill a dashboard that just connected.
func (c *RollingChannel) Recent() ([]DecisionTrace, error) {
	var out []DecisionTrace
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("trace:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var t DecisionTrace
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trace: reading recent traces: %w", err)
	}
	return out, nil
}
