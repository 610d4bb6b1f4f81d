// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health implements the Internet Health probe: a cached, fail-open
// reachability signal gating whether booster (internet_required) engines
// may be scheduled.
//
// The probe is not a process-wide singleton: a *Probe is constructed once
// by the control-plane entry point and passed by handle to Scheduler and
// Router.
package health

import (
	"context"
	"net"
	"sync"
	"time"
)

// Status is the tri-state reachability signal.
type Status string

const (
	StatusOK      Status = "OK"
	StatusDown    Status = "DOWN"
	StatusUnknown Status = "UNKNOWN"
)

func validStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOK, StatusDown, StatusUnknown:
		return Status(s), true
	default:
		return "", false
	}
}

// DefaultTTL is how long a probed (non-override) status is trusted before
// the next Status() call triggers a fresh probe.
const DefaultTTL = 30 * time.Second

// ProbeFunc performs one reachability check. The production default does a
// DNS lookup of a well-known address; tests inject a fake.
type ProbeFunc func(ctx context.Context) bool

// DefaultProbe resolves a well-known hostname. Any failure is treated as
// unreachable.
func DefaultProbe(ctx context.Context) bool {
	r := net.Resolver{}
	_, err := r.LookupHost(ctx, "one.one.one.one")
	return err == nil
}

// Probe is the injected health-check carrier. Safe for concurrent use:
// probes are serialized by mu; readers observe the cached value without
// blocking on another goroutine's in-flight probe beyond the mutex hold.
type Probe struct {
	mu       sync.Mutex
	status   Status
	lastTs   time.Time
	ttl      time.Duration
	probe    ProbeFunc
	override Status // empty when no override is set
}

// Option configures a Probe at construction time.
type Option func(*Probe)

// WithTTL overrides the default cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(p *Probe) { p.ttl = ttl }
}

// WithProbeFunc overrides the reachability check (for tests).
func WithProbeFunc(fn ProbeFunc) Option {
	return func(p *Probe) { p.probe = fn }
}

// WithOverride forces Status() to return the given value verbatim,
// mirroring DENIS_INTERNET_STATUS. Pass "" to disable (the zero value
// already disables it; this exists for readability at call sites).
func WithOverride(s Status) Option {
	return func(p *Probe) { p.override = s }
}

// New constructs a Probe. By default it has no override, a 30s TTL, and
// probes via DNS lookup.
func New(opts ...Option) *Probe {
	p := &Probe{
		ttl:    DefaultTTL,
		probe:  DefaultProbe,
		status: StatusUnknown,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewFromEnv builds a Probe honoring DENIS_INTERNET_STATUS if it names a
// legal value (OK, DOWN, UNKNOWN); unrecognized values are ignored, same as
// if the variable were unset.
func NewFromEnv(getenv func(string) string, opts ...Option) *Probe {
	p := New(opts...)
	if raw := getenv("DENIS_INTERNET_STATUS"); raw != "" {
		if s, ok := validStatus(raw); ok {
			p.override = s
		}
	}
	return p
}

// Status returns the current reachability status.
//
// Contract:
//  1. An override, when set, is returned verbatim — no probe performed.
//  2. Otherwise the cached value is returned if younger than TTL.
//  3. Otherwise a single probe is attempted; its outcome sets the cache.
func (p *Probe) Status(ctx context.Context) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.override != "" {
		return p.override
	}
	if !p.lastTs.IsZero() && time.Since(p.lastTs) < p.ttl {
		return p.status
	}

	ok := p.probe(ctx)
	if ok {
		p.status = StatusOK
	} else {
		p.status = StatusDown
	}
	p.lastTs = time.Now()
	return p.status
}

// SetOverride changes the override at runtime (used by tests and by an
// outer layer reacting to an operator toggling DENIS_INTERNET_STATUS).
// Pass "" to clear it.
func (p *Probe) SetOverride(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override = s
}
