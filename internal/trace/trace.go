// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trace implements the Decision Trace pipeline:
// an append-only, fire-and-forget record of one routing decision, persisted
// to a property graph and to a rolling short-TTL channel for live
// dashboards.
package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of decision-trace event categories.
type Kind string

const (
	KindEngineSelection Kind = "engine_selection"
	KindToolApproval    Kind = "tool_approval"
	KindPlanSelection   Kind = "plan_selection"
	KindRouting         Kind = "routing"
	KindResearch        Kind = "research"
	KindPolicyEval      Kind = "policy_eval"
)

// Mode qualifies a Kind. Not every Mode is legal
// for every Kind — ValidModes documents the pairing; it is not enforced at
// construction or at emission (a sink must tolerate whatever well-formed
// event it's handed).
type Mode string

const (
	ModePrimary  Mode = "PRIMARY"
	ModeOffload  Mode = "OFFLOAD"
	ModeDegraded Mode = "DEGRADED"
	ModeFallback Mode = "FALLBACK"
	ModeShadow   Mode = "SHADOW"

	ModeApproved       Mode = "APPROVED"
	ModeRequiresHuman  Mode = "REQUIRES_HUMAN"
	ModeBlocked        Mode = "BLOCKED"

	ModeSelected Mode = "SELECTED"
	ModeGated    Mode = "GATED"

	ModeDedicated Mode = "DEDICATED"
	ModeLAN       Mode = "LAN"
	ModeTailscale Mode = "TAILSCALE"
	ModeCloud     Mode = "CLOUD"

	ModeFast     Mode = "FAST"
	ModeDeep     Mode = "DEEP"
	ModeWebOnly  Mode = "WEB_ONLY"
	ModeGraphOnly Mode = "GRAPH_ONLY"

	ModePassed  Mode = "PASSED"
	ModeForced  Mode = "FORCED"
	ModeSkipped Mode = "SKIPPED"
)

// ValidModes maps each Kind to its legal Mode set.
var ValidModes = map[Kind][]Mode{
	KindEngineSelection: {ModePrimary, ModeOffload, ModeDegraded, ModeFallback, ModeShadow},
	KindToolApproval:    {ModeApproved, ModeRequiresHuman, ModeBlocked},
	KindPlanSelection:   {ModeSelected, ModeFallback, ModeGated},
	KindRouting:         {ModeDedicated, ModeLAN, ModeTailscale, ModeCloud},
	KindResearch:        {ModeFast, ModeDeep, ModeWebOnly, ModeGraphOnly},
	KindPolicyEval:      {ModePassed, ModeBlocked, ModeForced, ModeSkipped},
}

// DecisionTrace is one append-only record of a committed routing choice.
// Traces are never updated — a subsequent event produces a new trace
// referencing the same RequestID.
type DecisionTrace struct {
	TraceID        string
	Ts             time.Time
	Kind           Kind
	Mode           Mode
	Reason         string
	RequestID      string
	SessionID      string
	TurnID         string
	Intent         string
	Engine         string
	Tool           string
	PlanCandidate  string
	Confidence     *float64
	LocalOK        *bool
	Policies       []string
	Extra          map[string]any
}

// New stamps a fresh TraceID and the current wall-clock time onto t,
// leaving every other field as the caller set it.
func New(t DecisionTrace) DecisionTrace {
	t.TraceID = uuid.NewString()
	t.Ts = time.Now()
	return t
}

// Sink is the opaque trace-persistence contract the router and scheduler
// emit through. Emit must never block the caller on a slow or failing
// backend beyond a short internal timeout, and must never panic or return
// an error the caller is required to handle — failures are logged and
// dropped.
type Sink interface {
	Emit(ctx context.Context, t DecisionTrace)
}

// MultiSink fans one trace out to several sinks, typically the graph sink
// plus the live-dashboard channel, so one Emit both persists the node and
// feeds the rolling metrics channel.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Emit(ctx context.Context, t DecisionTrace) {
	for _, s := range m.Sinks {
		s.Emit(ctx, t)
	}
}

// LoggingSink is a trivial fallback sink: it never fails, and just logs at
// debug level. Useful as the sole sink in tests, or composed into a
// MultiSink so every trace is always visible locally even when the graph
// backend is unreachable.
type LoggingSink struct {
	Logger *slog.Logger
}

func (l LoggingSink) Emit(_ context.Context, t DecisionTrace) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("decision_trace",
		slog.String("trace_id", t.TraceID),
		slog.String("kind", string(t.Kind)),
		slog.String("mode", string(t.Mode)),
		slog.String("reason", t.Reason),
		slog.String("request_id", t.RequestID),
		slog.String("engine", t.Engine),
	)
}
