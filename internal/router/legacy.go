// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/loopguard"
	"github.com/iNandix/denis/internal/providers"
	"github.com/iNandix/denis/internal/registry"
	"github.com/iNandix/denis/internal/trace"
)

// QueryProfile biases the legacy heuristic's score toward engines suited to
// a particular class of request. Exactly which bonuses apply is derived
// upstream (by whatever classifies the query); this type only carries the
// already-derived signal.
type QueryProfile struct {
	CodeHeavy      bool
	General        bool
	Complex        bool
	LatencyBudgetMs int // 0 means no budget asserted
}

// Legacy scoring bonuses/penalties. Magnitudes are deliberately small
// relative to the base score so live metrics dominate profile hints.
const (
	codeHeavyBonusFast      = 0.05
	generalBonusLocal       = 0.02
	complexPenaltyFast      = 0.05
	latencyBudgetMultiplier = 0.65
)

// scoredEngine pairs an engine with its legacy heuristic score for sorting.
type scoredEngine struct {
	engine registry.Engine
	score  float64
}

// RouteLegacy implements the legacy heuristic path: used when a
// caller has no InferencePlan, scoring every candidate from live Rolling
// Metrics snapshots rather than the scheduler's local-first policy.
func (r *Router) RouteLegacy(ctx context.Context, req datatypes.InferenceRequest, profile QueryProfile, maxAttempts int) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if loopguard.Exceeds(ctx, r.maxHop) {
		return Response{
			LLMUsed:        "blocked",
			InternetStatus: r.probe.Status(ctx),
			Meta:           map[string]string{"path": "blocked_hop"},
		}, nil
	}

	candidates := r.registry.List(registry.Filter{})
	scored := make([]scoredEngine, 0, len(candidates))
	for _, e := range candidates {
		snap, err := r.store.Snapshot(e.EngineID)
		if err != nil {
			continue
		}
		scored = append(scored, scoredEngine{engine: e, score: computeLegacyScore(e, snap.LatencyP95Ms, snap.Availability, snap.ErrorRate1h, profile)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].engine.EngineID < scored[j].engine.EngineID
	})

	if maxAttempts <= 0 {
		maxAttempts = len(scored)
	}

	status := r.probe.Status(ctx)
	var skipped []SkippedEngine
	attempts := 0

	for _, se := range scored {
		if attempts >= maxAttempts {
			break
		}
		e := se.engine

		if e.HasTag(registry.TagInternetRequired) && status != health.StatusOK {
			skipped = append(skipped, SkippedEngine{EngineID: e.EngineID, Reason: "no_internet"})
			continue
		}

		attempts++
		adapter, err := r.factory.Get(e.ProviderFamily)
		if err != nil {
			attempts--
			skipped = append(skipped, SkippedEngine{EngineID: e.EngineID, Reason: "no_adapter_for_family", Misconfig: true})
			continue
		}

		opts := providers.ChatOptions{Params: providers.MergeParams(e.DefaultParams, nil)}
		if req.Payload.Temperature != nil {
			opts.Temperature = *req.Payload.Temperature
		}
		if req.Payload.MaxTokens != nil {
			opts.MaxTokens = *req.Payload.MaxTokens
		}
		timeout := r.defaultTimeout
		if req.MaxLatencyMs != nil {
			timeout = time.Duration(*req.MaxLatencyMs) * time.Millisecond
		}

		result := adapter.Chat(ctx, e, req.Payload.Messages, timeout, opts)

		r.emit(ctx, trace.New(trace.DecisionTrace{
			Kind:      trace.KindEngineSelection,
			Mode:      trace.ModePrimary,
			Reason:    "legacy_heuristic",
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Engine:    e.EngineID,
			Extra:     map[string]any{"mode": "legacy_heuristic", "assumption": "derived_from_query_profile"},
		}))

		if !result.Success || result.Response == "" {
			r.store.RecordFailure(e.EngineID, result.LatencyMs)
			skipped = append(skipped, SkippedEngine{EngineID: e.EngineID, Reason: result.Error})
			continue
		}

		r.store.RecordSuccess(e.EngineID, result.LatencyMs)
		return Response{
			Response:       result.Response,
			LLMUsed:        string(e.ProviderFamily),
			EngineID:       e.EngineID,
			ModelSelected:  result.Model,
			LatencyMs:      result.LatencyMs,
			InputTokens:    result.InputTokens,
			OutputTokens:   result.OutputTokens,
			CostUSD:        result.CostUSDEstimated,
			FallbackUsed:   attempts > 1,
			Attempts:       attempts,
			InferencePlan:  nil,
			SkippedEngines: skipped,
			InternetStatus: status,
		}, nil
	}

	return Response{
		Response:       DegradedPlaceholder,
		LLMUsed:        "degraded_fallback",
		Attempts:       attempts,
		SkippedEngines: skipped,
		InternetStatus: status,
		Degraded:       true,
	}, nil
}

// computeLegacyScore scores one candidate engine:
//
//	score = (1 / max(1, latency_p95_ms)) * availability * (1 - error_rate_1h) * max(0.01, cost_factor)
//
// with small query-profile bonuses/penalties and a 0.65x multiplier when
// the engine's observed p95 exceeds the caller's latency budget.
func computeLegacyScore(e registry.Engine, latencyP95Ms, availability, errorRate1h float64, profile QueryProfile) float64 {
	costFactor := math.Max(0.01, e.CostFactor)
	base := (1.0 / math.Max(1.0, latencyP95Ms)) * availability * (1.0 - errorRate1h) * costFactor

	if profile.CodeHeavy && e.HasTag(registry.TagFast) {
		base += codeHeavyBonusFast
	}
	if profile.General && e.HasTag(registry.TagLocal) {
		base += generalBonusLocal
	}
	if profile.Complex && e.HasTag(registry.TagFast) {
		base -= complexPenaltyFast
	}
	if profile.LatencyBudgetMs > 0 && latencyP95Ms > float64(profile.LatencyBudgetMs) {
		base *= latencyBudgetMultiplier
	}

	return base
}
