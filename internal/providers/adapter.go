// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers normalizes every backend family to a single
// ProviderAdapter contract. Adapters never throw across their
// boundary: a rejected, timed-out, or malformed call comes back as a
// ProviderCallResult with success=false and a terse, prefixed error code.
package providers

import (
	"context"
	"strconv"
	"time"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/registry"
)

// ChatOptions are provider-agnostic generation knobs merged from the
// engine's default_params under the plan's (or request's) supplied params.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	Params      map[string]string
}

// ProviderCallResult is the sealed-on-emit result of one adapter call.
// Exactly one of (Response non-empty, Success=true) or (Error set,
// Success=false) holds.
type ProviderCallResult struct {
	ProviderFamily   registry.ProviderFamily
	EngineID         string
	Model            string
	Response         string
	InputTokens      int
	OutputTokens     int
	LatencyMs        int64
	CostUSDEstimated float64
	Raw              map[string]any
	Error            string
	Success          bool
}

// Adapter is the single contract shared by every backend family.
//
// Thread Safety: implementations must be safe for concurrent use.
type Adapter interface {
	// ProviderName returns the canonical family identifier.
	ProviderName() registry.ProviderFamily

	// IsAvailable is a cheap, non-blocking local check (e.g. API key
	// present, local socket configured) — not a network round trip.
	IsAvailable() bool

	// EstimateCost is deterministic and multiplicative on the engine's
	// registered cost factor.
	EstimateCost(inputTokens, outputTokens int, costFactorUSDPer1K float64) float64

	// Chat executes one call. It honors the supplied timeout exactly,
	// measures LatencyMs with a monotonic clock around the whole call, and
	// never panics or returns a Go error — failures are encoded into the
	// returned ProviderCallResult.
	Chat(ctx context.Context, engine registry.Engine, messages []datatypes.Message, timeout time.Duration, opts ChatOptions) ProviderCallResult
}

// EstimateCost is the shared multiplicative cost formula every adapter
// delegates to: (input+output tokens / 1000) * cost factor. Exported so
// the router can reproduce the same computation when validating a
// cost ceiling against the figure an adapter already embedded in its result.
func EstimateCost(inputTokens, outputTokens int, costFactorUSDPer1K float64) float64 {
	if costFactorUSDPer1K <= 0 {
		return 0
	}
	total := float64(inputTokens + outputTokens)
	return (total / 1000.0) * costFactorUSDPer1K
}

// MergeParams merges engine default params under request-supplied params;
// the request wins on key collisions.
func MergeParams(defaults map[string]string, requested map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(requested))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range requested {
		out[k] = v
	}
	return out
}

// applyParams overlays merged engine/plan params onto an outbound request
// body, decoding each string value to the JSON type the backend expects:
// int, then float, then bool, else the raw string. Applied after the
// adapter's own fields so a param can override any generation knob.
func applyParams(body map[string]any, params map[string]string) {
	for k, v := range params {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			body[k] = n
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			body[k] = f
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			body[k] = b
			continue
		}
		body[k] = v
	}
}
