// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway implements the optional task-profile resolver that sits
// in front of the Scheduler: it maps (intent, phase) to a
// task_profile_id via a seed map, then resolves candidate engines, an
// attempt strategy, budget overrides, and a tool policy.
package gateway

import (
	"context"
	"fmt"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
)

// Strategy is the attempt shape a resolved profile prescribes.
type Strategy string

const (
	StrategySingle   Strategy = "single"
	StrategyFallback Strategy = "fallback"
	// StrategyParallelVerify is reserved for a future dual-call path; it is
	// accepted at seed-load but no component executes it yet.
	StrategyParallelVerify Strategy = "parallel_verify"
)

// ToolPolicy governs whether a resolved profile may invoke mutating tools.
type ToolPolicy string

const (
	ToolPolicyReadOnly      ToolPolicy = "read_only"
	ToolPolicyMutatingGated ToolPolicy = "mutating_gated"
)

// BudgetOverrides carries the subset of plan budget fields a profile may
// narrow; a nil pointer means "use the scheduler default".
type BudgetOverrides struct {
	MaxOutputTokens *int     `yaml:"max_output_tokens,omitempty"`
	TimeoutMs       *int     `yaml:"timeout_ms,omitempty"`
	MaxCostUSD      *float64 `yaml:"max_cost_usd,omitempty"`
}

// TaskProfile is one named resolution outcome in the seed map.
type TaskProfile struct {
	ID                 string          `yaml:"id"`
	CandidateEngineIDs []string        `yaml:"candidate_engine_ids"`
	Strategy           Strategy        `yaml:"strategy"`
	Budget             BudgetOverrides `yaml:"budget"`
	ToolPolicy         ToolPolicy      `yaml:"tool_policy"`
	// RequireInternet, when true, empties the resolved candidate set (not
	// just filters it) when Internet Health is not OK.
	RequireInternet bool `yaml:"require_internet"`
	// Fast marks a profile serving intent detection, short greetings, or
	// read-only tool runners — it must never resolve to an engine in the
	// seed map's expensive set.
	Fast bool `yaml:"fast"`
}

// Rule maps one (intent, phase) pair — phase "*" is the wildcard — to a
// task_profile_id.
type Rule struct {
	Intent    string `yaml:"intent"`
	Phase     string `yaml:"phase"`
	ProfileID string `yaml:"profile_id"`
}

// DefaultProfileID is the profile an unmatched (intent, phase) falls
// back to.
const DefaultProfileID = "chat_general"

// SeedMap is the load-time descriptor: every resolution rule, every named
// profile, and the set of engine ids considered "expensive" for
// fast-intent safety.
type SeedMap struct {
	Rules              []Rule                 `yaml:"rules"`
	Profiles           map[string]TaskProfile `yaml:"profiles"`
	ExpensiveEngineIDs []string               `yaml:"expensive_engine_ids"`
}

// ResolvedProfile is what the gateway hands the scheduler for one request.
type ResolvedProfile struct {
	ProfileID          string
	CandidateEngineIDs []string
	Strategy           Strategy
	Budget             BudgetOverrides
	ToolPolicy         ToolPolicy
}

// Gateway resolves requests against a validated SeedMap, gated by the same
// Internet Health probe the Scheduler and Router consult.
//
// Thread Safety: immutable after construction; safe for concurrent use.
type Gateway struct {
	seed       SeedMap
	probe      *health.Probe
	expensive  map[string]bool
	exactRules map[string]string // "intent|phase" -> profile_id
	wildRules  map[string]string // "intent" -> profile_id
}

// New validates seed and constructs a Gateway bound to probe. Validation
// enforces the fast-intent safety invariant at load time: no profile
// marked Fast may name an expensive engine among its candidates.
func New(seed SeedMap, probe *health.Probe) (*Gateway, error) {
	expensive := make(map[string]bool, len(seed.ExpensiveEngineIDs))
	for _, id := range seed.ExpensiveEngineIDs {
		expensive[id] = true
	}

	for name, profile := range seed.Profiles {
		if !profile.Fast {
			continue
		}
		for _, id := range profile.CandidateEngineIDs {
			if expensive[id] {
				return nil, fmt.Errorf("gateway: fast profile %q names expensive engine %q", name, id)
			}
		}
	}

	exact := make(map[string]string, len(seed.Rules))
	wild := make(map[string]string, len(seed.Rules))
	for _, rule := range seed.Rules {
		if _, ok := seed.Profiles[rule.ProfileID]; !ok {
			return nil, fmt.Errorf("gateway: rule (%s,%s) names unknown profile %q", rule.Intent, rule.Phase, rule.ProfileID)
		}
		if rule.Phase == "*" || rule.Phase == "" {
			wild[rule.Intent] = rule.ProfileID
		} else {
			exact[rule.Intent+"|"+rule.Phase] = rule.ProfileID
		}
	}
	if _, ok := seed.Profiles[DefaultProfileID]; !ok {
		return nil, fmt.Errorf("gateway: seed map missing required default profile %q", DefaultProfileID)
	}

	return &Gateway{seed: seed, probe: probe, expensive: expensive, exactRules: exact, wildRules: wild}, nil
}

// Resolve maps (intent, phase) to a ResolvedProfile. Exact match wins over
// the (intent, *) wildcard; an unmatched pair falls to chat_general.
// Fast-intent safety is re-enforced here (not just at load) by filtering
// any expensive engine id out of a Fast profile's candidates before
// returning.
func (g *Gateway) Resolve(ctx context.Context, intent, phase string) ResolvedProfile {
	profileID := DefaultProfileID
	if id, ok := g.exactRules[intent+"|"+phase]; ok {
		profileID = id
	} else if id, ok := g.wildRules[intent]; ok {
		profileID = id
	}

	profile := g.seed.Profiles[profileID]
	candidates := append([]string(nil), profile.CandidateEngineIDs...)

	if profile.Fast {
		filtered := candidates[:0]
		for _, id := range candidates {
			if !g.expensive[id] {
				filtered = append(filtered, id)
			}
		}
		candidates = filtered
	}

	if profile.RequireInternet && g.probe.Status(ctx) != health.StatusOK {
		candidates = nil
	}

	return ResolvedProfile{
		ProfileID:          profileID,
		CandidateEngineIDs: candidates,
		Strategy:           profile.Strategy,
		Budget:             profile.Budget,
		ToolPolicy:         profile.ToolPolicy,
	}
}

// WouldSelect implements router.ShadowComparer: it resolves the request's
// task_type as the intent with an empty phase and reports the first
// candidate engine, or an error if resolution produced none.
func (g *Gateway) WouldSelect(ctx context.Context, req datatypes.InferenceRequest) (string, error) {
	resolved := g.Resolve(ctx, req.TaskType, "")
	if len(resolved.CandidateEngineIDs) == 0 {
		return "", fmt.Errorf("gateway: no candidate engines resolved for task_type %q", req.TaskType)
	}
	return resolved.CandidateEngineIDs[0], nil
}
