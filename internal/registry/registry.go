// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the static catalog of engines the control plane
// is allowed to route to. It is the only place any other component may
// resolve an engine_id; nothing else reads endpoints from configuration
// directly.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ProviderFamily is the closed set of backend families the router knows how
// to dispatch to. Adding a family means adding both a constant here and an
// adapter in the providers package; it is deliberately not an open string.
type ProviderFamily string

const (
	FamilyLlamaCPP   ProviderFamily = "llamacpp"
	FamilyGroq       ProviderFamily = "groq"
	FamilyOpenRouter ProviderFamily = "openrouter"
	FamilyAnthropic  ProviderFamily = "anthropic"
	FamilyVLLM       ProviderFamily = "vllm"
	FamilyPerplexity ProviderFamily = "perplexity"
)

// KnownFamilies lists every ProviderFamily the registry will accept at load
// time. Kept as a slice (not a map) so iteration order is deterministic for
// error messages.
var KnownFamilies = []ProviderFamily{
	FamilyLlamaCPP, FamilyGroq, FamilyOpenRouter, FamilyAnthropic, FamilyVLLM, FamilyPerplexity,
}

func isKnownFamily(f ProviderFamily) bool {
	for _, k := range KnownFamilies {
		if k == f {
			return true
		}
	}
	return false
}

// Recognized tags that affect routing. Any other tag is inert metadata.
const (
	TagLocal            = "local"
	TagInternetRequired = "internet_required"
	TagFast             = "fast"
	TagBooster          = "booster"

	// TagDedicated, TagLAN, and TagTailscale refine how a `routing` trace
	// classifies the transport to a local engine
	// (DEDICATED|LAN|TAILSCALE|CLOUD). An internet_required engine with none
	// of these is always CLOUD; a local engine with none of these defaults
	// to LAN.
	TagDedicated = "dedicated"
	TagLAN       = "lan"
	TagTailscale = "tailscale"
)

// Engine is one addressable LLM backend. All fields are immutable after
// registry load.
type Engine struct {
	EngineID       string            `json:"engine_id" yaml:"engine_id"`
	ProviderFamily ProviderFamily    `json:"provider_family" yaml:"provider_family"`
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`
	Model          string            `json:"model" yaml:"model"`
	Priority       int               `json:"priority" yaml:"priority"`
	Tags           []string          `json:"tags" yaml:"tags"`
	MaxContext     int               `json:"max_context" yaml:"max_context"`
	MaxOutput      int               `json:"max_output" yaml:"max_output"`
	CostFactor     float64           `json:"cost_factor" yaml:"cost_factor"`
	DefaultParams  map[string]string `json:"default_params,omitempty" yaml:"default_params,omitempty"`
	// RateLimitPerMin caps attempts per minute against this engine. Zero
	// means unlimited.
	RateLimitPerMin int `json:"rate_limit_per_min,omitempty" yaml:"rate_limit_per_min,omitempty"`
}

// HasTag reports whether the engine carries the given tag.
func (e Engine) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter narrows List() results. A zero-value Filter matches every engine.
type Filter struct {
	Tags           []string // engine must carry all of these tags
	ProviderFamily ProviderFamily
	MinPriority    *int
	MaxPriority    *int
}

func (f Filter) matches(e Engine) bool {
	for _, t := range f.Tags {
		if !e.HasTag(t) {
			return false
		}
	}
	if f.ProviderFamily != "" && e.ProviderFamily != f.ProviderFamily {
		return false
	}
	if f.MinPriority != nil && e.Priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && e.Priority > *f.MaxPriority {
		return false
	}
	return true
}

// Registry is the read-only-after-load catalog of engines.
//
// Thread Safety: safe for concurrent use. Load/Reset take a write lock;
// Get/List take a read lock and never block each other.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	order   []string // engine_id in load order, for hash stability
}

// New returns an empty registry. Callers load engines via Load.
func New() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// StrictMode controls how Load reacts to an unknown provider family.
type StrictMode bool

const (
	// Strict fails Load entirely when any engine names an unknown family,
	// mirroring DENIS_STRICT_ENGINE_REGISTRY=1.
	Strict StrictMode = true
	// Lenient drops the offending engine and proceeds, recording nothing
	// beyond what the caller logs from the returned error slice.
	Lenient StrictMode = false
)

// Load replaces the registry contents with the given descriptor,
// validating the catalog invariants: unique engine_id, no two engines sharing
// both endpoint and model, known provider family, priority >= 0, cost_factor
// >= 0.
//
// Outputs:
//   - []error: one entry per invalid/dropped engine (always empty in Strict
//     mode, since the first violation aborts the whole load).
//   - error: non-nil if Strict mode hit an unknown provider family, or if
//     any other invariant (empty or duplicate engine_id, duplicate
//     endpoint+model, negative priority or cost_factor) was violated
//     regardless of mode — those are never recoverable by dropping one engine.
func (r *Registry) Load(descriptor []Engine, mode StrictMode) ([]error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seenID := make(map[string]bool, len(descriptor))
	seenEndpointModel := make(map[string]string, len(descriptor))
	accepted := make(map[string]Engine, len(descriptor))
	order := make([]string, 0, len(descriptor))
	var dropped []error

	for _, e := range descriptor {
		if e.EngineID == "" {
			return nil, fmt.Errorf("registry load: engine with empty engine_id")
		}
		if seenID[e.EngineID] {
			return nil, fmt.Errorf("registry load: duplicate engine_id %q", e.EngineID)
		}
		key := e.Endpoint + "|" + e.Model
		if owner, ok := seenEndpointModel[key]; ok {
			return nil, fmt.Errorf("registry load: engine %q shares endpoint+model with %q", e.EngineID, owner)
		}
		if e.Priority < 0 {
			return nil, fmt.Errorf("registry load: engine %q has negative priority", e.EngineID)
		}
		if e.CostFactor < 0 {
			return nil, fmt.Errorf("registry load: engine %q has negative cost_factor", e.EngineID)
		}
		if !isKnownFamily(e.ProviderFamily) {
			err := fmt.Errorf("registry load: engine %q has unknown provider_family %q", e.EngineID, e.ProviderFamily)
			if mode == Strict {
				return nil, err
			}
			dropped = append(dropped, err)
			continue
		}

		seenID[e.EngineID] = true
		seenEndpointModel[key] = e.EngineID
		accepted[e.EngineID] = e
		order = append(order, e.EngineID)
	}

	r.engines = accepted
	r.order = order
	return dropped, nil
}

// Get resolves one engine_id. Absence is reported via the bool, not an
// error: an unresolved engine_id in a plan is a misconfiguration the router
// handles by skipping, not a registry-level failure.
func (r *Registry) Get(engineID string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[engineID]
	return e, ok
}

// List returns engines matching filter, ordered by priority ascending then
// engine_id lexicographically — the same tie-break the scheduler uses when
// picking a primary.
func (r *Registry) List(filter Filter) []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].EngineID < out[j].EngineID
	})
	return out
}

// Reset clears the registry. Test-only: production code loads once at
// process start and never calls Reset.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = make(map[string]Engine)
	r.order = nil
}

// Hash returns a content hash of the loaded descriptor, stable across
// processes given the same engines in the same load order. Exposed via
// health() as registry_hash so an outer layer can detect an out-of-band
// descriptor change; the core itself never hot-reloads.
func (r *Registry) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]Engine, 0, len(r.order))
	for _, id := range r.order {
		ordered = append(ordered, r.engines[id])
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Len reports the number of loaded engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
