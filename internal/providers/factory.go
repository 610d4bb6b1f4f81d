// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"fmt"
	"sort"

	"github.com/iNandix/denis/internal/registry"
)

// envVarForFamily names the environment variable an adapter factory reads
// its API key from. Families with no entry here need no credential
// (local transports like llama.cpp/vLLM).
var envVarForFamily = map[registry.ProviderFamily]string{
	registry.FamilyGroq:       "GROQ_API_KEY",
	registry.FamilyOpenRouter: "OPENROUTER_API_KEY",
	registry.FamilyAnthropic:  "ANTHROPIC_API_KEY",
	registry.FamilyPerplexity: "PERPLEXITY_API_KEY",
}

// Factory is the central creation point for provider adapters, keyed by
// provider_family. It is the only place that reads `*_API_KEY` environment
// variables — the rest of the core never touches secrets.
//
// Thread Safety: safe for concurrent use after construction.
type Factory struct {
	adapters map[registry.ProviderFamily]Adapter
}

// NewFactory builds adapters for every known family up front. Adapters for
// families whose credential is unset are still constructed (so IsAvailable
// can report false and the router can skip them cleanly) rather than
// omitted.
func NewFactory() *Factory {
	f := &Factory{adapters: make(map[registry.ProviderFamily]Adapter)}

	f.adapters[registry.FamilyLlamaCPP] = NewOpenAICompatAdapter(registry.FamilyLlamaCPP, Secret{}, authNone)
	f.adapters[registry.FamilyVLLM] = NewOpenAICompatAdapter(registry.FamilyVLLM, Secret{}, authNone)
	f.adapters[registry.FamilyGroq] = NewOpenAICompatAdapter(registry.FamilyGroq, LoadSecret(envVarForFamily[registry.FamilyGroq]), authBearer)
	f.adapters[registry.FamilyOpenRouter] = NewOpenAICompatAdapter(registry.FamilyOpenRouter, LoadSecret(envVarForFamily[registry.FamilyOpenRouter]), authBearer)
	f.adapters[registry.FamilyPerplexity] = NewOpenAICompatAdapter(registry.FamilyPerplexity, LoadSecret(envVarForFamily[registry.FamilyPerplexity]), authBearer)
	f.adapters[registry.FamilyAnthropic] = NewAnthropicAdapter(LoadSecret(envVarForFamily[registry.FamilyAnthropic]))

	return f
}

// Get resolves the adapter for a provider_family. Absence means the
// registry named a family unknown to this factory — that can only happen
// if the registry's own family validation was bypassed, so this is a
// programmer error, not a routing outcome.
func (f *Factory) Get(family registry.ProviderFamily) (Adapter, error) {
	a, ok := f.adapters[family]
	if !ok {
		return nil, fmt.Errorf("providers: no adapter registered for family %q", family)
	}
	return a, nil
}

// Status reports one family's availability for the health summary.
type Status struct {
	Family    registry.ProviderFamily `json:"family"`
	Available bool                    `json:"available"`
}

// Statuses lists every registered family and whether its adapter reports
// itself available, ordered by family name for stable output.
func (f *Factory) Statuses() []Status {
	out := make([]Status, 0, len(f.adapters))
	for family, a := range f.adapters {
		out = append(out, Status{Family: family, Available: a.IsAvailable()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// Replace installs a custom adapter for a family, overriding the default.
// Used by tests to inject fakes and by deployments wiring a non-default
// transport for a given family.
func (f *Factory) Replace(family registry.ProviderFamily, a Adapter) {
	f.adapters[family] = a
}
