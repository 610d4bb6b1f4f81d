// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config centralizes every environment variable the core
// recognizes and the YAML loaders for the two load-time
// descriptors: the Engine Registry and the Gateway Router's task-profile
// seed map.
package config

import (
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/iNandix/denis/internal/gateway"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/registry"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultAllowBoosters           = true
	DefaultRouterMaxAttempts       = 3
	DefaultRouterDefaultTimeoutSec = 5
	DefaultOpenAICompatMaxHop      = 0
)

// Config is every environment-variable-driven knob the core reads at
// startup. Nothing in the core reads os.Getenv directly outside this
// package and the secrets loader in internal/providers.
type Config struct {
	InternetStatusOverride health.Status
	AllowBoosters          bool
	RouterMaxAttempts      int
	RouterDefaultTimeoutSec int
	StrictEngineRegistry   registry.StrictMode
	EnableInferenceGateway bool
	GatewayShadowMode      bool
	OpenAICompatMaxHop     int
}

// ShadowComparisonEnabled reports whether both gateway flags required for
// shadow comparison are set.
func (c Config) ShadowComparisonEnabled() bool {
	return c.EnableInferenceGateway && c.GatewayShadowMode
}

// FromEnv builds a Config, reading each variable through getenv (normally
// os.Getenv; tests inject a fake map-backed function).
func FromEnv(getenv func(string) string) Config {
	cfg := Config{
		AllowBoosters:           DefaultAllowBoosters,
		RouterMaxAttempts:       DefaultRouterMaxAttempts,
		RouterDefaultTimeoutSec: DefaultRouterDefaultTimeoutSec,
		StrictEngineRegistry:    registry.Lenient,
		OpenAICompatMaxHop:      DefaultOpenAICompatMaxHop,
	}

	if raw := getenv("DENIS_INTERNET_STATUS"); raw != "" {
		switch health.Status(raw) {
		case health.StatusOK, health.StatusDown, health.StatusUnknown:
			cfg.InternetStatusOverride = health.Status(raw)
		}
	}
	if raw := getenv("DENIS_ALLOW_BOOSTERS"); raw != "" {
		cfg.AllowBoosters = raw == "1"
	}
	if n, ok := parseIntEnv(getenv, "DENIS_ROUTER_MAX_ATTEMPTS"); ok {
		cfg.RouterMaxAttempts = n
	}
	if n, ok := parseIntEnv(getenv, "DENIS_ROUTER_DEFAULT_TIMEOUT_SEC"); ok {
		cfg.RouterDefaultTimeoutSec = n
	}
	if raw := getenv("DENIS_STRICT_ENGINE_REGISTRY"); raw != "" {
		cfg.StrictEngineRegistry = registry.StrictMode(raw == "1")
	}
	cfg.EnableInferenceGateway = getenv("DENIS_ENABLE_INFERENCE_GATEWAY") == "1"
	cfg.GatewayShadowMode = getenv("DENIS_GATEWAY_SHADOW_MODE") == "1"
	if n, ok := parseIntEnv(getenv, "DENIS_OPENAI_COMPAT_MAX_HOP"); ok {
		cfg.OpenAICompatMaxHop = n
	}

	return cfg
}

func parseIntEnv(getenv func(string) string, name string) (int, bool) {
	raw := getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// registryDescriptorFile is the on-disk YAML shape for the registry
// descriptor: a mapping from engine_id to its attribute bag.
type registryDescriptorFile struct {
	Engines map[string]registry.Engine `yaml:"engines"`
}

// LoadRegistryDescriptor reads and parses a registry descriptor YAML file.
// The map key is authoritative for engine_id: it overwrites whatever the
// embedded struct's own engine_id field says, so operators don't have to
// repeat the id twice.
func LoadRegistryDescriptor(path string) ([]registry.Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc registryDescriptorFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(doc.Engines))
	for id := range doc.Engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]registry.Engine, 0, len(ids))
	for _, id := range ids {
		e := doc.Engines[id]
		e.EngineID = id
		out = append(out, e)
	}
	return out, nil
}

// LoadGatewaySeedMap reads and parses a Gateway Router seed map YAML file.
func LoadGatewaySeedMap(path string) (gateway.SeedMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return gateway.SeedMap{}, err
	}
	var seed gateway.SeedMap
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return gateway.SeedMap{}, err
	}
	return seed, nil
}
