// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/registry"
)

func buildRegistry(t *testing.T, engines []registry.Engine) *registry.Registry {
	t.Helper()
	r := registry.New()
	_, err := r.Load(engines, registry.Strict)
	require.NoError(t, err)
	return r
}

func greetingRequest() datatypes.InferenceRequest {
	return datatypes.InferenceRequest{
		RequestID: "req-1",
		RouteType: "fast-talk",
		Payload:   datatypes.Payload{Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}},
	}
}

func TestLocalFirstHappyPath(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}, MaxContext: 8192},
		{EngineID: "B1", ProviderFamily: registry.FamilyAnthropic, Endpoint: "https://b1", Model: "claude", Priority: 5, Tags: []string{registry.TagInternetRequired, registry.TagBooster}},
	})
	probe := health.New(health.WithProbeFunc(func(ctx context.Context) bool { return true }))
	sched := New(reg, probe)

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "L1", p.PrimaryEngineID)
	assert.Equal(t, []string{"B1"}, p.FallbackEngineIDs)
	assert.Equal(t, "false", p.TraceTags["degraded"])
}

func TestOfflineBoosterSuppression(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}},
		{EngineID: "B1", ProviderFamily: registry.FamilyAnthropic, Endpoint: "https://b1", Model: "claude", Priority: 5, Tags: []string{registry.TagInternetRequired}},
	})
	probe := health.New(health.WithOverride(health.StatusDown))
	sched := New(reg, probe)

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "L1", p.PrimaryEngineID)
	assert.Empty(t, p.FallbackEngineIDs)
}

func TestDegradedWhenOnlyBoostersAvailable(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "B1", ProviderFamily: registry.FamilyAnthropic, Endpoint: "https://b1", Model: "claude", Priority: 5, Tags: []string{registry.TagInternetRequired}},
		{EngineID: "B2", ProviderFamily: registry.FamilyGroq, Endpoint: "https://b2", Model: "llama3", Priority: 10, Tags: []string{registry.TagInternetRequired}},
	})
	probe := health.New(health.WithOverride(health.StatusOK))
	sched := New(reg, probe)

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "B1", p.PrimaryEngineID)
	assert.Equal(t, []string{"B2"}, p.FallbackEngineIDs)
	assert.Equal(t, "true", p.TraceTags["degraded"])
}

func TestNoPlanWhenNoEngineEligible(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "B1", ProviderFamily: registry.FamilyAnthropic, Endpoint: "https://b1", Model: "claude", Priority: 5, Tags: []string{registry.TagInternetRequired}},
	})
	probe := health.New(health.WithOverride(health.StatusDown))
	sched := New(reg, probe)

	_, _, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestNoPlanWithEmptyRegistry(t *testing.T) {
	reg := registry.New()
	probe := health.New(health.WithOverride(health.StatusOK))
	sched := New(reg, probe)

	_, _, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestParallelLimitEnforced(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}},
	})
	probe := health.New(health.WithOverride(health.StatusOK))
	limiter := NewConcurrencyLimiter(map[string]int{"fast-talk": 1})
	sched := New(reg, probe, WithLimiter(limiter))

	_, release1, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)

	_, _, err = sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	assert.ErrorIs(t, err, ErrAtParallelLimit)

	release1()
	_, release2, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	release2()
}

func TestBudgetClampedToMaxContext(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}, MaxContext: 1000, CostFactor: 2.0},
	})
	probe := health.New(health.WithOverride(health.StatusOK))
	sched := New(reg, probe)

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, 744, p.Budget.PlannedTokens) // 1000 - 256 headroom
	assert.InDelta(t, 744.0/1000.0*2.0, p.Budget.PlannedCostUSD, 1e-9)
}

func TestAllowBoostersFalseNeverSchedulesBooster(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "B1", ProviderFamily: registry.FamilyAnthropic, Endpoint: "https://b1", Model: "claude", Priority: 5, Tags: []string{registry.TagInternetRequired}},
	})
	probe := health.New(health.WithOverride(health.StatusOK))
	sched := New(reg, probe, WithAllowBoosters(false))

	_, _, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestAttemptCapBoundsPlanAttempts(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}},
		{EngineID: "L2", ProviderFamily: registry.FamilyVLLM, Endpoint: "http://l2", Model: "m", Priority: 20, Tags: []string{registry.TagLocal}},
		{EngineID: "L3", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l3", Model: "m2", Priority: 30, Tags: []string{registry.TagLocal}},
		{EngineID: "L4", ProviderFamily: registry.FamilyVLLM, Endpoint: "http://l4", Model: "m2", Priority: 40, Tags: []string{registry.TagLocal}},
	})
	probe := health.New(health.WithProbeFunc(func(ctx context.Context) bool { return true }))
	sched := New(reg, probe, WithAttemptCap(3))

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Len(t, p.FallbackEngineIDs, 3)
	assert.Equal(t, 3, p.AttemptPolicy.MaxAttempts)
}

func TestPlanParamsFoldRequestOverEngineDefaults(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10,
			Tags: []string{registry.TagLocal}, MaxContext: 8192,
			DefaultParams: map[string]string{"temperature": "0.2", "top_p": "0.9"}},
	})
	probe := health.New(health.WithProbeFunc(func(ctx context.Context) bool { return true }))
	sched := New(reg, probe)

	temp := 0.9
	tokens := 256
	req := greetingRequest()
	req.Payload.Temperature = &temp
	req.Payload.MaxTokens = &tokens

	p, release, err := sched.Schedule(context.Background(), req, Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "0.9", p.Params["temperature"], "request temperature must win over the engine default")
	assert.Equal(t, "0.9", p.Params["top_p"], "untouched engine defaults must survive")
	assert.Equal(t, "256", p.Params["max_tokens"])
}

func TestPlanParamsDefaultTemperature(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}},
	})
	probe := health.New(health.WithProbeFunc(func(ctx context.Context) bool { return true }))
	sched := New(reg, probe)

	p, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "0.7", p.Params["temperature"])
}

func TestStatsTrackAssignmentsUntilRelease(t *testing.T) {
	reg := buildRegistry(t, []registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Priority: 10, Tags: []string{registry.TagLocal}},
	})
	probe := health.New(health.WithProbeFunc(func(ctx context.Context) bool { return true }))
	sched := New(reg, probe)

	_, release, err := sched.Schedule(context.Background(), greetingRequest(), Overrides{})
	require.NoError(t, err)

	stats := sched.Stats()
	assert.Equal(t, 1, stats.ActiveRequests)
	assert.Equal(t, 1, stats.EngineLoad["L1"])

	release()
	release() // double release must not underflow

	stats = sched.Stats()
	assert.Zero(t, stats.ActiveRequests)
	assert.Empty(t, stats.EngineLoad)
}
