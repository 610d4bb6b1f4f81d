// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() []Engine {
	return []Engine{
		{EngineID: "L2", ProviderFamily: FamilyLlamaCPP, Endpoint: "http://host-b:8080", Model: "llama", Priority: 20, Tags: []string{TagLocal}},
		{EngineID: "L1", ProviderFamily: FamilyLlamaCPP, Endpoint: "http://host-a:8080", Model: "llama", Priority: 10, Tags: []string{TagLocal}},
		{EngineID: "B1", ProviderFamily: FamilyAnthropic, Endpoint: "https://api.anthropic.com", Model: "claude", Priority: 5, Tags: []string{TagInternetRequired, TagBooster}},
	}
}

func TestLoadAndGet(t *testing.T) {
	r := New()
	dropped, err := r.Load(sample(), Strict)
	require.NoError(t, err)
	assert.Empty(t, dropped)

	e, ok := r.Get("L1")
	require.True(t, ok)
	assert.Equal(t, "llama", e.Model)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestListOrdersByPriorityThenID(t *testing.T) {
	r := New()
	_, err := r.Load(sample(), Strict)
	require.NoError(t, err)

	locals := r.List(Filter{Tags: []string{TagLocal}})
	require.Len(t, locals, 2)
	assert.Equal(t, "L1", locals[0].EngineID)
	assert.Equal(t, "L2", locals[1].EngineID)
}

func TestLoadRejectsDuplicateEngineID(t *testing.T) {
	r := New()
	dup := []Engine{
		{EngineID: "L1", ProviderFamily: FamilyLlamaCPP, Endpoint: "a", Model: "m1"},
		{EngineID: "L1", ProviderFamily: FamilyLlamaCPP, Endpoint: "b", Model: "m2"},
	}
	_, err := r.Load(dup, Strict)
	require.Error(t, err)
}

func TestLoadRejectsSharedEndpointAndModel(t *testing.T) {
	r := New()
	dup := []Engine{
		{EngineID: "L1", ProviderFamily: FamilyLlamaCPP, Endpoint: "a", Model: "m1"},
		{EngineID: "L2", ProviderFamily: FamilyLlamaCPP, Endpoint: "a", Model: "m1"},
	}
	_, err := r.Load(dup, Strict)
	require.Error(t, err)
}

func TestLoadUnknownFamilyStrictVsLenient(t *testing.T) {
	bad := []Engine{
		{EngineID: "X", ProviderFamily: "not-a-family", Endpoint: "a", Model: "m1"},
	}

	r := New()
	_, err := r.Load(bad, Strict)
	assert.Error(t, err)

	r2 := New()
	dropped, err := r2.Load(bad, Lenient)
	require.NoError(t, err)
	assert.Len(t, dropped, 1)
	assert.Equal(t, 0, r2.Len())
}

func TestHashStableAcrossEquivalentLoads(t *testing.T) {
	r1, r2 := New(), New()
	_, err := r1.Load(sample(), Strict)
	require.NoError(t, err)
	_, err = r2.Load(sample(), Strict)
	require.NoError(t, err)

	assert.Equal(t, r1.Hash(), r2.Hash())
}

func TestResetClears(t *testing.T) {
	r := New()
	_, err := r.Load(sample(), Strict)
	require.NoError(t, err)
	require.NotZero(t, r.Len())

	r.Reset()
	assert.Zero(t, r.Len())
}
