// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/app"
	"github.com/iNandix/denis/internal/config"
	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/metrics"
	"github.com/iNandix/denis/internal/providers"
	"github.com/iNandix/denis/internal/registry"
	"github.com/iNandix/denis/internal/router"
	"github.com/iNandix/denis/internal/scheduler"
	"github.com/iNandix/denis/internal/trace"
)

type staticAdapter struct {
	family   registry.ProviderFamily
	response string
}

func (s *staticAdapter) ProviderName() registry.ProviderFamily { return s.family }
func (s *staticAdapter) IsAvailable() bool                      { return true }
func (s *staticAdapter) EstimateCost(in, out int, factor float64) float64 {
	return providers.EstimateCost(in, out, factor)
}
func (s *staticAdapter) Chat(_ context.Context, _ registry.Engine, _ []datatypes.Message, _ time.Duration, _ providers.ChatOptions) providers.ProviderCallResult {
	return providers.ProviderCallResult{Success: true, Response: s.response, LatencyMs: 5}
}

// buildTestApp assembles an App by hand, the same wiring Bootstrap does but
// with a scripted adapter and no descriptor files.
func buildTestApp(t *testing.T) *app.App {
	t.Helper()

	reg := registry.New()
	_, err := reg.Load([]registry.Engine{
		{EngineID: "L1", ProviderFamily: registry.FamilyLlamaCPP, Endpoint: "http://l1", Model: "m", Tags: []string{registry.TagLocal}},
	}, registry.Strict)
	require.NoError(t, err)

	probe := health.New(health.WithOverride(health.StatusOK))
	factory := providers.NewFactory()
	factory.Replace(registry.FamilyLlamaCPP, &staticAdapter{family: registry.FamilyLlamaCPP, response: "ok"})

	store, err := metrics.Open(metrics.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	channel, err := trace.NewRollingChannel(trace.DefaultChannelTTL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })

	cfg := config.FromEnv(func(string) string { return "" })
	return &app.App{
		Config:    cfg,
		Registry:  reg,
		Probe:     probe,
		Factory:   factory,
		Store:     store,
		Channel:   channel,
		Sink:      channel,
		Scheduler: scheduler.New(reg, probe),
		Router:    router.New(reg, probe, factory, store, channel),
	}
}

func postJSON(t *testing.T, engine http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func sampleBody() map[string]any {
	return map[string]any{
		"request_id": "req-1",
		"route_type": "fast-talk",
		"payload": map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		},
	}
}

func TestScheduleEndpointReturnsPlan(t *testing.T) {
	engine := buildRouter(buildTestApp(t), false)

	w := postJSON(t, engine, "/v1/schedule", sampleBody(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Plan struct {
			PrimaryEngineID string `json:"primary_engine_id"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "L1", out.Plan.PrimaryEngineID)
}

func TestScheduleEndpointRejectsMalformedRequest(t *testing.T) {
	engine := buildRouter(buildTestApp(t), false)

	w := postJSON(t, engine, "/v1/schedule", map[string]any{"request_id": "req-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteEndpointReturnsEnvelope(t *testing.T) {
	engine := buildRouter(buildTestApp(t), false)

	w := postJSON(t, engine, "/v1/route", sampleBody(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out router.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Response)
	assert.Equal(t, "L1", out.EngineID)
	assert.False(t, out.Degraded)
}

func TestRouteEndpointBlocksExcessiveHop(t *testing.T) {
	engine := buildRouter(buildTestApp(t), false)

	w := postJSON(t, engine, "/v1/route", sampleBody(), map[string]string{"Hop": "3"})
	require.Equal(t, http.StatusOK, w.Code)

	var out router.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "blocked", out.LLMUsed)
	assert.Equal(t, "blocked_hop", out.Meta["path"])
}

func TestHealthzAlwaysOK(t *testing.T) {
	engine := buildRouter(buildTestApp(t), false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
