// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app wires the control plane's components into one bootstrapped
// instance, shared by cmd/denis and cmd/denis-gatewayd so neither binary
// repeats the construction order: config → registry → health → metrics →
// trace sinks → scheduler → gateway → router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/iNandix/denis/internal/config"
	"github.com/iNandix/denis/internal/gateway"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/metrics"
	"github.com/iNandix/denis/internal/providers"
	"github.com/iNandix/denis/internal/registry"
	"github.com/iNandix/denis/internal/router"
	"github.com/iNandix/denis/internal/scheduler"
	"github.com/iNandix/denis/internal/trace"
)

// BootstrapOptions names the load-time descriptors and storage locations an
// operator points the core at. Zero-valued fields fall back to in-memory
// or reference-only behavior, which is sufficient for tests and `denis
// plan`/`denis health` one-shot invocations.
type BootstrapOptions struct {
	RegistryDescriptorPath string
	GatewaySeedMapPath     string
	MetricsDir             string // empty: in-memory Rolling Metrics Store
	WeaviateHost           string // empty: trace sink is log-only
	WeaviateScheme         string // default "http"
	Logger                 *slog.Logger
}

// App holds every long-lived component. Close releases the Metrics Store
// and trace channel's Badger handles.
type App struct {
	Config    config.Config
	Registry  *registry.Registry
	Probe     *health.Probe
	Factory   *providers.Factory
	Store     *metrics.Store
	Channel   *trace.RollingChannel
	Sink      trace.Sink
	Scheduler *scheduler.Scheduler
	Gateway   *gateway.Gateway // nil unless DENIS_ENABLE_INFERENCE_GATEWAY=1 and a seed map was given
	Router    *router.Router
}

// Bootstrap constructs an App from environment variables and the given
// load-time descriptor paths.
func Bootstrap(opts BootstrapOptions) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.FromEnv(os.Getenv)

	reg := registry.New()
	if opts.RegistryDescriptorPath != "" {
		engines, err := config.LoadRegistryDescriptor(opts.RegistryDescriptorPath)
		if err != nil {
			return nil, fmt.Errorf("app: loading registry descriptor: %w", err)
		}
		dropped, err := reg.Load(engines, cfg.StrictEngineRegistry)
		if err != nil {
			return nil, fmt.Errorf("app: loading registry: %w", err)
		}
		for _, d := range dropped {
			logger.Warn("registry: dropped engine at load", slog.String("error", d.Error()))
		}
	}

	probe := health.NewFromEnv(os.Getenv)
	if cfg.InternetStatusOverride != "" {
		probe.SetOverride(cfg.InternetStatusOverride)
	}

	factory := providers.NewFactory()

	metricsOpts := []metrics.Option{}
	if opts.MetricsDir != "" {
		metricsOpts = append(metricsOpts, metrics.WithDir(opts.MetricsDir))
	} else {
		metricsOpts = append(metricsOpts, metrics.WithInMemory())
	}
	store, err := metrics.Open(metricsOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: opening metrics store: %w", err)
	}

	channel, err := trace.NewRollingChannel(trace.DefaultChannelTTL)
	if err != nil {
		return nil, fmt.Errorf("app: opening trace channel: %w", err)
	}

	sinks := []trace.Sink{channel, trace.LoggingSink{Logger: logger}}
	if opts.WeaviateHost != "" {
		scheme := opts.WeaviateScheme
		if scheme == "" {
			scheme = "http"
		}
		client := weaviate.New(weaviate.Config{Host: opts.WeaviateHost, Scheme: scheme})
		sinks = append(sinks, trace.NewGraphSink(client, trace.WithSinkLogger(logger)))
	}
	sink := trace.MultiSink{Sinks: sinks}

	sched := scheduler.New(reg, probe,
		scheduler.WithAllowBoosters(cfg.AllowBoosters),
		scheduler.WithAttemptCap(cfg.RouterMaxAttempts),
		scheduler.WithLogger(logger),
	)

	var gw *gateway.Gateway
	if cfg.EnableInferenceGateway && opts.GatewaySeedMapPath != "" {
		seed, err := config.LoadGatewaySeedMap(opts.GatewaySeedMapPath)
		if err != nil {
			return nil, fmt.Errorf("app: loading gateway seed map: %w", err)
		}
		gw, err = gateway.New(seed, probe)
		if err != nil {
			return nil, fmt.Errorf("app: validating gateway seed map: %w", err)
		}
	}

	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithMaxHop(cfg.OpenAICompatMaxHop),
		router.WithDefaultTimeout(time.Duration(cfg.RouterDefaultTimeoutSec) * time.Second),
	}
	if gw != nil && cfg.ShadowComparisonEnabled() {
		routerOpts = append(routerOpts, router.WithShadowComparer(gw))
	}
	rtr := router.New(reg, probe, factory, store, sink, routerOpts...)

	return &App{
		Config:    cfg,
		Registry:  reg,
		Probe:     probe,
		Factory:   factory,
		Store:     store,
		Channel:   channel,
		Sink:      sink,
		Scheduler: sched,
		Gateway:   gw,
		Router:    rtr,
	}, nil
}

// Close releases every handle the App opened.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		return err
	}
	return a.Channel.Close()
}

// HealthSummary is the health() report: registry hash, internet status,
// booster permission, and a per-engine summary with live metric snapshots.
type HealthSummary struct {
	Providers      []providers.Status          `json:"providers"`
	RegistryHash   string                      `json:"registry_hash"`
	InternetStatus health.Status               `json:"internet_status"`
	AllowBoosters  bool                        `json:"allow_boosters"`
	Engines        []registry.Engine           `json:"engines"`
	Snapshots      map[string]metrics.Snapshot `json:"snapshots"`
	Scheduler      scheduler.Stats             `json:"scheduler"`
}

// Health assembles the health() summary.
func (a *App) Health(ctx context.Context) HealthSummary {
	engines := a.Registry.List(registry.Filter{})
	snapshots := make(map[string]metrics.Snapshot, len(engines))
	for _, e := range engines {
		if snap, err := a.Store.Snapshot(e.EngineID); err == nil {
			snapshots[e.EngineID] = snap
		}
	}
	return HealthSummary{
		Providers:      a.Factory.Statuses(),
		RegistryHash:   a.Registry.Hash(),
		InternetStatus: a.Probe.Status(ctx),
		AllowBoosters:  a.Config.AllowBoosters,
		Engines:        engines,
		Snapshots:      snapshots,
		Scheduler:      a.Scheduler.Stats(),
	}
}
