// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler builds an InferencePlan under the local-first
// policy: prefer local-tagged engines as primary, fall back to
// internet-required ("booster") engines only when health is OK.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/plan"
	"github.com/iNandix/denis/internal/registry"
)

// Defaults used when neither the request nor an Overrides struct specifies
// a value.
const (
	DefaultTotalTimeoutMs   = 5000
	DefaultConnectTimeoutMs = 200
	DefaultMaxTokens        = 1024
	ReservedHeadroomTokens  = 256
)

// ErrNoPlan is returned when no engine is eligible — zero local engines,
// and either internet is not OK or no booster exists either. Callers must
// treat this as the degraded fallback case, not as an error to
// surface to the end user.
var ErrNoPlan = fmt.Errorf("scheduler: no eligible engine for this request")

// ErrAtParallelLimit is returned when the route type is already at its
// configured concurrency cap.
var ErrAtParallelLimit = fmt.Errorf("scheduler: at parallel limit for route type")

var schedulerTracer = otel.Tracer("denis.scheduler")

// Overrides lets an upstream layer (typically the Gateway Router) adjust
// budget shaping before the scheduler assembles a plan.
// Zero-valued fields mean "use the scheduler default".
type Overrides struct {
	CandidateEngineIDs []string // explicit candidate set (gateway-resolved)
	TotalTimeoutMs     int
	ConnectTimeoutMs   int
	// MaxCostUSD is carried with the overrides; Schedule does not read it.
	MaxCostUSD         *float64
	MaxAttempts        int
}

// Scheduler produces InferencePlans from the Registry and the injected
// Internet Health probe. Registry and Probe are read-only inputs; the
// Scheduler holds no per-request state beyond the optional concurrency
// limiter and the in-flight load counters.
type Scheduler struct {
	registry *registry.Registry
	probe    *health.Probe
	limiter  *ConcurrencyLimiter
	logger   *slog.Logger
	// allowBoosters mirrors DENIS_ALLOW_BOOSTERS; when false, boosters are
	// never scheduled even if health is OK.
	allowBoosters bool
	// attemptCap mirrors DENIS_ROUTER_MAX_ATTEMPTS; zero means uncapped.
	attemptCap int

	// loadMu guards the per-engine in-flight counters below. A plan's
	// release func decrements the primary's counter exactly once.
	loadMu     sync.Mutex
	engineLoad map[string]int
	active     int
}

// Stats is a point-in-time view of the scheduler's in-flight assignments,
// exposed through health().
type Stats struct {
	ActiveRequests int            `json:"active_requests"`
	EngineLoad     map[string]int `json:"engine_load"`
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLimiter installs a concurrency limiter; without one, every route type
// is unbounded.
func WithLimiter(l *ConcurrencyLimiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithLogger installs a structured logger; nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithAllowBoosters controls DENIS_ALLOW_BOOSTERS (default true).
func WithAllowBoosters(allow bool) Option {
	return func(s *Scheduler) { s.allowBoosters = allow }
}

// WithAttemptCap bounds every plan's max_attempts
// (DENIS_ROUTER_MAX_ATTEMPTS). Zero leaves plans uncapped.
func WithAttemptCap(cap int) Option {
	return func(s *Scheduler) { s.attemptCap = cap }
}

// New constructs a Scheduler. reg and probe must not be nil.
func New(reg *registry.Registry, probe *health.Probe, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:      reg,
		probe:         probe,
		allowBoosters: true,
		logger:        slog.Default(),
		engineLoad:    make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule builds an InferencePlan for req. If the route type is at its
// concurrency limit, returns a nil plan, a no-op release and
// ErrAtParallelLimit. If no engine is eligible under local-first policy,
// returns a nil plan, a no-op release and ErrNoPlan. Both are expected,
// handled outcomes — not exceptional control flow. On success the release
// func must be called once when the request finishes.
func (s *Scheduler) Schedule(ctx context.Context, req datatypes.InferenceRequest, ov Overrides) (*plan.InferencePlan, func(), error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.Schedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("route_type", req.RouteType),
	)

	release := func() {}
	if s.limiter != nil {
		r, ok := s.limiter.Acquire(req.RouteType)
		if !ok {
			return nil, func() {}, ErrAtParallelLimit
		}
		release = r
	}

	status := s.probe.Status(ctx)

	locals := s.registry.List(registry.Filter{Tags: []string{registry.TagLocal}})
	boosters := s.registry.List(registry.Filter{Tags: []string{registry.TagInternetRequired}})

	if len(ov.CandidateEngineIDs) > 0 {
		locals = filterByID(locals, ov.CandidateEngineIDs)
		boosters = filterByID(boosters, ov.CandidateEngineIDs)
	}

	var primary registry.Engine
	var fallbacks []registry.Engine
	degraded := false

	switch {
	case len(locals) > 0:
		primary = locals[0]
		fallbacks = append(fallbacks, locals[1:]...)
		if status == health.StatusOK && s.allowBoosters {
			fallbacks = append(fallbacks, boosters...)
		}
	case status == health.StatusOK && s.allowBoosters && len(boosters) > 0:
		primary = boosters[0]
		fallbacks = append(fallbacks, boosters[1:]...)
		degraded = true
	default:
		release()
		return nil, func() {}, ErrNoPlan
	}

	fallbackIDs := make([]string, 0, len(fallbacks))
	for _, e := range fallbacks {
		fallbackIDs = append(fallbackIDs, e.EngineID)
	}

	timeouts := plan.Timeouts{TotalMs: DefaultTotalTimeoutMs, ConnectMs: DefaultConnectTimeoutMs}
	if ov.TotalTimeoutMs > 0 {
		timeouts.TotalMs = ov.TotalTimeoutMs
	}
	if ov.ConnectTimeoutMs > 0 {
		timeouts.ConnectMs = ov.ConnectTimeoutMs
	}

	plannedTokens := DefaultMaxTokens
	if req.Payload.MaxTokens != nil {
		plannedTokens = *req.Payload.MaxTokens
	}
	if primary.MaxContext > 0 {
		headroomBound := primary.MaxContext - ReservedHeadroomTokens
		if headroomBound < 0 {
			headroomBound = 0
		}
		if plannedTokens > headroomBound {
			plannedTokens = headroomBound
		}
	}
	plannedCost := 0.0
	if primary.CostFactor > 0 {
		plannedCost = float64(plannedTokens) / 1000.0 * primary.CostFactor
	}

	maxAttempts := 1 + len(fallbackIDs)
	if ov.MaxAttempts > 0 {
		maxAttempts = ov.MaxAttempts
	}
	if s.attemptCap > 0 && maxAttempts > s.attemptCap {
		maxAttempts = s.attemptCap
	}

	// Plan params: engine defaults first, request-supplied values folded in
	// on top (request wins on collisions). Temperature defaults to 0.7 when
	// neither the request nor the engine supplies one; max_tokens carries
	// the already-clamped token budget.
	params := make(map[string]string, len(primary.DefaultParams)+2)
	for k, v := range primary.DefaultParams {
		params[k] = v
	}
	if req.Payload.Temperature != nil {
		params["temperature"] = strconv.FormatFloat(*req.Payload.Temperature, 'f', -1, 64)
	} else if _, ok := params["temperature"]; !ok {
		params["temperature"] = "0.7"
	}
	params["max_tokens"] = strconv.Itoa(plannedTokens)

	p := &plan.InferencePlan{
		PrimaryEngineID:   primary.EngineID,
		FallbackEngineIDs: fallbackIDs,
		ExpectedModel:     primary.Model,
		Params:            params,
		Timeouts:          timeouts,
		Budget:            plan.Budget{PlannedTokens: plannedTokens, PlannedCostUSD: plannedCost},
		TraceTags: map[string]string{
			"internet_status_at_plan": string(status),
			"degraded":                boolStr(degraded),
		},
		AttemptPolicy: plan.AttemptPolicy{
			MaxAttempts: maxAttempts,
			RetryOn:     plan.RetryOn{Timeout: true, FiveXX: true},
		},
	}

	if err := s.selfCheck(p); err != nil {
		release()
		return nil, func() {}, fmt.Errorf("scheduler: guard-rail violated: %w", err)
	}

	span.SetAttributes(
		attribute.String("primary_engine_id", p.PrimaryEngineID),
		attribute.Int("fallbacks", len(p.FallbackEngineIDs)),
		attribute.Bool("degraded", degraded),
	)
	return p, s.trackAssignment(p.PrimaryEngineID, release), nil
}

// trackAssignment counts the primary engine as loaded until the returned
// release func runs. Safe against double release.
func (s *Scheduler) trackAssignment(engineID string, release func()) func() {
	s.loadMu.Lock()
	s.engineLoad[engineID]++
	s.active++
	s.loadMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			s.loadMu.Lock()
			s.engineLoad[engineID]--
			if s.engineLoad[engineID] <= 0 {
				delete(s.engineLoad, engineID)
			}
			s.active--
			s.loadMu.Unlock()
		})
	}
}

// Stats reports the current in-flight assignment counts.
func (s *Scheduler) Stats() Stats {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	load := make(map[string]int, len(s.engineLoad))
	for k, v := range s.engineLoad {
		load[k] = v
	}
	return Stats{ActiveRequests: s.active, EngineLoad: load}
}

// selfCheck is the scheduler's own guard-rail: every engine id it just
// emitted must resolve in the registry at the moment of emission.
func (s *Scheduler) selfCheck(p *plan.InferencePlan) error {
	for _, id := range p.Chain() {
		if _, ok := s.registry.Get(id); !ok {
			return fmt.Errorf("engine_id %q does not resolve in registry", id)
		}
	}
	return nil
}

func filterByID(engines []registry.Engine, ids []string) []registry.Engine {
	allow := make(map[string]bool, len(ids))
	for _, id := range ids {
		allow[id] = true
	}
	out := make([]registry.Engine, 0, len(engines))
	for _, e := range engines {
		if allow[e.EngineID] {
			out = append(out, e)
		}
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
