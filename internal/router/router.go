// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router executes an InferencePlan: it walks primary → fallback_1 →
// fallback_2 and so on, calling the matching provider adapter for each,
// honoring per-engine rate limits, the attempt policy, the cost ceiling,
// and the loop guard, and emitting a Decision Trace for every attempt.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/health"
	"github.com/iNandix/denis/internal/loopguard"
	"github.com/iNandix/denis/internal/metrics"
	"github.com/iNandix/denis/internal/plan"
	"github.com/iNandix/denis/internal/providers"
	"github.com/iNandix/denis/internal/registry"
	"github.com/iNandix/denis/internal/trace"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routerAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "denis",
		Subsystem: "router",
		Name:      "attempts_total",
		Help:      "Adapter attempts by outcome: success, failure, cost_limit, cancelled",
	}, []string{"outcome"})

	routerFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "denis",
		Subsystem: "router",
		Name:      "fallback_total",
		Help:      "Requests that advanced past the primary engine",
	})

	routerDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "denis",
		Subsystem: "router",
		Name:      "degraded_total",
		Help:      "Requests that exhausted the chain and returned the degraded envelope",
	})

	routerAttemptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "denis",
		Subsystem: "router",
		Name:      "attempt_latency_seconds",
		Help:      "Latency of individual adapter calls",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
	})

	routerCostUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "denis",
		Subsystem: "router",
		Name:      "cost_usd_total",
		Help:      "Accumulated estimated cost of successful calls, USD",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routerTracer = otel.Tracer("denis.router")

// DegradedPlaceholder is the deterministic response text substituted when
// every engine in the chain is skipped or fails.
const DegradedPlaceholder = "[degraded: no engine could service this request]"

// SkippedEngine records one entry the router declined to attempt.
type SkippedEngine struct {
	EngineID  string `json:"engine_id"`
	Reason    string `json:"reason"`
	Misconfig bool   `json:"misconfig,omitempty"`
}

// Response is the envelope returned from Route regardless of outcome; the
// router never returns a Go error for a routing failure, only for a
// malformed request.
type Response struct {
	Response       string              `json:"response"`
	LLMUsed        string              `json:"llm_used"`
	EngineID       string              `json:"engine_id"`
	ModelSelected  string              `json:"model_selected"`
	LatencyMs      int64               `json:"latency_ms"`
	InputTokens    int                 `json:"input_tokens"`
	OutputTokens   int                 `json:"output_tokens"`
	CostUSD        float64             `json:"cost_usd"`
	FallbackUsed   bool                `json:"fallback_used"`
	Attempts       int                 `json:"attempts"`
	InferencePlan  *plan.InferencePlan `json:"inference_plan"`
	SkippedEngines []SkippedEngine     `json:"skipped_engines"`
	InternetStatus health.Status       `json:"internet_status"`
	Degraded       bool                `json:"degraded"`
	Cancelled      bool                `json:"cancelled,omitempty"`
	// Meta carries out-of-band signals like meta.path=blocked_hop that
	// don't fit the rest of the envelope's shape.
	Meta map[string]string `json:"meta,omitempty"`
}

// ShadowComparer answers "what would the Gateway Router have selected for
// this request", used solely for the shadow-comparison trace. Implemented
// by the gateway package; the router depends only on this narrow interface
// to avoid an import cycle.
type ShadowComparer interface {
	WouldSelect(ctx context.Context, req datatypes.InferenceRequest) (engineID string, err error)
}

// Router is the executor. All dependencies are injected; the Router itself
// holds only the per-engine rate limiters it lazily creates.
type Router struct {
	registry *registry.Registry
	probe    *health.Probe
	factory  *providers.Factory
	store    *metrics.Store
	sink     trace.Sink
	logger   *slog.Logger

	maxHop         int
	defaultTimeout time.Duration

	shadow        ShadowComparer
	shadowEnable  bool
	shadowTimeout time.Duration
	shadowWG      sync.WaitGroup

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMaxHop sets the loop guard's maximum accepted inbound hop count
// (DENIS_OPENAI_COMPAT_MAX_HOP). Default 0: only fresh, unhopped requests
// are accepted.
func WithMaxHop(max int) Option {
	return func(r *Router) { r.maxHop = max }
}

// WithDefaultTimeout sets the per-attempt timeout used when no plan
// supplies one (DENIS_ROUTER_DEFAULT_TIMEOUT_SEC). Default 5s.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithShadowComparer enables the shadow-comparison trace, consulting cmp
// after every real decision. The comparison runs off the request path on
// its own deadline; errors in it are swallowed.
func WithShadowComparer(cmp ShadowComparer) Option {
	return func(r *Router) { r.shadow = cmp; r.shadowEnable = true }
}

// New constructs a Router. None of reg, probe, factory, store, or sink may
// be nil.
func New(reg *registry.Registry, probe *health.Probe, factory *providers.Factory, store *metrics.Store, sink trace.Sink, opts ...Option) *Router {
	r := &Router{
		registry:       reg,
		probe:          probe,
		factory:        factory,
		store:          store,
		sink:           sink,
		logger:         slog.Default(),
		defaultTimeout: 5 * time.Second,
		shadowTimeout:  2 * time.Second,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Route executes pl against req.
func (r *Router) Route(ctx context.Context, req datatypes.InferenceRequest, pl *plan.InferencePlan) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, fmt.Errorf("router: %w", err)
	}

	ctx, span := routerTracer.Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("route_type", req.RouteType),
	)

	if loopguard.Exceeds(ctx, r.maxHop) {
		span.SetAttributes(attribute.Bool("blocked_hop", true))
		return Response{
			LLMUsed:        "blocked",
			InferencePlan:  pl,
			InternetStatus: r.probe.Status(ctx),
			Meta:           map[string]string{"path": "blocked_hop"},
		}, nil
	}

	status := r.probe.Status(ctx)
	chain := pl.Chain()

	var skipped []SkippedEngine
	attempts := 0

	for _, engineID := range chain {
		if attempts >= pl.AttemptPolicy.MaxAttempts {
			break
		}

		engine, ok := r.registry.Get(engineID)
		if !ok {
			skipped = append(skipped, SkippedEngine{EngineID: engineID, Reason: "engine_not_found_in_registry", Misconfig: true})
			continue
		}

		if engine.HasTag(registry.TagInternetRequired) && status != health.StatusOK {
			skipped = append(skipped, SkippedEngine{EngineID: engineID, Reason: "no_internet"})
			continue
		}

		if lim := r.limiterFor(engine); lim != nil && !lim.Allow() {
			skipped = append(skipped, SkippedEngine{EngineID: engineID, Reason: "rate_limited"})
			continue
		}

		attempts++
		mode := trace.ModePrimary
		if attempts > 1 {
			mode = trace.ModeFallback
			routerFallbackTotal.Inc()
		}

		adapter, err := r.factory.Get(engine.ProviderFamily)
		if err != nil {
			skipped = append(skipped, SkippedEngine{EngineID: engineID, Reason: "no_adapter_for_family", Misconfig: true})
			attempts--
			continue
		}

		// Expected-model drift: registered model no longer matches what the
		// plan was built against. Trace warning, no fail.
		if pl.ExpectedModel != "" && engine.Model != "" && engine.Model != pl.ExpectedModel {
			r.emit(ctx, trace.New(trace.DecisionTrace{
				Kind: trace.KindPolicyEval, Mode: trace.ModePassed,
				Reason: "expected_model_drift", RequestID: req.RequestID,
				SessionID: req.SessionID, Engine: engineID,
				Extra: map[string]any{"expected_model": pl.ExpectedModel, "registered_model": engine.Model},
			}))
		}

		opts := providers.ChatOptions{Params: providers.MergeParams(engine.DefaultParams, pl.Params)}
		if req.Payload.Temperature != nil {
			opts.Temperature = *req.Payload.Temperature
		}
		if pl.Budget.PlannedTokens > 0 {
			opts.MaxTokens = pl.Budget.PlannedTokens
		}

		// Adapters stamp the outbound Hop header themselves (NextHop), so
		// the inbound hop count is passed through untouched.
		result := adapter.Chat(ctx, engine, req.Payload.Messages, time.Duration(pl.Timeouts.TotalMs)*time.Millisecond, opts)
		routerAttemptLatency.Observe(float64(result.LatencyMs) / 1000.0)

		if result.Success && result.Response != "" {
			costUSD := result.CostUSDEstimated
			if req.MaxCostUSD != nil && costUSD > *req.MaxCostUSD {
				routerAttemptsTotal.WithLabelValues("cost_limit").Inc()
				r.store.RecordFailure(engineID, result.LatencyMs)
				r.emit(ctx, trace.New(trace.DecisionTrace{
					Kind: trace.KindEngineSelection, Mode: mode,
					Reason: "cost_limit_exceeded", RequestID: req.RequestID,
					SessionID: req.SessionID, Engine: engineID,
				}))
				skipped = append(skipped, SkippedEngine{EngineID: engineID, Reason: "cost_limit_exceeded"})
				continue
			}

			routerAttemptsTotal.WithLabelValues("success").Inc()
			routerCostUSDTotal.Add(costUSD)
			r.store.RecordSuccess(engineID, result.LatencyMs)
			r.emit(ctx, trace.New(trace.DecisionTrace{
				Kind: trace.KindRouting, Mode: routingModeFor(engine),
				Reason: "dispatched", RequestID: req.RequestID, SessionID: req.SessionID, Engine: engineID,
			}))
			r.emit(ctx, trace.New(trace.DecisionTrace{
				Kind: trace.KindEngineSelection, Mode: mode,
				Reason: "selected", RequestID: req.RequestID, SessionID: req.SessionID, Engine: engineID,
			}))

			span.SetAttributes(
				attribute.String("engine_id", engineID),
				attribute.Int("attempts", attempts),
			)
			resp := Response{
				Response:       result.Response,
				LLMUsed:        string(engine.ProviderFamily),
				EngineID:       engineID,
				ModelSelected:  result.Model,
				LatencyMs:      result.LatencyMs,
				InputTokens:    result.InputTokens,
				OutputTokens:   result.OutputTokens,
				CostUSD:        costUSD,
				FallbackUsed:   attempts > 1,
				Attempts:       attempts,
				InferencePlan:  pl,
				SkippedEngines: skipped,
				InternetStatus: status,
				Degraded:       false,
			}
			r.maybeShadowCompare(ctx, req, resp)
			return resp, nil
		}

		r.store.RecordFailure(engineID, result.LatencyMs)

		if ctx.Err() != nil {
			// Caller cancelled while the attempt was in flight: record it,
			// stop the chain, return the partial envelope.
			routerAttemptsTotal.WithLabelValues("cancelled").Inc()
			r.emit(ctx, trace.New(trace.DecisionTrace{
				Kind: trace.KindEngineSelection, Mode: mode,
				Reason: "cancelled", RequestID: req.RequestID, SessionID: req.SessionID, Engine: engineID,
			}))
			span.SetAttributes(attribute.Bool("cancelled", true))
			return Response{
				Response:       DegradedPlaceholder,
				LLMUsed:        "degraded_fallback",
				Attempts:       attempts,
				FallbackUsed:   attempts > 1,
				InferencePlan:  pl,
				SkippedEngines: skipped,
				InternetStatus: status,
				Degraded:       true,
				Cancelled:      true,
			}, nil
		}

		routerAttemptsTotal.WithLabelValues("failure").Inc()
		r.emit(ctx, trace.New(trace.DecisionTrace{
			Kind: trace.KindEngineSelection, Mode: mode,
			Reason: result.Error, RequestID: req.RequestID, SessionID: req.SessionID, Engine: engineID,
		}))

		if !shouldAdvance(result.Error, pl.AttemptPolicy.RetryOn) {
			break
		}
	}

	routerDegradedTotal.Inc()
	r.emit(ctx, trace.New(trace.DecisionTrace{
		Kind: trace.KindEngineSelection, Mode: trace.ModeDegraded,
		Reason: "chain_exhausted", RequestID: req.RequestID, SessionID: req.SessionID,
	}))
	span.SetAttributes(attribute.Bool("degraded", true))

	resp := Response{
		Response:       DegradedPlaceholder,
		LLMUsed:        "degraded_fallback",
		Attempts:       attempts,
		InferencePlan:  pl,
		SkippedEngines: skipped,
		InternetStatus: status,
		Degraded:       true,
	}
	r.maybeShadowCompare(ctx, req, resp)
	return resp, nil
}

// shouldAdvance applies the plan's retry_on policy to a failed attempt's
// error code. Timeouts advance only when retry_on includes timeout; every
// other failure class (HTTP status, empty response, transport) advances
// only when retry_on includes 5xx. An empty retry_on set therefore stops
// the chain on the first failure, whatever its class.
func shouldAdvance(errCode string, retry plan.RetryOn) bool {
	if strings.Contains(errCode, "_timeout") {
		return retry.Timeout
	}
	return retry.FiveXX
}

// limiterFor lazily creates and caches a token-bucket limiter for engines
// that declare rate_limit_per_min. Engines without a limit never get a
// limiter, so Allow() is never consulted for them.
func (r *Router) limiterFor(e registry.Engine) *rate.Limiter {
	if e.RateLimitPerMin <= 0 {
		return nil
	}
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	if lim, ok := r.limiters[e.EngineID]; ok {
		return lim
	}
	perSec := float64(e.RateLimitPerMin) / 60.0
	lim := rate.NewLimiter(rate.Limit(perSec), e.RateLimitPerMin)
	r.limiters[e.EngineID] = lim
	return lim
}

// routingModeFor derives the `routing` trace's transport mode from engine
// tags: the first matching tag wins, in order dedicated > lan > tailscale;
// an internet_required engine with none of these is CLOUD; a local engine
// with none of these defaults to LAN.
func routingModeFor(e registry.Engine) trace.Mode {
	switch {
	case e.HasTag(registry.TagDedicated):
		return trace.ModeDedicated
	case e.HasTag(registry.TagLAN):
		return trace.ModeLAN
	case e.HasTag(registry.TagTailscale):
		return trace.ModeTailscale
	case e.HasTag(registry.TagInternetRequired):
		return trace.ModeCloud
	default:
		return trace.ModeLAN
	}
}

func (r *Router) emit(ctx context.Context, t trace.DecisionTrace) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(ctx, t)
}

// waitShadow blocks until every in-flight shadow comparison has emitted
// its trace. Tests use it to assert deterministically on the shadow path.
func (r *Router) waitShadow() {
	r.shadowWG.Wait()
}

// maybeShadowCompare runs the optional shadow comparison after the real
// decision is already finalized. It runs on its own goroutine and deadline,
// detached from the request's cancellation, so a slow or failing comparer
// can never affect the real outcome.
func (r *Router) maybeShadowCompare(ctx context.Context, req datatypes.InferenceRequest, real Response) {
	if !r.shadowEnable || r.shadow == nil {
		return
	}
	r.shadowWG.Add(1)
	go func() {
		defer r.shadowWG.Done()
		shadowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.shadowTimeout)
		defer cancel()
		wouldSelect, err := r.shadow.WouldSelect(shadowCtx, req)
		reason := "gateway_shadow_compare"
		if err != nil {
			reason = "shadow_error"
		} else if wouldSelect == real.EngineID {
			reason = "same_choice"
		}
		r.emit(shadowCtx, trace.New(trace.DecisionTrace{
			Kind: trace.KindEngineSelection, Mode: trace.ModeShadow,
			Reason: reason, RequestID: req.RequestID, SessionID: req.SessionID, Engine: wouldSelect,
		}))
	}()
}
