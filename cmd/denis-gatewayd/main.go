// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command denis-gatewayd binds the control-plane library to HTTP. The
// routing contract lives entirely in the library; this binary only maps
// endpoints onto it:
//
//	POST /v1/schedule       - build a plan for a request
//	POST /v1/route          - schedule and route a request
//	GET  /v1/health         - health summary
//	GET  /v1/traces/stream  - live decision traces over websocket
//	GET  /metrics           - Prometheus exposition
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iNandix/denis/internal/app"
	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/gateway"
	"github.com/iNandix/denis/internal/loopguard"
	"github.com/iNandix/denis/internal/router"
	"github.com/iNandix/denis/internal/scheduler"
)

func main() {
	port := flag.Int("port", 8821, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	registryPath := flag.String("registry", "", "Path to the engine registry descriptor (YAML)")
	seedMapPath := flag.String("seed-map", "", "Path to the gateway task-profile seed map (YAML)")
	metricsDir := flag.String("metrics-dir", "", "Directory for the rolling metrics store (empty: in-memory)")
	weaviateHost := flag.String("weaviate-host", os.Getenv("WEAVIATE_HOST"), "Weaviate host for the decision-trace graph sink (empty: log-only)")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so spans started in the library join
	// whatever distributed trace the caller is already inside.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	a, err := app.Bootstrap(app.BootstrapOptions{
		RegistryDescriptorPath: *registryPath,
		GatewaySeedMapPath:     *seedMapPath,
		MetricsDir:             *metricsDir,
		WeaviateHost:           *weaviateHost,
	})
	if err != nil {
		slog.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	engine := buildRouter(a, *debug)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("denis-gatewayd listening", slog.Int("port", *port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildRouter assembles the gin engine over a bootstrapped App.
func buildRouter(a *app.App, debug bool) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("denis-gatewayd"))
	engine.Use(hopMiddleware())
	if debug {
		engine.Use(gin.Logger())
	}

	h := &handlers{app: a}
	v1 := engine.Group("/v1")
	v1.POST("/schedule", h.schedule)
	v1.POST("/route", h.route)
	v1.GET("/health", h.health)
	v1.GET("/traces/stream", h.tracesStream)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return engine
}

// hopMiddleware copies the inbound Hop header onto the request context so
// the router's loop guard sees it without every handler re-parsing it.
func hopMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(loopguard.HeaderName); raw != "" {
			if hop, err := strconv.Atoi(raw); err == nil {
				c.Request = c.Request.WithContext(loopguard.WithHop(c.Request.Context(), hop))
			}
		}
		c.Next()
	}
}

type handlers struct {
	app *app.App
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Health(c.Request.Context()))
}

func (h *handlers) bindRequest(c *gin.Context) (datatypes.InferenceRequest, bool) {
	var req datatypes.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	return req, true
}

func (h *handlers) overrides(c *gin.Context, req datatypes.InferenceRequest) scheduler.Overrides {
	if h.app.Gateway == nil {
		return scheduler.Overrides{}
	}
	resolved := h.app.Gateway.Resolve(c.Request.Context(), req.TaskType, c.Query("phase"))
	ov := scheduler.Overrides{CandidateEngineIDs: resolved.CandidateEngineIDs}
	if resolved.Strategy == gateway.StrategySingle {
		ov.MaxAttempts = 1
	}
	if resolved.Budget.TimeoutMs != nil {
		ov.TotalTimeoutMs = *resolved.Budget.TimeoutMs
	}
	if resolved.Budget.MaxCostUSD != nil {
		ov.MaxCostUSD = resolved.Budget.MaxCostUSD
	}
	return ov
}

func (h *handlers) schedule(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	pl, release, err := h.app.Scheduler.Schedule(c.Request.Context(), req, h.overrides(c, req))
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPlan) || errors.Is(err, scheduler.ErrAtParallelLimit) {
			c.JSON(http.StatusOK, gin.H{"plan": nil, "reason": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	release()
	c.JSON(http.StatusOK, gin.H{"plan": pl})
}

func (h *handlers) route(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	pl, release, err := h.app.Scheduler.Schedule(ctx, req, h.overrides(c, req))
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPlan) {
			resp, rerr := h.app.Router.RouteLegacy(ctx, req, router.QueryProfile{}, h.app.Config.RouterMaxAttempts)
			if rerr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": rerr.Error()})
				return
			}
			c.JSON(http.StatusOK, resp)
			return
		}
		if errors.Is(err, scheduler.ErrAtParallelLimit) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer release()

	resp, err := h.app.Router.Route(ctx, req, pl)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only telemetry for local dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// tracesStream upgrades to websocket, backfills the still-live traces from
// the rolling channel, then pushes each new trace as it is emitted.
func (h *handlers) tracesStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	recent, err := h.app.Channel.Recent()
	if err == nil {
		for _, t := range recent {
			if err := conn.WriteJSON(t); err != nil {
				return
			}
		}
	}

	live, cancel := h.app.Channel.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case t, ok := <-live:
			if !ok {
				return
			}
			if err := conn.WriteJSON(t); err != nil {
				return
			}
		}
	}
}
