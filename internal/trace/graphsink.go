// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// classDecisionTrace is the Weaviate class backing DecisionTrace nodes.
// Cross-references (aboutIntent, selectedEngine, aboutTool, aboutTurn)
// stand in for a generic merge_relation primitive: Weaviate has no
// labeled-edge model, so each relation name is modeled as a reference
// property on the class.
const classDecisionTrace = "DecisionTrace"

// GraphSink implements Sink against a Weaviate instance, treating each
// DecisionTrace as an object of class DecisionTrace and each named relation
// (Intent/Engine/Tool/Turn) as a cross-reference to an object of the
// matching class, keyed by a deterministic UUID derived from the entity
// name so repeated references merge onto the same node instead of
// duplicating it.
//
// Thread Safety: safe for concurrent use; the underlying HTTP client is.
type GraphSink struct {
	client  *weaviate.Client
	timeout time.Duration
	logger  *slog.Logger
}

// GraphSinkOption configures a GraphSink at construction time.
type GraphSinkOption func(*GraphSink)

// WithEmitTimeout bounds how long one Emit call may block on the backend
// before giving up silently. Default 2s.
func WithEmitTimeout(d time.Duration) GraphSinkOption {
	return func(g *GraphSink) { g.timeout = d }
}

// WithSinkLogger installs a structured logger for emission failures.
func WithSinkLogger(logger *slog.Logger) GraphSinkOption {
	return func(g *GraphSink) { g.logger = logger }
}

// NewGraphSink constructs a GraphSink over an already-configured Weaviate
// client. Schema creation (the DecisionTrace/Intent/Engine/Tool/Turn
// classes and their cross-reference properties) is an operational concern
// handled at deploy time, not by this constructor.
func NewGraphSink(client *weaviate.Client, opts ...GraphSinkOption) *GraphSink {
	g := &GraphSink{client: client, timeout: 2 * time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Emit creates the DecisionTrace node and merges any named relations.
// Failures are logged at warn and dropped — never raised into the caller.
func (g *GraphSink) Emit(ctx context.Context, t DecisionTrace) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	extra, err := json.Marshal(t.Extra)
	if err != nil {
		extra = []byte("{}")
	}

	props := map[string]any{
		"traceId":   t.TraceID,
		"ts":        t.Ts.Format(time.RFC3339Nano),
		"kind":      string(t.Kind),
		"mode":      string(t.Mode),
		"reason":    t.Reason,
		"requestId": t.RequestID,
		"sessionId": t.SessionID,
		"turnId":    t.TurnID,
		"policies":  t.Policies,
		"extra":     string(extra),
	}

	id := t.TraceID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = g.client.Data().Creator().
		WithClassName(classDecisionTrace).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		g.logger.Warn("decision trace: create node failed", slog.String("error", err.Error()), slog.String("trace_id", id))
		return
	}

	g.mergeRelation(ctx, id, "aboutIntent", "Intent", t.Intent)
	g.mergeRelation(ctx, id, "selectedEngine", "Engine", t.Engine)
	g.mergeRelation(ctx, id, "aboutTool", "Tool", t.Tool)
	g.mergeRelation(ctx, id, "aboutTurn", "Turn", t.TurnID)
}

// mergeRelation links the trace node to the named entity node. A blank
// toName is a no-op: not every trace names every relation.
func (g *GraphSink) mergeRelation(ctx context.Context, fromID, refProperty, toClass, toName string) {
	if toName == "" {
		return
	}
	toID := deterministicID(toClass, toName)
	beacon := "weaviate://localhost/" + toClass + "/" + toID

	err := g.client.Data().ReferenceCreator().
		WithClassName(classDecisionTrace).
		WithID(fromID).
		WithReferenceProperty(refProperty).
		WithReference(&models.SingleRef{Beacon: strfmt.URI(beacon)}).
		Do(ctx)
	if err != nil {
		g.logger.Warn("decision trace: merge relation failed",
			slog.String("error", err.Error()), slog.String("relation", refProperty), slog.String("to", toName))
	}
}

// deterministicID derives a stable UUID from a class+name pair so repeated
// mentions of the same Intent/Engine/Tool/Turn merge onto one node instead
// of creating duplicates.
func deterministicID(class, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(class+":"+name)).String()
}
