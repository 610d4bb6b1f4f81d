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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsTraceIDAndTs(t *testing.T) {
	before := time.Now()
	tr := New(DecisionTrace{Kind: KindEngineSelection, Mode: ModePrimary})
	after := time.Now()

	assert.NotEmpty(t, tr.TraceID)
	assert.False(t, tr.Ts.Before(before))
	assert.False(t, tr.Ts.After(after))
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	var a, b recordingSink
	m := MultiSink{Sinks: []Sink{&a, &b}}

	tr := New(DecisionTrace{Kind: KindRouting, Mode: ModeLAN})
	m.Emit(context.Background(), tr)

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, tr.TraceID, a.got[0].TraceID)
}

func TestLoggingSinkNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		LoggingSink{}.Emit(context.Background(), New(DecisionTrace{Kind: KindPolicyEval, Mode: ModePassed}))
	})
}

func TestValidModesCoversEveryKind(t *testing.T) {
	for kind, modes := range ValidModes {
		assert.NotEmpty(t, modes, "kind %s has no legal modes", kind)
	}
}

type recordingSink struct {
	got []DecisionTrace
}

func (r *recordingSink) Emit(_ context.Context, t DecisionTrace) {
	r.got = append(r.got, t)
}
