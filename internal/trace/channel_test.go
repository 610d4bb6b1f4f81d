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

func TestRollingChannelSubscriberReceivesEmittedTrace(t *testing.T) {
	ch, err := NewRollingChannel(time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sub, cancel := ch.Subscribe(4)
	defer cancel()

	tr := New(DecisionTrace{Kind: KindEngineSelection, Mode: ModePrimary, RequestID: "req-1"})
	ch.Emit(context.Background(), tr)

	select {
	case got := <-sub:
		assert.Equal(t, tr.TraceID, got.TraceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}
}

func TestRollingChannelRecentReplaysPersistedTraces(t *testing.T) {
	ch, err := NewRollingChannel(time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	ch.Emit(context.Background(), New(DecisionTrace{Kind: KindEngineSelection, Mode: ModePrimary}))
	ch.Emit(context.Background(), New(DecisionTrace{Kind: KindRouting, Mode: ModeLAN}))

	recent, err := ch.Recent()
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRollingChannelCancelStopsDelivery(t *testing.T) {
	ch, err := NewRollingChannel(time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sub, cancel := ch.Subscribe(1)
	cancel()

	ch.Emit(context.Background(), New(DecisionTrace{Kind: KindEngineSelection, Mode: ModePrimary}))

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after cancel")
}
