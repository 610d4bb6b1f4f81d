// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(WithInMemory(), WithWindow(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshotEmptyEngine(t *testing.T) {
	s := openTestStore(t)
	snap, err := s.Snapshot("no-such-engine")
	require.NoError(t, err)
	assert.Zero(t, snap.Count)
}

func TestSnapshotComputesAvailabilityAndErrorRate(t *testing.T) {
	s := openTestStore(t)
	s.RecordSuccess("L1", 100)
	s.RecordSuccess("L1", 120)
	s.RecordFailure("L1", 5000)

	snap, err := s.Snapshot("L1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Count)
	assert.InDelta(t, 2.0/3.0, snap.Availability, 1e-9)
	assert.InDelta(t, 1.0/3.0, snap.ErrorRate1h, 1e-9)
}

func TestSnapshotP95Latency(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 100; i++ {
		s.RecordSuccess("L1", int64(i))
	}
	snap, err := s.Snapshot("L1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.LatencyP95Ms, 90.0)
}

func TestEnginesAreIsolated(t *testing.T) {
	s := openTestStore(t)
	s.RecordSuccess("L1", 10)
	s.RecordFailure("L2", 10)

	snap1, err := s.Snapshot("L1")
	require.NoError(t, err)
	snap2, err := s.Snapshot("L2")
	require.NoError(t, err)

	assert.Equal(t, 1.0, snap1.Availability)
	assert.Equal(t, 0.0, snap2.Availability)
}
