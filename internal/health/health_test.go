// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverrideReturnedVerbatim(t *testing.T) {
	calls := 0
	p := New(
		WithOverride(StatusDown),
		WithProbeFunc(func(ctx context.Context) bool { calls++; return true }),
	)
	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusDown, p.Status(context.Background()))
	}
	assert.Zero(t, calls, "probe must never run while an override is set")
}

func TestCachedWithinTTL(t *testing.T) {
	calls := 0
	p := New(
		WithTTL(time.Hour),
		WithProbeFunc(func(ctx context.Context) bool { calls++; return true }),
	)
	p.Status(context.Background())
	p.Status(context.Background())
	p.Status(context.Background())
	assert.Equal(t, 1, calls)
}

func TestReprobeAfterTTLExpires(t *testing.T) {
	calls := 0
	p := New(
		WithTTL(time.Millisecond),
		WithProbeFunc(func(ctx context.Context) bool { calls++; return calls == 1 }),
	)
	first := p.Status(context.Background())
	time.Sleep(5 * time.Millisecond)
	second := p.Status(context.Background())

	assert.Equal(t, StatusOK, first)
	assert.Equal(t, StatusDown, second)
	assert.Equal(t, 2, calls)
}

func TestNewFromEnvIgnoresIllegalValue(t *testing.T) {
	getenv := func(k string) string {
		if k == "DENIS_INTERNET_STATUS" {
			return "WEIRD"
		}
		return ""
	}
	p := NewFromEnv(getenv, WithProbeFunc(func(ctx context.Context) bool { return true }))
	assert.Equal(t, StatusOK, p.Status(context.Background()))
}

func TestNewFromEnvHonorsLegalValue(t *testing.T) {
	getenv := func(k string) string {
		if k == "DENIS_INTERNET_STATUS" {
			return "UNKNOWN"
		}
		return ""
	}
	p := NewFromEnv(getenv)
	assert.Equal(t, StatusUnknown, p.Status(context.Background()))
}

func TestSetOverrideAtRuntime(t *testing.T) {
	p := New(WithProbeFunc(func(ctx context.Context) bool { return true }))
	assert.Equal(t, StatusOK, p.Status(context.Background()))
	p.SetOverride(StatusDown)
	assert.Equal(t, StatusDown, p.Status(context.Background()))
	p.SetOverride("")
	assert.Equal(t, StatusOK, p.Status(context.Background()))
}
