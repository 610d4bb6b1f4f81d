// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loopguard carries the Hop header that detects and blocks
// self-recursive calls through misconfigured endpoints.
//
// The hop count travels as an implicit per-task value on the request
// context so adapters and any nested client they construct don't need it
// threaded explicitly through every call signature.
package loopguard

import "context"

// HeaderName is the outbound/inbound HTTP header carrying the hop count.
const HeaderName = "Hop"

type ctxKey struct{}

// FromContext returns the inbound hop count carried on ctx, or 0 if none is
// set (a request with no Hop header is hop 0).
func FromContext(ctx context.Context) int {
	if v, ok := ctx.Value(ctxKey{}).(int); ok {
		return v
	}
	return 0
}

// WithHop returns a context carrying the given hop count, overwriting any
// value already present.
func WithHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, ctxKey{}, hop)
}

// NextHop returns a context whose hop count is one greater than ctx's
// current value — what every adapter must stamp onto its outbound request
// before dispatch.
func NextHop(ctx context.Context) (context.Context, int) {
	next := FromContext(ctx) + 1
	return WithHop(ctx, next), next
}

// Exceeds reports whether the inbound hop count on ctx exceeds the
// configured maximum (DENIS_OPENAI_COMPAT_MAX_HOP). A strict deployment
// sets max to 0, rejecting anything but a fresh, unhopped request.
func Exceeds(ctx context.Context, max int) bool {
	return FromContext(ctx) > max
}
