// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the small, dependency-free value types shared by
// every layer of the control plane: chat messages and the inference
// request shape.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one role-tagged turn in a conversation payload.
type Message struct {
	Role    Role   `json:"role" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// Payload is the request body handed to a provider adapter: at minimum a
// list of messages, plus optional generation hints.
//
// Description:
//
//	MaxTokens and Temperature are pointers so the scheduler can distinguish
//	"caller did not ask" from "caller asked for zero" when merging against
//	an engine's default params.
type Payload struct {
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// InferenceRequest is the caller-supplied description of one inference
// call. RequestID flows unchanged into every decision trace it produces.
type InferenceRequest struct {
	RequestID    string   `json:"request_id" validate:"required"`
	SessionID    string   `json:"session_id,omitempty"`
	RouteType    string   `json:"route_type" validate:"required"`
	TaskType     string   `json:"task_type,omitempty"`
	Payload      Payload  `json:"payload" validate:"required"`
	MaxLatencyMs *int     `json:"max_latency_ms,omitempty"`
	MaxCostUSD   *float64 `json:"max_cost_usd,omitempty"`
	CancelKey    string   `json:"cancel_key,omitempty"`
}

var validate = validator.New()

// Validate reports a descriptive error for a malformed request — the one
// error allowed to propagate synchronously out of route()/schedule()
// before any adapter call is attempted.
func (r InferenceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("inference request: %w", err)
	}
	return nil
}
