// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/loopguard"
	"github.com/iNandix/denis/internal/registry"
)

// anthropicAdapter talks to the Anthropic Messages API. Unlike the
// OpenAI-compatible families, system prompts are a top-level field rather
// than a message with role "system", and auth uses x-api-key rather than
// a bearer token.
type anthropicAdapter struct {
	client *http.Client
	secret Secret
}

// NewAnthropicAdapter constructs the Anthropic provider adapter.
func NewAnthropicAdapter(secret Secret) Adapter {
	return &anthropicAdapter{client: &http.Client{}, secret: secret}
}

func (a *anthropicAdapter) ProviderName() registry.ProviderFamily { return registry.FamilyAnthropic }

func (a *anthropicAdapter) IsAvailable() bool { return a.secret.IsSet() }

func (a *anthropicAdapter) EstimateCost(inputTokens, outputTokens int, costFactor float64) float64 {
	return EstimateCost(inputTokens, outputTokens, costFactor)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropicAdapter) Chat(ctx context.Context, engine registry.Engine, messages []datatypes.Message, timeout time.Duration, opts ChatOptions) ProviderCallResult {
	result := ProviderCallResult{ProviderFamily: registry.FamilyAnthropic, EngineID: engine.EngineID, Model: engine.Model}

	var system string
	turns := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == datatypes.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = engine.MaxOutput
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	// Base fields first, merged params overlaid on top, mirroring the
	// OpenAI-compatible adapter. max_tokens is required by the API, so the
	// resolved default stays even when no param overrides it.
	payload := map[string]any{
		"model":      engine.Model,
		"messages":   turns,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	applyParams(payload, opts.Params)

	body, err := json.Marshal(payload)
	if err != nil {
		result.Error = errException(err)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	hoppedCtx, hop := loopguard.NextHop(callCtx)

	url := engine.Endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(hoppedCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = errException(err)
		return result
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set(loopguard.HeaderName, strconv.Itoa(hop))

	authErr := a.secret.Use(func(apiKey string) error {
		httpReq.Header.Set("x-api-key", strings.Clone(apiKey))
		return nil
	})
	if authErr != nil {
		result.Error = errException(authErr)
		return result
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil || callCtx.Err() != nil {
			result.Error = errTimeout(registry.FamilyAnthropic)
		} else {
			result.Error = errException(err)
		}
		return result
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = errException(err)
		return result
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Error = errHTTPStatus(registry.FamilyAnthropic, resp.StatusCode)
		return result
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		result.Error = errException(fmt.Errorf("decoding anthropic response: %w", err))
		return result
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		result.Error = errEmptyResponse(registry.FamilyAnthropic)
		return result
	}

	result.Response = text
	result.InputTokens = parsed.Usage.InputTokens
	result.OutputTokens = parsed.Usage.OutputTokens
	result.CostUSDEstimated = EstimateCost(result.InputTokens, result.OutputTokens, engine.CostFactor)
	result.Success = true
	return result
}
