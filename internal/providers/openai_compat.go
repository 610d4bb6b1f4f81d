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
	"time"

	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/loopguard"
	"github.com/iNandix/denis/internal/registry"
)

// openAICompatAdapter talks to any backend exposing an OpenAI-compatible
// /v1/chat/completions endpoint: llama.cpp's server, vLLM, Groq,
// OpenRouter, and Perplexity all qualify. Only the auth header and whether
// a key is required differ between families; those are captured in
// authMode at construction.
type openAICompatAdapter struct {
	family   registry.ProviderFamily
	client   *http.Client
	secret   Secret
	authMode authMode
}

// authMode controls how (or whether) the adapter authenticates.
type authMode int

const (
	// authNone is for engines with no credential, typically local servers
	// like llama.cpp/vLLM running unauthenticated.
	authNone authMode = iota
	// authBearer sends "Authorization: Bearer <key>", required.
	authBearer
)

// NewOpenAICompatAdapter constructs an adapter for one OpenAI-compatible
// family. secret is ignored when mode is authNone.
func NewOpenAICompatAdapter(family registry.ProviderFamily, secret Secret, mode authMode) Adapter {
	return &openAICompatAdapter{
		family:   family,
		client:   &http.Client{},
		secret:   secret,
		authMode: mode,
	}
}

func (a *openAICompatAdapter) ProviderName() registry.ProviderFamily { return a.family }

func (a *openAICompatAdapter) IsAvailable() bool {
	if a.authMode == authNone {
		return true
	}
	return a.secret.IsSet()
}

func (a *openAICompatAdapter) EstimateCost(inputTokens, outputTokens int, costFactor float64) float64 {
	return EstimateCost(inputTokens, outputTokens, costFactor)
}

type oaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *openAICompatAdapter) Chat(ctx context.Context, engine registry.Engine, messages []datatypes.Message, timeout time.Duration, opts ChatOptions) ProviderCallResult {
	result := ProviderCallResult{ProviderFamily: a.family, EngineID: engine.EngineID, Model: engine.Model}

	reqMessages := make([]oaChatMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, oaChatMessage{Role: string(m.Role), Content: m.Content})
	}

	// Base fields first, then the merged params overlaid on top, so a plan
	// or engine param reaches the wire and wins over the defaults here.
	payload := map[string]any{
		"model":    engine.Model,
		"messages": reqMessages,
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
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

	url := engine.Endpoint + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(hoppedCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = errException(err)
		return result
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(loopguard.HeaderName, strconv.Itoa(hop))

	var authErr error
	if a.authMode == authBearer {
		authErr = a.secret.Use(func(apiKey string) error {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
			return nil
		})
	}
	if authErr != nil {
		result.Error = errException(authErr)
		return result
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil || callCtx.Err() != nil {
			result.Error = errTimeout(a.family)
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
		result.Error = errHTTPStatus(a.family, resp.StatusCode)
		return result
	}

	var parsed oaChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		result.Error = errException(fmt.Errorf("decoding %s response: %w", a.family, err))
		return result
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		result.Error = errEmptyResponse(a.family)
		return result
	}

	result.Response = parsed.Choices[0].Message.Content
	result.InputTokens = parsed.Usage.PromptTokens
	result.OutputTokens = parsed.Usage.CompletionTokens
	result.CostUSDEstimated = EstimateCost(result.InputTokens, result.OutputTokens, engine.CostFactor)
	result.Success = true
	return result
}
