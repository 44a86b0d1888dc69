// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// OpenAI-Compatible Wire Types
// =============================================================================
//
// Local inference servers (llama.cpp's llama-server and compatible) expose
// the OpenAI Chat Completions shape on /v1/chat/completions. We speak it
// with raw net/http; no SDK.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Call Errors
// =============================================================================

// ErrorKind classifies a Call failure for the error taxonomy.
type ErrorKind string

const (
	ErrNotRunning  ErrorKind = "NOT_RUNNING"
	ErrNotReady    ErrorKind = "NOT_READY"
	ErrHTTP        ErrorKind = "HTTP_ERROR"
	ErrTimeout     ErrorKind = "TIMEOUT"
	ErrDecode      ErrorKind = "DECODE_ERROR"
	ErrStartup     ErrorKind = "STARTUP_TIMEOUT"
)

// CallError is a classified inference call failure.
type CallError struct {
	Kind    ErrorKind
	ModelID string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: model %s: %v", e.Kind, e.ModelID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error chain; empty when the error
// is not a CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// =============================================================================
// Chat Call
// =============================================================================

// CallResult is a successful generation.
type CallResult struct {
	Text            string
	TokensGenerated int
	Duration        time.Duration
}

// chatCall POSTs one single-user-message completion to the server at
// host:port and classifies failures. The context carries cancellation; the
// timeout is applied on top of it.
func chatCall(ctx context.Context, client *http.Client, host string, port int,
	modelID, prompt string, maxTokens int, temperature float64, timeout time.Duration) (CallResult, error) {

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload := chatRequest{
		Model:       modelID,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CallResult{}, &CallError{Kind: ErrDecode, ModelID: modelID, Err: err}
	}
	url := fmt.Sprintf("http://%s:%d/v1/chat/completions", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CallResult{}, &CallError{Kind: ErrHTTP, ModelID: modelID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		kind := ErrHTTP
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		return CallResult{}, &CallError{Kind: kind, ModelID: modelID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return CallResult{}, &CallError{
			Kind:    ErrHTTP,
			ModelID: modelID,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, raw),
		}
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return CallResult{}, &CallError{Kind: ErrDecode, ModelID: modelID, Err: err}
	}
	if parsed.Error != nil {
		return CallResult{}, &CallError{
			Kind:    ErrHTTP,
			ModelID: modelID,
			Err:     fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message),
		}
	}
	if len(parsed.Choices) == 0 {
		return CallResult{}, &CallError{
			Kind:    ErrDecode,
			ModelID: modelID,
			Err:     errors.New("response contained no choices"),
		}
	}
	return CallResult{
		Text:            parsed.Choices[0].Message.Content,
		TokensGenerated: parsed.Usage.CompletionTokens,
		Duration:        time.Since(start),
	}, nil
}
