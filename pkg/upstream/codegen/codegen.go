// Package codegen talks to an OpenAI-compatible chat completion API to turn
// prompts into animation scripts.
package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/upstream"
)

const serviceName = "codegen"

// DefaultSystemPrompt instructs the model to answer with a single runnable
// scene and nothing else.
const DefaultSystemPrompt = `You write Python code for 2D Manim animations (Manim v0.17.3 or later).
Answer with code only: no explanations, no markdown.
Start with exactly these imports and no others:

from manim import *
import random
import numpy as np

Then define exactly one Scene subclass with a single construct(self) method that animates the user's request.
Rules:
- Indent with 4 spaces.
- Use 2D primitives only (Circle, Square, Triangle, Line, Dot, Rectangle, Text).
- Position with shift, move_to or next_to; keep x in [-6, 6] and y in [-4, 4]; use np.array([x, y, 0]) for points.
- Animate with Create, Transform, ReplacementTransform, FadeIn, FadeOut or .animate, each play call with run_time between 0.5 and 2.0.
- At most 8 objects and 6 animations; total runtime 5 to 8 seconds.
- Use only the colors RED, BLUE, GREEN, YELLOW, PURPLE, ORANGE, WHITE.
- End construct with self.wait(1).
- Never read or write files, open network connections, or run processes.`

// ErrEmptyResponse is returned when the service answers without any content.
var ErrEmptyResponse = errors.New("codegen: empty response")

// Client implements coordinator.ScriptGenerator.
type Client struct {
	baseURL      string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(cl *Client) { cl.systemPrompt = p }
}

// New creates a client for the API rooted at baseURL, e.g.
// https://api.groq.com/openai/v1.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		systemPrompt: DefaultSystemPrompt,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateScript asks the model for a script implementing prompt and returns
// its raw answer, which may still be wrapped in markdown fences.
func (c *Client) GenerateScript(ctx context.Context, prompt string, params models.GenerateParams) (string, error) {
	temp := params.Temperature
	body, err := json.Marshal(chatRequest{
		Model: params.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("codegen: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("codegen: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("codegen: request: %w", err)
	}
	if err := upstream.CheckResponse(serviceName, resp); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("codegen: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
