package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/upstream"
)

func TestGenerateScript(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  from manim import *\n"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "sk-test")
	script, err := c.GenerateScript(context.Background(), "a red circle", models.GenerateParams{
		Model:       "llama3-70b-8192",
		Temperature: 0.2,
		MaxTokens:   2000,
	})
	require.NoError(t, err)
	assert.Equal(t, "from manim import *", script)

	assert.Equal(t, "llama3-70b-8192", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, got.Messages[0].Content)
	assert.Equal(t, chatMessage{Role: "user", Content: "a red circle"}, got.Messages[1])
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	assert.Equal(t, 2000, got.MaxTokens)
}

func TestGenerateScriptSystemPromptOption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", WithSystemPrompt("be brief")).GenerateScript(context.Background(), "p", models.GenerateParams{})
	require.NoError(t, err)
}

func TestGenerateScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, err error) {
				var se *upstream.StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadGateway, se.StatusCode)
				assert.Equal(t, "upstream down", se.Body)
				assert.True(t, se.Temporary())
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var se *upstream.StatusError
				require.ErrorAs(t, err, &se)
				assert.False(t, se.Temporary())
			},
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyResponse)
			},
		},
		{
			name:   "blank content",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":"   "}}]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyResponse)
			},
		},
		{
			name:   "bad json",
			status: http.StatusOK,
			body:   `{`,
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "decode response")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "k").GenerateScript(context.Background(), "p", models.GenerateParams{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGenerateScriptHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "k").GenerateScript(ctx, "p", models.GenerateParams{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
