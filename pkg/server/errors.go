package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prompt2frame/framegate/pkg/coordinator"
	"github.com/prompt2frame/framegate/pkg/models"
)

// apiError is the body of every error response.
type apiError struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Suggestion    string `json:"suggestion,omitempty"`
	CorrelationID string `json:"correlation_id"`
	RetryAfter    int    `json:"retry_after,omitempty"`
}

// describeError maps a coordinator error onto a status code and body.
func describeError(err error) (int, apiError) {
	var retry time.Duration
	var ce *coordinator.Error
	if errors.As(err, &ce) {
		retry = ce.RetryAfter
	}

	switch {
	case errors.Is(err, coordinator.ErrRateLimited):
		return http.StatusTooManyRequests, apiError{
			Type:       "rate_limited",
			Message:    "too many requests",
			Suggestion: "Wait before sending another request.",
			RetryAfter: retrySeconds(retry),
		}
	case errors.Is(err, coordinator.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, apiError{
			Type:       "service_unavailable",
			Message:    "code generation is temporarily unavailable",
			Suggestion: "Please try again in a few moments.",
			RetryAfter: retrySeconds(retry),
		}
	case errors.Is(err, coordinator.ErrInvalidRequest):
		msg := "invalid request"
		if ce != nil && ce.Err != nil {
			msg = ce.Err.Error()
		}
		return http.StatusBadRequest, apiError{
			Type:       "invalid_request",
			Message:    msg,
			Suggestion: "Describe a visual animation in 3 to 500 characters.",
		}
	case errors.Is(err, coordinator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiError{
			Type:       "timeout",
			Message:    "generation timed out",
			Suggestion: "Try a simpler, more direct description.",
		}
	case errors.Is(err, coordinator.ErrGenerationFailed):
		return http.StatusBadGateway, apiError{
			Type:       "generation_failed",
			Message:    "could not generate an animation script",
			Suggestion: "Try rephrasing the prompt.",
		}
	case errors.Is(err, coordinator.ErrRenderFailed):
		return http.StatusBadGateway, apiError{
			Type:       "render_failed",
			Message:    "could not render the animation",
			Suggestion: "Try a simpler animation with fewer objects.",
		}
	default:
		return http.StatusInternalServerError, apiError{
			Type:       "internal_error",
			Message:    "internal error",
			Suggestion: "Please try again in a few moments.",
		}
	}
}

func outcomeOf(err error) models.Outcome {
	switch {
	case errors.Is(err, coordinator.ErrRateLimited):
		return models.OutcomeRateLimited
	case errors.Is(err, coordinator.ErrServiceUnavailable):
		return models.OutcomeServiceUnavailable
	case errors.Is(err, coordinator.ErrInvalidRequest):
		return models.OutcomeInvalid
	case errors.Is(err, coordinator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeTimeout
	case errors.Is(err, coordinator.ErrGenerationFailed):
		return models.OutcomeGenerationFailed
	case errors.Is(err, coordinator.ErrRenderFailed):
		return models.OutcomeRenderFailed
	default:
		return models.OutcomeError
	}
}

// retrySeconds rounds d up to whole seconds, at least 1.
func retrySeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(retrySeconds(d))
}

func writeJSONError(w http.ResponseWriter, r *http.Request, code int, e apiError) {
	e.CorrelationID = CorrelationID(r.Context())
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Error apiError `json:"error"`
	}{e})
}
