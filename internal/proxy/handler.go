package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-governor/internal/client"
	"github.com/vnmchuo/llm-governor/internal/cost"
	"github.com/vnmchuo/llm-governor/internal/identity"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/pkg/ratelimit"
)

type chatRequest struct {
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type Handler struct {
	client   *client.Client
	guardian *cost.Guardian
	limiter  *ratelimit.Limiter // nil when redis is not configured
	tracer   trace.Tracer
}

func NewHandler(c *client.Client, guardian *cost.Guardian, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		client:   c,
		guardian: guardian,
		limiter:  limiter,
		tracer:   tracer,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	userID, requestID, req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	outcome, err := h.client.Chat(r.Context(), req.Messages, req.Model, client.Options{
		UserID:             userID,
		RequestID:          requestID,
		RequestedMaxTokens: req.MaxTokens,
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     requestID,
		"object": "chat.completion",
		"model":  outcome.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": outcome.Text,
				},
				"finish_reason": outcome.FinishReason,
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     outcome.Estimate.InputTokens,
			"completion_tokens": outcome.Estimate.OutputTokens,
			"total_tokens":      outcome.Estimate.InputTokens + outcome.Estimate.OutputTokens,
			"total_cost_usd":    outcome.Estimate.TotalCost,
		},
		"continued":  outcome.Continued,
		"latency_ms": outcome.LatencyMs,
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	userID, requestID, req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, err = h.client.Chat(r.Context(), req.Messages, req.Model, client.Options{
		UserID:             userID,
		RequestID:          requestID,
		RequestedMaxTokens: req.MaxTokens,
		OnDelta: func(delta string) {
			content, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s},\"index\":0}]}\n\n", content)
			flusher.Flush()
		},
	})
	if err != nil {
		var cerr *client.CoreError
		msg := "stream failed"
		if errors.As(err, &cerr) {
			msg = cerr.Message
		}
		fmt.Fprintf(w, "event: error\ndata: {\"error\": %q}\n\n", msg)
		flusher.Flush()
		return
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	userID := identity.GetUserID(r.Context())
	if userID == "" {
		userID = identity.AnonymousUser
	}

	status := h.guardian.Status(userID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.client.GetPerformanceStats())
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *chatRequest, error) {
	ctx := r.Context()
	userID := identity.GetUserID(ctx)
	if userID == "" {
		userID = identity.AnonymousUser
	}

	requestID := identity.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", "", nil, err
	}

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	if h.limiter != nil {
		estimatedTokens := req.MaxTokens
		if estimatedTokens <= 0 {
			estimatedTokens = 1000
		}
		allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
		if err != nil || !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return "", "", nil, fmt.Errorf("rate limit exceeded")
		}
	}

	return userID, requestID, &req, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeCoreError maps the client's failure taxonomy to HTTP statuses.
func writeCoreError(w http.ResponseWriter, err error) {
	var cerr *client.CoreError
	if !errors.As(err, &cerr) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch cerr.Code {
	case client.CodeInvalidArgument:
		status = http.StatusBadRequest
	case client.CodeBudgetExceeded:
		status = http.StatusPaymentRequired
	case client.CodeRateLimit:
		status = http.StatusTooManyRequests
	case client.CodeTimeout:
		status = http.StatusGatewayTimeout
	case client.CodeInvalidKey:
		status = http.StatusUnauthorized
	case client.CodeNetwork, client.CodeAPIError:
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(cerr.Code),
		"error": cerr.Message,
	})
}
