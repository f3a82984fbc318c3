package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-governor/internal/cost"
	"github.com/vnmchuo/llm-governor/internal/provider"
)

// ErrorCode is the machine-readable failure class surfaced to callers.
// Raw transport errors never cross the client boundary.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeBudgetExceeded  ErrorCode = "BUDGET_EXCEEDED"
	CodeNetwork         ErrorCode = "NETWORK"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAPIError        ErrorCode = "API_ERROR"
	CodeInvalidKey      ErrorCode = "INVALID_KEY"
	CodeUnknown         ErrorCode = "UNKNOWN"
)

type CoreError struct {
	Code    ErrorCode
	Message string
	err     error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.err
}

func coreErr(code ErrorCode, msg string, err error) *CoreError {
	return &CoreError{Code: code, Message: msg, err: err}
}

// classify maps a transport-layer error to the taxonomy.
func classify(err error) *CoreError {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return coreErr(CodeInvalidKey, "the configured API key was rejected", err)
		case apiErr.Status == http.StatusTooManyRequests:
			return coreErr(CodeRateLimit, "the upstream provider is rate limiting requests", err)
		default:
			return coreErr(CodeAPIError, fmt.Sprintf("the upstream provider returned status %d", apiErr.Status), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return coreErr(CodeTimeout, "the request timed out", err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return coreErr(CodeNetwork, "the upstream provider is temporarily unavailable", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return coreErr(CodeNetwork, "could not reach the upstream provider", err)
	}
	if errors.Is(err, cost.ErrInvalidArgument) {
		return coreErr(CodeInvalidArgument, err.Error(), err)
	}

	return coreErr(CodeUnknown, "the request failed unexpectedly", err)
}

// retryable reports whether a failure class may be retried. Timeouts are
// governed separately by the timeout controller.
func retryable(code ErrorCode) bool {
	return code == CodeNetwork || code == CodeRateLimit
}
