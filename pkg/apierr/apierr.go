// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeLockedOut           = "locked_out"
	CodeCircuitOpen         = "circuit_open"
	CodeNoAvailableProvider = "no_available_provider"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
)

// DefaultRetryAfter is sent with a 429 when the cause carries no hint.
const DefaultRetryAfter = 60 * time.Second

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteRetryAfter is Write plus a Retry-After header. A non-positive
// retryAfter omits the header.
func WriteRetryAfter(ctx *fasthttp.RequestCtx, status int, retryAfter time.Duration, message, errType, code string) {
	if retryAfter > 0 {
		ctx.Response.Header.Set("Retry-After", RetryAfterSeconds(retryAfter))
	}
	Write(ctx, status, message, errType, code)
}

// RetryAfterSeconds renders d as whole seconds, rounded up, at least 1.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429             → 429 + Retry-After (hint, else 60s)
//	Provider 400/404/413/422 → 400, the upstream rejected the input
//	Provider 504 / timeout   → 504
//	Provider 5xx             → 502
//	Default                  → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, retryAfter time.Duration, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = DefaultRetryAfter
		}
		WriteRetryAfter(ctx, fasthttp.StatusTooManyRequests, retryAfter, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus == fasthttp.StatusBadRequest,
		providerStatus == fasthttp.StatusNotFound,
		providerStatus == fasthttp.StatusRequestEntityTooLarge,
		providerStatus == fasthttp.StatusUnprocessableEntity:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
	case providerStatus == fasthttp.StatusGatewayTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeProviderError, CodeRequestTimeout)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	WriteRetryAfter(ctx, fasthttp.StatusTooManyRequests, retryAfter, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteBadRequest writes a 400 for malformed client input.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUnauthorized writes a 401 for a missing or unknown API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set("WWW-Authenticate", "Bearer")
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteLockedOut writes a 403 for a locked IP or API key.
func WriteLockedOut(ctx *fasthttp.RequestCtx, msg string, retryAfter time.Duration) {
	WriteRetryAfter(ctx, fasthttp.StatusForbidden, retryAfter, msg, TypePermissionErr, CodeLockedOut)
}

// WriteNotFound writes a 404.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFound, CodeNotFound)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}
