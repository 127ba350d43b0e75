package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is returned by adapters that talk to upstreams over plain HTTP.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retry      time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements RetryAfterer.
func (e *HTTPError) RetryAfter() time.Duration { return e.Retry }

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ReadHTTPError builds an HTTPError from a non-2xx response. It understands
// the common {"error":{"message","type","code"}} and {"error":"..."} shapes.
func ReadHTTPError(provider string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &HTTPError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       provider + "_error",
		Retry:      ParseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return e
	}
	var detail struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	}
	if json.Unmarshal(env.Error, &detail) == nil && detail.Message != "" {
		e.Message = detail.Message
		if detail.Type != "" {
			e.Type = detail.Type
		}
		if detail.Code != nil {
			e.Code = fmt.Sprint(detail.Code)
		}
		return e
	}
	var msg string
	if json.Unmarshal(env.Error, &msg) == nil && msg != "" {
		e.Message = msg
	}
	return e
}
