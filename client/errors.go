package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter applies when a busy response carries no hint.
const DefaultRetryAfter = 10 * time.Second

var ErrNetwork = errors.New("network error")

// ServerError is a non-2xx response, or a 2xx whose body could not be
// read. Detail is the server's message when it sent one.
type ServerError struct {
	Status int
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error %d", e.Status)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Detail)
}

// BusyError is an overload or rate-limit rejection (503 / 429).
type BusyError struct {
	Status     int
	RetryAfter time.Duration
	Detail     string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("server busy (%d), retry in %s", e.Status, e.RetryAfter)
}

type errorBody struct {
	Detail     json.RawMessage `json:"detail"`
	RetryAfter int             `json:"retry_after"`
}

// detail extracts a readable message from a FastAPI error body. A
// validation error list is flattened to its messages.
func (b errorBody) detail() string {
	if len(b.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(b.Detail, &s) == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(b.Detail, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return string(b.Detail)
}

func parseRetryAfter(h http.Header, body errorBody, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter) * time.Second
	}
	return DefaultRetryAfter
}

func responseError(resp *TracedResponse, now time.Time) error {
	var body errorBody
	if json.Unmarshal(resp.Body, &body) != nil {
		body = errorBody{}
	}
	detail := body.detail()
	if detail == "" && len(resp.Body) > 0 && len(resp.Body) < 512 && !strings.HasPrefix(strings.TrimSpace(string(resp.Body)), "<") {
		detail = strings.TrimSpace(string(resp.Body))
	}

	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return &BusyError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header, body, now),
			Detail:     detail,
		}
	}
	return &ServerError{Status: resp.StatusCode, Detail: detail}
}
