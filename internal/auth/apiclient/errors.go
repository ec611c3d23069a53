package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	dErrors "advisor/pkg/domain-errors"
)

// MsgBackendUnavailable is what callers see for connectivity failures.
const MsgBackendUnavailable = "backend not available"

// errorBody covers FastAPI's {"detail": "..."} and {"detail": [{"msg": ...}]}
// plus a plain {"message": "..."}.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// DetailMessage extracts the server's error message, or "" if none.
func DetailMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if len(eb.Detail) > 0 {
		var s string
		if err := json.Unmarshal(eb.Detail, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(eb.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return strings.TrimSpace(eb.Message)
}

// ErrorFromResponse maps a non-2xx response to a coded error whose message
// is the server's detail, or fallback when the body has none.
func ErrorFromResponse(status int, body []byte, fallback string) error {
	msg := DetailMessage(body)
	if msg == "" {
		msg = fallback
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return dErrors.New(dErrors.CodeUnauthorized, msg)
	case http.StatusForbidden:
		return dErrors.New(dErrors.CodeForbidden, msg)
	case http.StatusTooManyRequests:
		return dErrors.New(dErrors.CodeRateLimited, msg)
	default:
		if isGatewayStatus(status) {
			return dErrors.New(dErrors.CodeUnavailable, MsgBackendUnavailable)
		}
		return dErrors.New(dErrors.CodeRejected, msg)
	}
}

// TransportError classifies an error returned by http.Client.Do.
func TransportError(ctx context.Context, err error) error {
	return transportError(ctx, err)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return dErrors.Wrap(err, dErrors.CodeCancelled, "request cancelled")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "request timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, MsgBackendUnavailable)
}

// IsTransportUnavailable reports connectivity-class failures, timeouts
// included.
func IsTransportUnavailable(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeUnavailable) || dErrors.HasCode(err, dErrors.CodeTimeout)
}

func IsUnauthorized(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeUnauthorized)
}

// isAlreadyVerified recognises the server's "User already verified" reply.
func isAlreadyVerified(detail string) bool {
	return strings.Contains(strings.ToLower(detail), "already verified")
}
