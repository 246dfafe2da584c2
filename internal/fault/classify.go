package fault

import (
	"context"
	"errors"
	"strings"
)

// ProviderStatusError is implemented by provider errors that expose an
// HTTP-style status code. The gateway uses it for classification without
// depending on any concrete provider client.
type ProviderStatusError interface {
	error
	StatusCode() int
}

// ClassifyProvider maps an arbitrary provider error into the taxonomy.
// Status codes take precedence; otherwise a small set of well-known
// substrings is used as a fallback for clients that flatten errors to text.
func ClassifyProvider(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, op, err)
	}

	var se ProviderStatusError
	if errors.As(err, &se) {
		return Wrap(kindForStatus(se.StatusCode()), op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "temporarily unavailable"):
		return Wrap(KindProviderRetryable, op, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "content policy"), strings.Contains(msg, "invalid request"):
		return Wrap(KindProviderTerminal, op, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return Wrap(KindTimeout, op, err)
	}
	return Wrap(KindProviderRetryable, op, err)
}

func kindForStatus(status int) Kind {
	switch {
	case status == 429:
		return KindProviderRetryable
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindProviderRetryable
	case status == 401 || status == 403:
		return KindProviderTerminal
	case status >= 400:
		return KindProviderTerminal
	default:
		return KindInternal
	}
}
