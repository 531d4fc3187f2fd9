package githubclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/devtrack/prmirror/pkg/ratelimit"
)

// The error taxonomy the rest of the pipeline dispatches on:
//
//	401                          -> AuthError        (fatal to the run)
//	403 + zero remaining quota   -> RateLimitError   (retryable, carries reset)
//	404                          -> NotFoundError    (fatal to the PR, not the run)
//	other non-2xx / transport    -> TransportError   (retryable with backoff)
//	bad payload                  -> ValidationError  (not retried)

// AuthError means the credential was rejected. Nothing downstream can
// succeed, so it is never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github authentication failed: %s", e.Message)
}

func (e *AuthError) Retryable() bool { return false }

// RateLimitError means the pool ran out of quota. It carries the reset
// instant so the scheduler can force-wait instead of hammering.
type RateLimitError struct {
	Pool    ratelimit.Pool
	ResetAt time.Time
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limit exhausted for pool %s (resets %s): %s", e.Pool, e.ResetAt.Format(time.RFC3339), e.Message)
}

func (e *RateLimitError) Retryable() bool { return true }

// RateLimitReset exposes the reset instant to layers that only know
// about errors, not about this package.
func (e *RateLimitError) RateLimitReset() time.Time { return e.ResetAt }

// NotFoundError means the requested object does not exist upstream.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("github resource not found: %s", e.Resource)
}

func (e *NotFoundError) Retryable() bool { return false }

// TransportError covers everything transient: network failures,
// timeouts, 5xx, unexpected statuses.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("github request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("github request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Retryable() bool { return true }

// ValidationError marks a payload the transform refused to accept.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pull request payload: %s", e.Message)
}

func (e *ValidationError) Retryable() bool { return false }

// mapError folds a go-github error and its response into the taxonomy
// above. A nil error maps to nil.
func mapError(resource string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &RateLimitError{
			Pool:    ratelimit.PoolCore,
			ResetAt: rateErr.Rate.Reset.Time,
			Message: rateErr.Message,
		}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retryAfter := time.Minute
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		return &RateLimitError{
			Pool:    ratelimit.PoolCore,
			ResetAt: time.Now().Add(retryAfter),
			Message: abuseErr.Message,
		}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return &AuthError{Message: respErr.Message}
		case http.StatusNotFound:
			return &NotFoundError{Resource: resource}
		case http.StatusForbidden:
			if reset, exhausted := zeroRemaining(respErr.Response.Header); exhausted {
				return &RateLimitError{Pool: ratelimit.PoolCore, ResetAt: reset, Message: respErr.Message}
			}
			return &TransportError{StatusCode: http.StatusForbidden, Err: err}
		default:
			return &TransportError{StatusCode: respErr.Response.StatusCode, Err: err}
		}
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	return &TransportError{StatusCode: status, Err: err}
}

// zeroRemaining reports whether the headers describe an exhausted
// pool, and if so when it resets.
func zeroRemaining(h http.Header) (time.Time, bool) {
	if h.Get("X-RateLimit-Remaining") != "0" {
		return time.Time{}, false
	}
	reset := time.Now().Add(time.Minute)
	if raw := h.Get("X-RateLimit-Reset"); raw != "" {
		var epoch int64
		if _, err := fmt.Sscanf(raw, "%d", &epoch); err == nil && epoch > 0 {
			reset = time.Unix(epoch, 0).UTC()
		}
	}
	return reset, true
}
