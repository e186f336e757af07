package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets upstream failures for callers that pick handling by class.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
)

// ErrDailyQuota is returned before a request is attempted once the rolling
// daily ceiling for the scope is spent.
var ErrDailyQuota = errors.New("crm: daily request quota exhausted")

// APIError is the terminal failure of one upstream call after retries.
// StatusCode is 0 when the transport never produced a response.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("crm: request failed: %v", e.Err)
	}
	return fmt.Sprintf("crm: upstream returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Kind() Kind {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return KindAuthentication
	case e.StatusCode == http.StatusForbidden:
		return KindAuthorization
	case e.StatusCode == 0, e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Retryable reports whether the failure class may clear up on its own.
func (e *APIError) Retryable() bool { return e.Kind() == KindTransient }
