package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Sentinel errors for the pipeline error taxonomy.
var (
	// ErrPolicy marks a URL that robots policy (or its absence) forbids.
	ErrPolicy = errors.New("disallowed by robots policy")
	// ErrClassification marks a scorer failure; the page is treated as irrelevant.
	ErrClassification = errors.New("classification failed")
	// ErrExtraction marks a malformed candidate block that was dropped.
	ErrExtraction = errors.New("extraction failed")
	// ErrPersistence marks a store or ledger write failure. It is fatal to a run.
	ErrPersistence = errors.New("persistence failed")
)

// FetchErrorKind separates retryable fetch failures from final ones.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient FetchErrorKind = "transient"
	FetchPermanent FetchErrorKind = "permanent"
)

// FetchError describes a failed fetch attempt.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch error for %s: status %d", e.Kind, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s fetch error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the attempt may be retried.
func (e *FetchError) Transient() bool {
	return e != nil && e.Kind == FetchTransient
}

// IsTransient reports whether err wraps a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient()
}

// StatusError converts a non-2xx status into a FetchError. It returns nil for
// success codes.
func StatusError(rawURL string, code int) *FetchError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return &FetchError{Kind: FetchTransient, URL: rawURL, StatusCode: code}
	default:
		return &FetchError{Kind: FetchPermanent, URL: rawURL, StatusCode: code}
	}
}

// ClassifyError wraps a transport error in a FetchError of the right kind.
// Timeouts, resets and truncated bodies are transient; DNS failures and
// caller cancellation are permanent. Unknown errors are retried.
func ClassifyError(rawURL string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := FetchTransient
	var (
		netErr net.Error
		dnsErr *net.DNSError
	)
	switch {
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			kind = FetchTransient
		} else {
			kind = FetchPermanent
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = FetchTransient
	case errors.Is(err, context.Canceled):
		kind = FetchPermanent
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		kind = FetchTransient
	}
	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}
