package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
)

// ProviderError is a failed delivery attempt as reported by a channel.
// Transient failures are retried; anything else is dead-lettered.
type ProviderError struct {
	Channel    domain.Channel
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Channel != "" {
		b.WriteString(strings.ToLower(e.Channel.String()))
		b.WriteString(" provider")
	} else {
		b.WriteString("provider error")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a failed send may succeed on a later attempt.
// Timeouts and network failures are transient; a cancelled dispatch is not a
// provider verdict and is never counted as one.
func IsTransient(err error) bool {
	var (
		providerErr *ProviderError
		netErr      net.Error
	)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &providerErr):
		return providerErr.Transient
	case errors.As(err, &netErr):
		return true
	default:
		return false
	}
}

// Cause returns the text stored as last_error and in the attempt log.
func Cause(err error) string {
	var providerErr *ProviderError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &providerErr):
		return providerErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "provider call timed out"
	default:
		return err.Error()
	}
}
