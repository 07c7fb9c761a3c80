package provider

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
)

// Provider is the outbound notification delivery port.
type Provider interface {
	Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Router sends each notification through the provider registered for its channel.
type Router map[domain.Channel]Provider

func (r Router) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	p, ok := r[notification.Channel]
	if !ok || p == nil {
		return nil, &ProviderError{
			Message:   fmt.Sprintf("no provider configured for channel %s", notification.Channel),
			Transient: false,
		}
	}
	return p.Send(ctx, notification)
}

// checkNotification rejects notifications that no retry could ever deliver.
func checkNotification(n domain.Notification) error {
	if err := n.Validate(); err != nil {
		return &ProviderError{Message: "invalid notification", Cause: err}
	}
	if err := n.ValidateRecipient(); err != nil {
		return &ProviderError{Message: "malformed recipient", Cause: err}
	}
	return nil
}
