package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type smsRequest struct {
	To       string `json:"to"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
}

// SMSWebhookProvider hands SMS notifications to an HTTP gateway.
type SMSWebhookProvider struct {
	client   *resty.Client
	endpoint string
}

func NewSMSWebhookProvider(endpoint string, timeout time.Duration) (*SMSWebhookProvider, error) {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)

	return NewSMSWebhookProviderWithClient(endpoint, client)
}

func NewSMSWebhookProviderWithClient(endpoint string, client *resty.Client) (*SMSWebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries belong to the retry scheduler.
	client.SetRetryCount(0)

	return &SMSWebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *SMSWebhookProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification.Channel != domain.ChannelSMS {
		return nil, &ProviderError{Channel: domain.ChannelSMS, Message: fmt.Sprintf("cannot send %s", notification.Channel)}
	}
	if err := checkNotification(notification); err != nil {
		return nil, err
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Correlation-ID", notification.CorrelationID).
		SetBody(smsRequest{
			To:       notification.Recipient,
			Content:  notification.Body,
			Type:     notification.Type.String(),
			Priority: notification.Priority.String(),
		}).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Channel:   domain.ChannelSMS,
			Message:   "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Channel:   domain.ChannelSMS,
			Message:   "webhook returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		Channel:    domain.ChannelSMS,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	for _, key := range []string{"X-Request-ID", "X-Message-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}
