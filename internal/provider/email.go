package provider

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the relay used for e-mail delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// maxSMTPInFlight caps relay calls that may still be running, including
// ones abandoned after a timeout.
const maxSMTPInFlight = 8

// EmailProvider sends e-mail notifications through an SMTP relay.
type EmailProvider struct {
	dialer   mailSender
	from     string
	inflight chan struct{}
}

func NewEmailProvider(cfg SMTPConfig) (*EmailProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	return newEmailProvider(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg.From, maxSMTPInFlight), nil
}

func newEmailProvider(dialer mailSender, from string, maxInFlight int) *EmailProvider {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &EmailProvider{dialer: dialer, from: from, inflight: make(chan struct{}, maxInFlight)}
}

// Send dials the relay per message. gomail has no context support and sets no
// read or write deadline, so a hung call is abandoned when ctx ends and keeps
// its in-flight slot until the relay answers. With every slot held, Send fails
// transiently without dialing.
func (p *EmailProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	if p == nil || p.dialer == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification.Channel != domain.ChannelEmail {
		return nil, &ProviderError{Channel: domain.ChannelEmail, Message: fmt.Sprintf("cannot send %s", notification.Channel)}
	}
	if err := checkNotification(notification); err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", p.from)
	m.SetHeader("To", notification.Recipient)
	m.SetHeader("Subject", notification.Subject)
	m.SetHeader("X-Priority", mailPriority(notification.Priority))
	if notification.CorrelationID != "" {
		m.SetHeader("X-Correlation-ID", notification.CorrelationID)
	}
	m.SetBody("text/plain", notification.Body)

	select {
	case p.inflight <- struct{}{}:
	default:
		return nil, &ProviderError{
			Channel:   domain.ChannelEmail,
			Message:   "smtp relay saturated",
			Transient: true,
		}
	}

	done := make(chan error, 1)
	go func() {
		err := p.dialer.DialAndSend(m)
		<-p.inflight
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, &ProviderError{
			Channel:   domain.ChannelEmail,
			Message:   "smtp delivery did not complete",
			Transient: !errors.Is(ctx.Err(), context.Canceled),
			Cause:     ctx.Err(),
		}
	case err := <-done:
		if err != nil {
			return nil, classifySMTPError(err)
		}
	}

	return &ProviderResponse{StatusCode: 250}, nil
}

// classifySMTPError treats 4xx replies as transient and 5xx replies as permanent.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &ProviderError{
			Channel:    domain.ChannelEmail,
			StatusCode: tpErr.Code,
			Message:    "smtp relay rejected message",
			Transient:  tpErr.Code >= 400 && tpErr.Code < 500,
			Cause:      err,
		}
	}
	return &ProviderError{
		Channel:   domain.ChannelEmail,
		Message:   "smtp delivery failed",
		Transient: true,
		Cause:     err,
	}
}

func mailPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityUrgente:
		return "1"
	case domain.PriorityHaute:
		return "2"
	default:
		return "3"
	}
}
