package email

import (
	"context"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// ResendTransport delivers mail through the Resend HTTP API.
type ResendTransport struct {
	client *resend.Client
	from   string
}

// NewResendTransport builds a transport for apiKey. baseURL overrides the
// API endpoint and may be empty.
func NewResendTransport(apiKey, from, fromName, baseURL string) (*ResendTransport, error) {
	client := resend.NewClient(apiKey)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse resend url: %w", err)
		}
		client.BaseURL = parsed
	}
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, from)
	}
	return &ResendTransport{client: client, from: from}, nil
}

func (t *ResendTransport) IsConfigured() bool {
	return t.client.ApiKey != ""
}

func (t *ResendTransport) Send(ctx context.Context, msg Message) error {
	if !t.IsConfigured() {
		return ErrNotConfigured
	}
	_, err := t.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    t.from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
