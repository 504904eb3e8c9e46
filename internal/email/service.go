// Package email renders transactional mail and hands it to a transport
// (Resend or SMTP).
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Message is a rendered email ready for delivery.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers a rendered message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	IsConfigured() bool
}

// Data is the view model shared by every template.
type Data struct {
	Title      string
	AppName    string
	Footer     string
	UserName   string
	ActorName  string
	ClientName string
	Role       string
	ActionURL  string
	Heading    string
	Body       string
}

// Service provides email sending
type Service struct {
	transport Transport
	appName   string
}

func NewService(transport Transport, appName string) *Service {
	if appName == "" {
		appName = "BrokerDesk"
	}
	return &Service{transport: transport, appName: appName}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.transport != nil && s.transport.IsConfigured()
}

// Send delivers a pre-rendered message.
func (s *Service) Send(ctx context.Context, msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	return s.transport.Send(ctx, msg)
}

func (s *Service) SendVerificationEmail(ctx context.Context, to, userName, verificationURL string) error {
	return s.sendTemplate(ctx, to, "verification.html", "Verify your "+s.appName+" account", Data{
		UserName:  userName,
		ActionURL: verificationURL,
		Footer:    "If you didn't create an account with " + s.appName + ", you can safely ignore this email.",
	})
}

func (s *Service) SendPasswordResetEmail(ctx context.Context, to, userName, resetURL string) error {
	return s.sendTemplate(ctx, to, "password_reset.html", "Reset your "+s.appName+" password", Data{
		UserName:  userName,
		ActionURL: resetURL,
		Footer:    "If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.",
	})
}

func (s *Service) SendCollaboratorInvite(ctx context.Context, to, inviterName, clientName, role, acceptURL string) error {
	return s.sendTemplate(ctx, to, "collaborator_invite.html", inviterName+" shared a case with you", Data{
		ActorName:  inviterName,
		ClientName: clientName,
		Role:       role,
		ActionURL:  acceptURL,
		Footer:     "You received this because someone invited this address on " + s.appName + ".",
	})
}

func (s *Service) SendOnboardingInvite(ctx context.Context, to, clientName, brokerName, onboardingURL string) error {
	return s.sendTemplate(ctx, to, "onboarding_invite.html", brokerName+" needs a few details from you", Data{
		ClientName: clientName,
		ActorName:  brokerName,
		ActionURL:  onboardingURL,
		Footer:     "This link is personal to you. Do not forward it.",
	})
}

func (s *Service) SendOnboardingCompleted(ctx context.Context, to, clientName, caseURL string) error {
	return s.sendTemplate(ctx, to, "onboarding_completed.html", clientName+" completed onboarding", Data{
		ClientName: clientName,
		ActionURL:  caseURL,
		Footer:     "You are receiving this because you own this case.",
	})
}

// SendReminder renders a scheduled reminder. body is plain text.
func (s *Service) SendReminder(ctx context.Context, to, subject, body, caseURL string) error {
	return s.sendTemplate(ctx, to, "reminder.html", subject, Data{
		Heading:   subject,
		Body:      body,
		ActionURL: caseURL,
		Footer:    "Reminders follow the offsets configured on each milestone and event.",
	})
}

func (s *Service) SendPayoutNotice(ctx context.Context, to, userName, status, body string) error {
	return s.sendTemplate(ctx, to, "payout.html", "Your "+s.appName+" payout was "+status, Data{
		UserName: userName,
		Heading:  status,
		Body:     body,
		Footer:   "Questions about your payout? Reply to this email.",
	})
}

func (s *Service) sendTemplate(ctx context.Context, to, name, subject string, data Data) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	data.Title = subject
	data.AppName = s.appName
	html, err := renderTemplate(name, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return s.transport.Send(ctx, Message{
		To:      []string{to},
		Subject: subject,
		HTML:    html,
		Text:    data.Body,
	})
}

func renderTemplate(name string, data Data) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
