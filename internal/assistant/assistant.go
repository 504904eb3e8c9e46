// Package assistant drafts case summaries and client emails with an OpenAI
// chat model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"brokerdesk/api/internal/store"
)

const DefaultModel = openai.GPT4oMini

var ErrNotConfigured = errors.New("assistant not configured")

// completer is the slice of the OpenAI client the assistant calls.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// CaseContext is everything a prompt may mention about one case.
type CaseContext struct {
	Client     store.Client
	Milestones []store.Milestone
	Documents  []store.Document
	BrokerName string
	Now        time.Time
}

// Result is a completion plus the tokens it consumed.
type Result struct {
	// ID is the provider's completion id, empty when none was returned.
	ID          string
	Text        string
	TotalTokens int64
	Model       string
}

type Service struct {
	client completer
	model  string
}

// New returns an unconfigured Service when apiKey is empty. baseURL may be
// empty for the public API.
func New(apiKey, model, baseURL string) *Service {
	if model == "" {
		model = DefaultModel
	}
	if apiKey == "" {
		return &Service{model: model}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Service{client: openai.NewClientWithConfig(cfg), model: model}
}

func (s *Service) IsConfigured() bool {
	return s != nil && s.client != nil
}

const systemPrompt = "You are an assistant for a mortgage and real-estate broker. " +
	"Be accurate and concise. Only use facts present in the case notes you are given."

// SummarizeCase returns a short status summary for the broker.
func (s *Service) SummarizeCase(ctx context.Context, c CaseContext) (Result, error) {
	prompt := "Summarize the current status of this case in at most 6 bullet points. " +
		"Call out overdue milestones and missing documents.\n\n" + DescribeCase(c)
	return s.complete(ctx, prompt, 600)
}

// DraftClientEmail writes an email from the broker to the client.
func (s *Service) DraftClientEmail(ctx context.Context, c CaseContext, purpose string) (Result, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = "a friendly status update"
	}
	prompt := fmt.Sprintf("Write an email from %s to the client %s. Purpose: %s. "+
		"Return a subject line followed by the body. Do not invent dates or amounts.\n\n%s",
		nonEmpty(c.BrokerName, "the broker"), c.Client.FullName, purpose, DescribeCase(c))
	return s.complete(ctx, prompt, 800)
}

func (s *Service) complete(ctx context.Context, prompt string, maxTokens int) (Result, error) {
	if !s.IsConfigured() {
		return Result{}, ErrNotConfigured
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("chat completion: no choices returned")
	}
	return Result{
		ID:          resp.ID,
		Text:        strings.TrimSpace(resp.Choices[0].Message.Content),
		TotalTokens: int64(resp.Usage.TotalTokens),
		Model:       resp.Model,
	}, nil
}

// DescribeCase renders the case as plain-text notes for a prompt.
func DescribeCase(c CaseContext) string {
	var b strings.Builder
	cl := c.Client
	fmt.Fprintf(&b, "Client: %s\n", cl.FullName)
	fmt.Fprintf(&b, "Stage: %s\n", cl.Stage)
	if cl.PropertyAddress != "" {
		fmt.Fprintf(&b, "Property: %s\n", cl.PropertyAddress)
	}
	if cl.LoanAmountCents > 0 {
		fmt.Fprintf(&b, "Loan: %s %s\n", formatCents(cl.LoanAmountCents), cl.LoanType)
	}
	if cl.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", cl.Notes)
	}

	b.WriteString("\nMilestones:\n")
	if len(c.Milestones) == 0 {
		b.WriteString("- none\n")
	}
	for _, m := range c.Milestones {
		state := m.Status
		if m.Status == "pending" && !c.Now.IsZero() && m.DueAt.Before(c.Now) {
			state = "overdue"
		}
		fmt.Fprintf(&b, "- %s (%s, due %s)\n", m.Title, state, m.DueAt.UTC().Format("2006-01-02"))
	}

	b.WriteString("\nDocuments:\n")
	if len(c.Documents) == 0 {
		b.WriteString("- none\n")
	}
	for _, d := range c.Documents {
		line := fmt.Sprintf("- %s: %s", d.Name, d.Status)
		if d.Status == "rejected" && d.RejectionReason != "" {
			line += " (" + d.RejectionReason + ")"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatCents(cents int64) string {
	whole := cents / 100
	s := fmt.Sprintf("%d", whole)
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return fmt.Sprintf("$%s.%02d", out, cents%100)
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
