package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/api/internal/store"
)

type fakeCompleter struct {
	got  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func sampleCase() CaseContext {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return CaseContext{
		Client: store.Client{
			FullName:        "Jane Doe",
			Stage:           "documents",
			PropertyAddress: "12 Elm St",
			LoanAmountCents: 45000000,
			LoanType:        "fixed",
		},
		Milestones: []store.Milestone{
			{Title: "Appraisal", Status: "pending", DueAt: now.Add(-24 * time.Hour)},
			{Title: "Closing", Status: "pending", DueAt: now.Add(240 * time.Hour)},
		},
		Documents: []store.Document{
			{Name: "Pay stub", Status: "rejected", RejectionReason: "blurry"},
			{Name: "ID", Status: "approved"},
		},
		BrokerName: "Sam",
		Now:        now,
	}
}

func TestDescribeCase(t *testing.T) {
	text := DescribeCase(sampleCase())
	assert.Contains(t, text, "Loan: $450,000.00 fixed")
	assert.Contains(t, text, "- Appraisal (overdue, due 2026-05-31)")
	assert.Contains(t, text, "- Closing (pending, due 2026-06-11)")
	assert.Contains(t, text, "- Pay stub: rejected (blurry)")
}

func TestSummarizeCaseReturnsUsage(t *testing.T) {
	fake := &fakeCompleter{resp: openai.ChatCompletionResponse{
		Model:   "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "  all good \n"}}},
		Usage:   openai.Usage{TotalTokens: 321},
	}}
	s := &Service{client: fake, model: DefaultModel}

	res, err := s.SummarizeCase(context.Background(), sampleCase())
	require.NoError(t, err)
	assert.Equal(t, "all good", res.Text)
	assert.Equal(t, int64(321), res.TotalTokens)
	require.Len(t, fake.got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fake.got.Messages[0].Role)
	assert.Contains(t, fake.got.Messages[1].Content, "Jane Doe")
}

func TestDraftClientEmailDefaultsPurpose(t *testing.T) {
	fake := &fakeCompleter{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Subject: hi"}}},
	}}
	s := &Service{client: fake, model: DefaultModel}
	_, err := s.DraftClientEmail(context.Background(), sampleCase(), " ")
	require.NoError(t, err)
	assert.Contains(t, fake.got.Messages[1].Content, "a friendly status update")
	assert.Contains(t, fake.got.Messages[1].Content, "from Sam")
}

func TestCompletionErrors(t *testing.T) {
	s := New("", "", "")
	_, err := s.SummarizeCase(context.Background(), sampleCase())
	assert.ErrorIs(t, err, ErrNotConfigured)

	boom := errors.New("boom")
	s = &Service{client: &fakeCompleter{err: boom}, model: DefaultModel}
	_, err = s.SummarizeCase(context.Background(), sampleCase())
	assert.ErrorIs(t, err, boom)

	s = &Service{client: &fakeCompleter{}, model: DefaultModel}
	_, err = s.SummarizeCase(context.Background(), sampleCase())
	assert.Error(t, err)
}

func TestNewTalksToConfiguredBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model:   "gpt-test",
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"}}},
			Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer server.Close()

	s := New("sk-test", "gpt-test", server.URL)
	require.True(t, s.IsConfigured())
	res, err := s.SummarizeCase(context.Background(), sampleCase())
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, int64(15), res.TotalTokens)
}
