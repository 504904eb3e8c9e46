package export

import (
	"context"
	"fmt"
	"time"

	"brokerdesk/api/internal/store"
)

// TimelineLimit bounds the timeline section of a report.
const TimelineLimit = 50

// DataStore defines the interface for data access
type DataStore interface {
	GetClient(ctx context.Context, clientID string) (store.Client, error)
	ListMilestones(ctx context.Context, clientID string) ([]store.Milestone, error)
	ListDocuments(ctx context.Context, clientID string) ([]store.Document, error)
	ListTimeline(ctx context.Context, clientID string, limit int) ([]store.TimelineEntry, error)
}

// PDFPrinter turns an HTML page into PDF bytes.
type PDFPrinter func(ctx context.Context, html string) ([]byte, error)

// Service provides case report export
type Service struct {
	store DataStore
	print PDFPrinter
}

// NewService creates an export service backed by headless Chrome.
func NewService(store DataStore) *Service {
	return &Service{store: store, print: printChromePDF}
}

// WithPrinter replaces the PDF backend.
func (s *Service) WithPrinter(p PDFPrinter) *Service {
	s.print = p
	return s
}

// Load gathers the report data for one case.
func (s *Service) Load(ctx context.Context, clientID string, now time.Time) (Report, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return Report{}, fmt.Errorf("get client: %w", err)
	}
	milestones, err := s.store.ListMilestones(ctx, clientID)
	if err != nil {
		return Report{}, fmt.Errorf("list milestones: %w", err)
	}
	documents, err := s.store.ListDocuments(ctx, clientID)
	if err != nil {
		return Report{}, fmt.Errorf("list documents: %w", err)
	}
	timeline, err := s.store.ListTimeline(ctx, clientID, TimelineLimit)
	if err != nil {
		return Report{}, fmt.Errorf("list timeline: %w", err)
	}
	return Report{
		Client:      client,
		Milestones:  milestones,
		Documents:   documents,
		Timeline:    timeline,
		GeneratedAt: now.UTC(),
	}, nil
}

// Export generates a case report in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, ErrUnsupportedFormat
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	report, err := s.Load(ctx, req.ClientID, req.Now)
	if err != nil {
		return nil, err
	}

	html, err := RenderCaseHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(report.Client.FullName) + "-report"
	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}

	pdf, err := s.print(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
}
