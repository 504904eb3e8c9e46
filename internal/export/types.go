// Package export renders case reports as HTML and PDF.
package export

import (
	"errors"
	"time"

	"brokerdesk/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat defaults to PDF.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	ClientID string
	Format   Format
	Now      time.Time
}

// Report is everything rendered into a case report.
type Report struct {
	Client      store.Client
	Milestones  []store.Milestone
	Documents   []store.Document
	Timeline    []store.TimelineEntry
	GeneratedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnavailable means headless Chrome is not installed.
	ErrUnavailable       = errors.New("pdf export unavailable")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
