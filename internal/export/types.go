// Package export renders progress reports to HTML and PDF.
package export

import (
	"errors"
	"time"

	"thesis/api/internal/progress"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// ParseFormat defaults to PDF.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Report is everything a progress report shows.
type Report struct {
	ResearchTitle string
	StudentID     string
	AdviserID     string
	Timezone      string
	GeneratedAt   time.Time
	Snapshot      progress.Snapshot
	Units         []UnitSummary
}

// UnitSummary is the current state of one unit type.
type UnitSummary struct {
	UnitType string
	Parts    []PartSummary
}

type PartSummary struct {
	Name       string
	Version    int
	Status     string
	UploadedAt time.Time
	ReviewedBy string
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates headless Chrome is unavailable; the
	// HTML rendering is returned alongside it.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
