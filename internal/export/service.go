package export

import (
	"context"
	"errors"
	"fmt"
)

// Renderer turns a report into bytes; PDF rendering is swappable for tests.
type Renderer struct {
	pdf func(ctx context.Context, html string) ([]byte, error)
}

func NewRenderer() *Renderer {
	return &Renderer{pdf: renderPDF}
}

// Render produces the report in format. When PDF output is requested but
// Chrome is missing, the HTML result is returned together with
// ErrPDFDependencyMissing so callers can still serve something.
func (r *Renderer) Render(ctx context.Context, report Report, format Format) (*Result, error) {
	html, err := RenderReportHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	base := reportFilename(report.ResearchTitle, report.GeneratedAt)
	htmlResult := &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}

	switch format {
	case FormatHTML:
		return htmlResult, nil
	case FormatPDF:
		data, err := r.pdf(ctx, html)
		if errors.Is(err, ErrPDFDependencyMissing) {
			return htmlResult, err
		}
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
