package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"thesis/api/internal/domain"
	"thesis/api/internal/progress"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("progress_report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format(layout)
	},
	"formatDatePtr": func(t *time.Time, layout string) string {
		if t == nil {
			return "-"
		}
		return t.Format(layout)
	},
	"partLabel": func(name string) string {
		if name == domain.FullUnit || name == "" {
			return "Full unit"
		}
		return name
	},
	"isHigh": func(severity progress.Severity) bool {
		return severity == progress.SeverityHigh
	},
}).ParseFS(templateFS, "templates/progress_report.html"))

// RenderReportHTML renders the progress report template.
func RenderReportHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}
