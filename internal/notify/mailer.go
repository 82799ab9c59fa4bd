// Package notify delivers deadline digests by e-mail. It is a delivery
// collaborator only; nothing here decides what is overdue.
package notify

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"strings"

	mail "github.com/go-mail/mail/v2"

	"thesis/api/internal/progress"
)

var ErrNotConfigured = errors.New("smtp not configured (SMTP_HOST/SMTP_FROM)")

type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	SkipTLSVerify bool
}

type sender interface {
	DialAndSend(messages ...*mail.Message) error
}

type Mailer struct {
	config Config
	sender sender
}

func NewMailer(config Config) *Mailer {
	if config.Port == 0 {
		config.Port = 587
	}
	dialer := mail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	dialer.StartTLSPolicy = mail.MandatoryStartTLS
	dialer.TLSConfig = &tls.Config{
		ServerName:         config.Host,
		InsecureSkipVerify: config.SkipTLSVerify,
	}
	return &Mailer{config: config, sender: dialer}
}

func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.From != ""
}

// Digest is one research project's deadline summary.
type Digest struct {
	ResearchTitle string
	Snapshot      progress.Snapshot
}

// Subject summarizes the most severe alert count.
func (d Digest) Subject() string {
	high := 0
	for _, n := range d.Snapshot.Notifications {
		if n.Severity == progress.SeverityHigh {
			high++
		}
	}
	if high > 0 {
		return fmt.Sprintf("[%s] %d urgent deadline(s)", d.ResearchTitle, high)
	}
	return fmt.Sprintf("[%s] upcoming deadlines", d.ResearchTitle)
}

// SendDigest mails d to every recipient. An empty recipient list or a digest
// without notifications sends nothing.
func (m *Mailer) SendDigest(to []string, d Digest) error {
	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 || len(d.Snapshot.Notifications) == 0 {
		return nil
	}
	if !m.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := renderDigest(d)
	if err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", recipients...)
	msg.SetHeader("Subject", d.Subject())
	msg.SetBody("text/plain", plainDigest(d))
	msg.AddAlternative("text/html", body)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif">
<h2>{{.ResearchTitle}}</h2>
<p>Overall progress: {{.Snapshot.Percentage}}% ({{.Snapshot.CompletedCount}}/{{.Snapshot.TotalCount}} milestones)</p>
<ul>
{{range .Snapshot.Notifications}}<li><strong>{{.Severity}}</strong>: {{.Message}}</li>
{{end}}</ul>
</body></html>`))

func renderDigest(d Digest) (string, error) {
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

func plainDigest(d Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nOverall progress: %d%%\n\n", d.ResearchTitle, d.Snapshot.Percentage)
	for _, n := range d.Snapshot.Notifications {
		fmt.Fprintf(&b, "- [%s] %s\n", n.Severity, n.Message)
	}
	return b.String()
}
