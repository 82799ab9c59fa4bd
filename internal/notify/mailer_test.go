package notify

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	mail "github.com/go-mail/mail/v2"

	"thesis/api/internal/progress"
)

type captureSender struct {
	messages []*mail.Message
	err      error
}

func (c *captureSender) DialAndSend(messages ...*mail.Message) error {
	c.messages = append(c.messages, messages...)
	return c.err
}

func digest() Digest {
	return Digest{
		ResearchTitle: "Flood Mapping",
		Snapshot: progress.Snapshot{
			Percentage:     50,
			CompletedCount: 3,
			TotalCount:     6,
			Notifications: []progress.Notification{
				{Severity: progress.SeverityHigh, Message: "Chapter 3 is overdue by 2 days"},
				{Severity: progress.SeverityMedium, Message: "Final Defense is due in 6 days"},
			},
		},
	}
}

func TestMailerIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com"}, expected: false},
		{name: "missing host", config: Config{From: "noreply@example.com"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", From: "noreply@example.com"}, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMailer(tt.config).IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSendDigest(t *testing.T) {
	capture := &captureSender{}
	m := NewMailer(Config{Host: "smtp.example.com", From: "Thesis Office <noreply@example.com>"})
	m.sender = capture

	if err := m.SendDigest([]string{" adviser@example.com ", ""}, digest()); err != nil {
		t.Fatalf("SendDigest failed: %v", err)
	}
	if len(capture.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(capture.messages))
	}
	msg := capture.messages[0]
	if to := msg.GetHeader("To"); len(to) != 1 || to[0] != "adviser@example.com" {
		t.Fatalf("unexpected recipients %v", to)
	}
	if subject := msg.GetHeader("Subject"); len(subject) != 1 || subject[0] != "[Flood Mapping] 1 urgent deadline(s)" {
		t.Fatalf("unexpected subject %v", subject)
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if !strings.Contains(buf.String(), "Chapter 3 is overdue by 2 days") {
		t.Fatal("expected message body to list notifications")
	}
}

func TestSendDigestSkipsEmpty(t *testing.T) {
	capture := &captureSender{}
	m := NewMailer(Config{})
	m.sender = capture

	if err := m.SendDigest(nil, digest()); err != nil {
		t.Fatalf("expected no error without recipients, got %v", err)
	}
	if err := m.SendDigest([]string{"a@example.com"}, Digest{ResearchTitle: "x"}); err != nil {
		t.Fatalf("expected no error without notifications, got %v", err)
	}
	if len(capture.messages) != 0 {
		t.Fatal("expected nothing sent")
	}
	if err := m.SendDigest([]string{"a@example.com"}, digest()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendDigestWrapsTransportErrors(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewMailer(Config{Host: "smtp.example.com", From: "noreply@example.com"})
	m.sender = &captureSender{err: boom}
	if err := m.SendDigest([]string{"a@example.com"}, digest()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
