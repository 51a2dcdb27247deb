package sender

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewTextHandler(&buf, nil)))

	if err := s.Send(context.Background(), []string{"back-off armed", "cap reached"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if got := strings.Count(out, "msg=notification"); got != 2 {
		t.Errorf("expected 2 log lines, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "back-off armed") {
		t.Errorf("message missing from log output:\n%s", out)
	}
}

func TestLogSender_Empty(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewTextHandler(&buf, nil)))

	if err := s.Send(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
