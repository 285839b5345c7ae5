package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/session"
)

func TestPrintSessionTable(t *testing.T) {
	sessions := []*session.Session{
		{ID: "S1", LastUpdateTime: time.UnixMilli(200).UTC()},
		{ID: "S2", LastUpdateTime: time.UnixMilli(100).UTC()},
	}

	var buf bytes.Buffer
	if err := printSessionTable(&buf, sessions); err != nil {
		t.Fatalf("printSessionTable() error: %v", err)
	}

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("printSessionTable() wrote %d lines, want header + 2 rows:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[0], "LAST UPDATE") {
		t.Errorf("header = %q", lines[0])
	}
	if strings.Contains(lines[0], "EVENTS") {
		t.Errorf("header %q lists a column summaries cannot fill", lines[0])
	}
	if !strings.HasPrefix(lines[1], "S1") || !strings.HasPrefix(lines[2], "S2") {
		t.Errorf("rows out of order:\n%s", out)
	}
	if !strings.Contains(lines[1], "1970-01-01T00:00:00Z") {
		t.Errorf("row %q missing RFC3339 timestamp", lines[1])
	}
}
