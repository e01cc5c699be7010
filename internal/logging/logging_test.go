package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestNewCLI(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("volume", "tarbsd_1a2b3c4d")

	logger.Debug("hidden")
	logger.WithGroup("stage").Info("snapshot_created", "snapshot", "installed", "took", 3, "err", errors.New("no space"))

	got := buf.String()
	pattern := regexp.MustCompile(`^INFO \S+Z \| snapshot_created volume=tarbsd_1a2b3c4d stage\.snapshot=installed stage\.took=3 stage\.err="no space"\n$`)
	if !pattern.MatchString(got) {
		t.Errorf("got %q", got)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	NewJSON(&buf, slog.LevelWarn).Warn("prune_failed", "entries", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("failed to decode record %q: %v", buf.String(), err)
	}
	if rec["msg"] != "prune_failed" || rec["level"] != "WARN" || rec["entries"] != float64(2) {
		t.Errorf("got %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got error %v, want error=%v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("JSON"); err != nil || m != ModeJSON {
		t.Errorf("got %q (%v), want json", m, err)
	}
	if _, err := ParseMode("xml"); err == nil || !strings.Contains(err.Error(), "xml") {
		t.Errorf("got %v, want an error naming xml", err)
	}
}
