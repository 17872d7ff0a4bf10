package duration_test

import (
	"testing"
	"time"

	"jalon/internal/duration"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		seconds int64
		want    string
	}{
		{-5, "Récent"},
		{0, "Récent"},
		{59, "Récent"},
		{60, "1m"},
		{119, "1m"},
		{3599, "59m"},
		{3600, "1h"},
		{7200, "2h"},
		{86399, "23h"},
		{86400, "1j"},
		{200000, "2j"},
	}
	for _, c := range cases {
		if got := duration.Format(c.seconds); got != c.want {
			t.Errorf("Format(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestFormatDetailed(t *testing.T) {
	cases := []struct {
		seconds int64
		want    string
	}{
		{0, "À l'instant"},
		{1, "1 seconde"},
		{45, "45 secondes"},
		{60, "1 minute"},
		{90, "1 minute 30s"},
		{120, "2 minutes"},
		{3600, "1 heure"},
		{7500, "2 heures 5min"},
		{86400, "1 jour"},
		{100800, "1 jour 4h"},
		{273600, "3 jours 4h"},
	}
	for _, c := range cases {
		if got := duration.FormatDetailed(c.seconds); got != c.want {
			t.Errorf("FormatDetailed(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestBetween(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if got := duration.Between(start, start.Add(90*time.Second)); got != 90 {
		t.Fatalf("Between = %d, want 90", got)
	}
	// Sub-second remainders floor.
	if got := duration.Between(start, start.Add(90*time.Second+900*time.Millisecond)); got != 90 {
		t.Fatalf("Between with fraction = %d, want 90", got)
	}
	// Clock skew never yields a negative duration.
	if got := duration.Between(start, start.Add(-time.Hour)); got != 0 {
		t.Fatalf("Between backwards = %d, want 0", got)
	}
}

func TestStageDisplay(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Hour).Format(time.RFC3339)
	ended := now.Add(-time.Hour).Format(time.RFC3339)
	secs := int64(5400)

	if got := duration.StageDisplay(true, started, "", nil, now); got != "En cours · 2h" {
		t.Fatalf("active = %q, want 'En cours · 2h'", got)
	}
	// The active interval is recomputed live even when a stale stored
	// value is present.
	if got := duration.StageDisplay(true, started, "", &secs, now); got != "En cours · 2h" {
		t.Fatalf("active with stored = %q, want 'En cours · 2h'", got)
	}
	if got := duration.StageDisplay(false, started, ended, &secs, now); got != "1h" {
		t.Fatalf("closed stored = %q, want 1h", got)
	}
	if got := duration.StageDisplay(false, started, ended, nil, now); got != "1h" {
		t.Fatalf("closed endpoints = %q, want 1h", got)
	}
	if got := duration.StageDisplay(false, "", "", nil, now); got != "Récent" {
		t.Fatalf("closed no data = %q, want Récent", got)
	}
	if got := duration.StageDisplay(true, "not-a-time", "", nil, now); got != "En cours · Récent" {
		t.Fatalf("active bad start = %q, want 'En cours · Récent'", got)
	}
}
