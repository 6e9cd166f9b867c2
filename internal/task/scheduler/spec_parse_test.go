package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		cron   string
		every  time.Duration
	}{
		{name: "cron", raw: "0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "cron with seconds", raw: "0 30 8 * * *", kind: SpecCron, source: "cron", cron: "0 30 8 * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", cron: "@daily"},
		{name: "prefixed cron", raw: "cron:0 8 * * *", kind: SpecCron, source: "cron", cron: "0 8 * * *"},
		{name: "clock time", raw: "08:05", kind: SpecCron, source: "daily", cron: "5 8 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "interval", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, source: "interval", every: 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "25:00", "every:-5m", "0s"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestNextRunsHonorsTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("WIB", 7*3600)
	from := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)

	runs, err := NextRuns("0 8 * * *", loc, from, 2)
	if err != nil {
		t.Fatalf("NextRuns error: %v", err)
	}
	want := []time.Time{
		time.Date(2025, 3, 2, 8, 0, 0, 0, loc),
		time.Date(2025, 3, 3, 8, 0, 0, 0, loc),
	}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d", len(runs), len(want))
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Fatalf("run[%d] = %s, want %s", i, runs[i], want[i])
		}
	}
}
