package domain

import (
	"testing"
	"time"
)

func TestBarValidate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	good := Bar{Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: 100}
	if err := good.Validate(); err != nil {
		t.Errorf("valid bar rejected: %v", err)
	}

	// Flat bar (open == high == low == close) is valid.
	flat := Bar{Timestamp: ts, Open: 10, High: 10, Low: 10, Close: 10, Volume: 0}
	if err := flat.Validate(); err != nil {
		t.Errorf("flat bar rejected: %v", err)
	}

	cases := []struct {
		name string
		bar  Bar
	}{
		{"high below close", Bar{Timestamp: ts, Open: 10, High: 10.5, Low: 9, Close: 11, Volume: 1}},
		{"low above open", Bar{Timestamp: ts, Open: 10, High: 12, Low: 10.5, Close: 11, Volume: 1}},
		{"low above high", Bar{Timestamp: ts, Open: 10, High: 9, Low: 11, Close: 10, Volume: 1}},
		{"negative volume", Bar{Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: -5}},
		{"zero timestamp", Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}},
	}
	for _, tc := range cases {
		if err := tc.bar.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateBars(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{
		{Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1},
		{Timestamp: ts.Add(time.Minute), Open: 10, High: 9, Low: 11, Close: 10, Volume: 1},
		{Timestamp: ts.Add(2 * time.Minute), Open: 10, High: 12, Low: 9, Close: 11, Volume: -1},
	}
	invalid, err := ValidateBars(bars)
	if invalid != 2 {
		t.Errorf("invalid count = %d, want 2", invalid)
	}
	if err == nil {
		t.Error("expected first error to be returned")
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range AllTimeframes {
		got, err := ParseTimeframe(string(tf))
		if err != nil {
			t.Errorf("ParseTimeframe(%q): %v", tf, err)
		}
		if got != tf {
			t.Errorf("ParseTimeframe(%q) = %q", tf, got)
		}
	}
	if _, err := ParseTimeframe("2w"); err == nil {
		t.Error("expected error for unknown timeframe")
	}
}

func TestTimeframeInterval(t *testing.T) {
	if TF1Min.Interval() != time.Minute {
		t.Errorf("1m interval = %v", TF1Min.Interval())
	}
	if TF1Day.Interval() != 24*time.Hour {
		t.Errorf("1D interval = %v", TF1Day.Interval())
	}
	if !TF1Hour.Intraday() {
		t.Error("1h should be intraday")
	}
	if TF1Day.Intraday() {
		t.Error("1D should not be intraday")
	}
	if TF5Min.DefaultWindowDays() != 100 {
		t.Errorf("5m window days = %d, want 100", TF5Min.DefaultWindowDays())
	}
	if TF1Day.DefaultWindowDays() != 366 {
		t.Errorf("1D window days = %d, want 366", TF1Day.DefaultWindowDays())
	}
}

func TestTaskKey(t *testing.T) {
	task := Task{Category: "nifty50", Symbol: "AAA", Timeframe: TF1Day}
	if task.Key() != "nifty50/AAA/1D" {
		t.Errorf("Key = %q", task.Key())
	}
}

func TestStatsETA(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Stats{Total: 10, Completed: 5, StartedAt: start}

	// 5 tasks in 50 minutes, 10 min/task, 5 remaining gives 50 minutes.
	eta := s.ETA(start.Add(50 * time.Minute))
	if eta != 50*time.Minute {
		t.Errorf("ETA = %v, want 50m", eta)
	}

	if (Stats{Total: 10}).ETA(start) != 0 {
		t.Error("ETA with no completions should be zero")
	}
	done := Stats{Total: 2, Completed: 2, StartedAt: start}
	if done.ETA(start.Add(time.Hour)) != 0 {
		t.Error("ETA with nothing remaining should be zero")
	}
}
