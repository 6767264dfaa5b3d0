// Package utils_test provides tests for the shared helpers.
package utils_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

func TestNormalizeVolume(t *testing.T) {
	cases := []struct {
		name   string
		volume string
		step   string
		want   string
	}{
		{"exact multiple", "0.30", "0.01", "0.3"},
		{"floors remainder", "0.349", "0.01", "0.34"},
		{"below step", "0.005", "0.01", "0"},
		{"zero step passthrough", "0.37", "0", "0.37"},
		{"coarse step", "2.7", "0.5", "2.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vol := decimal.RequireFromString(tc.volume)
			step := decimal.RequireFromString(tc.step)
			got := utils.NormalizeVolume(vol, step)
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("NormalizeVolume(%s, %s) = %s, want %s", tc.volume, tc.step, got, tc.want)
			}
		})
	}
}

func TestClampDecimal(t *testing.T) {
	min := decimal.NewFromInt(0)
	max := decimal.NewFromInt(10)

	if got := utils.ClampDecimal(decimal.NewFromInt(-5), min, max); !got.Equal(min) {
		t.Errorf("Expected clamp to min, got %s", got)
	}
	if got := utils.ClampDecimal(decimal.NewFromInt(15), min, max); !got.Equal(max) {
		t.Errorf("Expected clamp to max, got %s", got)
	}
	mid := decimal.NewFromInt(5)
	if got := utils.ClampDecimal(mid, min, max); !got.Equal(mid) {
		t.Errorf("Expected passthrough, got %s", got)
	}
}

func TestPercentChange(t *testing.T) {
	old := decimal.NewFromInt(200)
	new := decimal.NewFromInt(210)

	got := utils.PercentChange(old, new)
	if !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("PercentChange(200, 210) = %s, want 5", got)
	}

	if !utils.PercentChange(decimal.Zero, new).IsZero() {
		t.Error("PercentChange from zero should be zero")
	}
}

func TestTimeRangeContains(t *testing.T) {
	start := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)
	tr := utils.TimeRange{Start: start, End: end}

	if !tr.Contains(start) {
		t.Error("Range should contain its start")
	}
	if tr.Contains(end) {
		t.Error("Range should exclude its end")
	}
	if !tr.Contains(start.Add(4 * time.Hour)) {
		t.Error("Range should contain interior point")
	}
	if tr.Contains(start.Add(-time.Minute)) {
		t.Error("Range should exclude points before start")
	}
}

func TestTimeframeMinutes(t *testing.T) {
	cases := []struct {
		tf   string
		want int
	}{
		{"M1", 1}, {"M5", 5}, {"M15", 15}, {"M30", 30},
		{"H1", 60}, {"H4", 240}, {"D1", 1440},
		{"1", 1}, {"5", 5}, {"60", 60},
		{"m5", 5}, {" H1 ", 60},
	}

	for _, tc := range cases {
		got, err := utils.TimeframeMinutes(tc.tf)
		if err != nil {
			t.Errorf("TimeframeMinutes(%q) failed: %v", tc.tf, err)
			continue
		}
		if got != tc.want {
			t.Errorf("TimeframeMinutes(%q) = %d, want %d", tc.tf, got, tc.want)
		}
	}

	for _, bad := range []string{"", "M7", "0", "-5", "weekly"} {
		if _, err := utils.TimeframeMinutes(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestMinutesOfDay(t *testing.T) {
	got, err := utils.MinutesOfDay("14:30")
	if err != nil {
		t.Fatalf("Failed to parse clock: %v", err)
	}
	if got != 14*60+30 {
		t.Errorf("MinutesOfDay(14:30) = %d, want %d", got, 14*60+30)
	}

	for _, bad := range []string{"25:00", "12:75", "noon", "12"} {
		if _, err := utils.MinutesOfDay(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5*time.Minute + 10*time.Second, "5m 10s"},
		{3*time.Hour + 20*time.Minute, "3h 20m"},
		{50 * time.Hour, "2d 2h 0m"},
	}

	for _, tc := range cases {
		if got := utils.FormatDuration(tc.d); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
