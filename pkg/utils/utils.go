// Package utils provides small helpers shared across the trading engine.
package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// NormalizeVolume floors a raw volume to the broker's lot step. A zero or
// negative step leaves the volume untouched.
func NormalizeVolume(volume, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return volume
	}
	return volume.Div(step).Floor().Mul(step)
}

// MinDecimal returns the smaller of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps value into [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// PercentChange returns the percentage change from old to new, 0 when old is 0.
func PercentChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}

// TimeRange is a half-open daily window [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// Duration returns the length of the range.
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// TimeframeMinutes resolves a timeframe label into its bar length in
// minutes. Both broker-style labels (M1, M5, M15, M30, H1, H4, D1) and bare
// minute counts ("1", "5", "60") are accepted.
func TimeframeMinutes(timeframe string) (int, error) {
	tf := strings.ToUpper(strings.TrimSpace(timeframe))
	if tf == "" {
		return 0, fmt.Errorf("empty timeframe")
	}

	switch tf {
	case "M1":
		return 1, nil
	case "M5":
		return 5, nil
	case "M15":
		return 15, nil
	case "M30":
		return 30, nil
	case "H1":
		return 60, nil
	case "H4":
		return 240, nil
	case "D1":
		return 1440, nil
	}

	minutes, err := strconv.Atoi(tf)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
	return minutes, nil
}

// MinutesOfDay parses a "HH:MM" clock string into minutes since midnight.
func MinutesOfDay(clock string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(clock), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", clock)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", clock)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return h*60 + m, nil
}

// FormatDuration renders a duration as a compact human-readable string.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
