package risk

// Test index:
//  1. TestSessionAt classifies NY-local times into sessions.
//  2. TestScaleMarginBySession applies the session multiplier.
//  3. TestNoTradeWindow blocks Friday evening through Sunday early morning.
//  4. TestSundayLondonOpenAllowed permits entries at the Sunday London open.
//  5. TestHolidayBlocksEntries returns no-trade on a US market holiday.
//  6. TestNonPositiveMargin returns zero for zero or negative margin.

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func nyTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

// TestSessionAt checks the session boundaries on a regular weekday.
func TestSessionAt(t *testing.T) {
	cases := []struct {
		at   string
		want Session
	}{
		{"2024-05-01 21:00", SessionAsia},    // Wednesday evening
		{"2024-05-01 02:00", SessionAsia},    // pre-dawn
		{"2024-05-01 05:00", SessionLondon},  // London morning
		{"2024-05-01 11:00", SessionUS},      // US mid-session
		{"2024-05-01 18:00", SessionDeadZone},
		{"2024-05-04 12:00", SessionWeekendHoliday}, // Saturday
	}

	for _, tc := range cases {
		if got := SessionAt(nyTime(t, tc.at)); got != tc.want {
			t.Fatalf("SessionAt(%s) = %s, want %s", tc.at, got, tc.want)
		}
	}
}

// TestScaleMarginBySession multiplies by the US session multiplier.
func TestScaleMarginBySession(t *testing.T) {
	cfg := DefaultSessionSizeConfig()
	margin := decimal.NewFromInt(400)

	scaled, sess := ScaleMarginBySession(margin, nyTime(t, "2024-05-01 11:00"), cfg)
	if sess != SessionUS {
		t.Fatalf("expected US session, got %s", sess)
	}
	if !scaled.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 400 * 1.25 = 500, got %s", scaled)
	}
}

// TestNoTradeWindow blocks the weekend window when enabled.
func TestNoTradeWindow(t *testing.T) {
	cfg := DefaultSessionSizeConfig()
	margin := decimal.NewFromInt(100)

	for _, at := range []string{
		"2024-05-03 10:00", // Friday after 09:00
		"2024-05-04 15:00", // Saturday
		"2024-05-05 01:00", // Sunday before 03:00
	} {
		scaled, sess := ScaleMarginBySession(margin, nyTime(t, at), cfg)
		if sess != SessionNoTrade || !scaled.IsZero() {
			t.Fatalf("expected no-trade at %s, got %s / %s", at, sess, scaled)
		}
	}

	cfg.EnableNoTradeWindow = false
	if _, sess := ScaleMarginBySession(margin, nyTime(t, "2024-05-04 15:00"), cfg); sess == SessionNoTrade {
		t.Fatal("disabled window must not block entries")
	}
}

// TestSundayLondonOpenAllowed permits the Sunday 03:00-09:00 NY window.
func TestSundayLondonOpenAllowed(t *testing.T) {
	cfg := DefaultSessionSizeConfig()

	scaled, sess := ScaleMarginBySession(decimal.NewFromInt(100), nyTime(t, "2024-05-05 05:00"), cfg)
	if sess != SessionLondon {
		t.Fatalf("expected London session on Sunday open, got %s", sess)
	}
	if !scaled.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full London multiplier, got %s", scaled)
	}
}

// TestHolidayBlocksEntries uses Independence Day 2024 (a Thursday).
func TestHolidayBlocksEntries(t *testing.T) {
	cfg := DefaultSessionSizeConfig()

	_, sess := ScaleMarginBySession(decimal.NewFromInt(100), nyTime(t, "2024-07-04 11:00"), cfg)
	if sess != SessionNoTrade {
		t.Fatalf("expected no-trade on July 4th, got %s", sess)
	}
}

// TestNonPositiveMargin returns zero without classifying.
func TestNonPositiveMargin(t *testing.T) {
	cfg := DefaultSessionSizeConfig()

	scaled, sess := ScaleMarginBySession(decimal.Zero, nyTime(t, "2024-05-01 11:00"), cfg)
	if !scaled.IsZero() || sess != SessionDefault {
		t.Fatalf("expected zero margin to short-circuit, got %s / %s", scaled, sess)
	}
}
