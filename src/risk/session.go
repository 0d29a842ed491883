package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session labels the New York trading day segment used for margin scaling.
type Session string

const (
	SessionWeekendHoliday Session = "weekend_holiday"
	SessionDeadZone       Session = "dead_zone"
	SessionAsia           Session = "asia_session"
	SessionLondon         Session = "london_session"
	SessionUS             Session = "us_session"
	SessionDefault        Session = "default"
	SessionNoTrade        Session = "no_trade"
)

const daysPerWeek = 7

// SessionSizeConfig maps each session to a margin multiplier. The no-trade
// window blocks new entries outright when enabled.
type SessionSizeConfig struct {
	WeekendHolidayMultiplier decimal.Decimal
	DeadZoneMultiplier       decimal.Decimal
	AsiaMultiplier           decimal.Decimal
	LondonMultiplier         decimal.Decimal
	USMultiplier             decimal.Decimal
	DefaultMultiplier        decimal.Decimal

	EnableNoTradeWindow bool
}

func DefaultSessionSizeConfig() SessionSizeConfig {
	return SessionSizeConfig{
		WeekendHolidayMultiplier: decimal.NewFromFloat(0.15),
		DeadZoneMultiplier:       decimal.NewFromFloat(0.15),
		AsiaMultiplier:           decimal.NewFromFloat(0.75),
		LondonMultiplier:         decimal.NewFromFloat(1.0),
		USMultiplier:             decimal.NewFromFloat(1.25),
		DefaultMultiplier:        decimal.NewFromFloat(0.15),
		EnableNoTradeWindow:      true,
	}
}

// ScaleMarginBySession scales an entry margin by the active session's
// multiplier. Returns zero and SessionNoTrade inside the no-trade window.
func ScaleMarginBySession(
	margin decimal.Decimal,
	now time.Time,
	cfg SessionSizeConfig,
) (decimal.Decimal, Session) {
	if margin.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, SessionDefault
	}

	et := easternTime(now)

	if cfg.EnableNoTradeWindow && inNoTradeWindow(et) {
		return decimal.Zero, SessionNoTrade
	}

	sess := SessionAt(et)
	return margin.Mul(multiplierFor(sess, cfg)), sess
}

func easternTime(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

// inNoTradeWindow blocks entries from Friday 09:00 NY until Sunday 03:00 NY
// and on US market holidays. The Sunday London open is allowed.
func inNoTradeWindow(t time.Time) bool {
	if t.Weekday() == time.Sunday && inLondonSession(t) {
		return t.Hour() < 3
	}

	if isUSHoliday(t) {
		return true
	}

	switch t.Weekday() {
	case time.Friday:
		return t.Hour() >= 9
	case time.Saturday:
		return true
	case time.Sunday:
		return t.Hour() < 3
	default:
		return false
	}
}

// SessionAt classifies an NY-local time into a trading session.
func SessionAt(t time.Time) Session {
	if t.Weekday() == time.Sunday && inLondonSession(t) {
		return SessionLondon
	}

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday || isUSHoliday(t) {
		return SessionWeekendHoliday
	}

	switch {
	case inDeadZone(t):
		return SessionDeadZone
	case inAsiaSession(t):
		return SessionAsia
	case inLondonSession(t):
		return SessionLondon
	case inUSSession(t):
		return SessionUS
	default:
		return SessionDefault
	}
}

func multiplierFor(s Session, cfg SessionSizeConfig) decimal.Decimal {
	switch s {
	case SessionWeekendHoliday:
		return cfg.WeekendHolidayMultiplier
	case SessionDeadZone:
		return cfg.DeadZoneMultiplier
	case SessionAsia:
		return cfg.AsiaMultiplier
	case SessionLondon:
		return cfg.LondonMultiplier
	case SessionUS:
		return cfg.USMultiplier
	default:
		return cfg.DefaultMultiplier
	}
}

func inDeadZone(t time.Time) bool {
	return t.Hour() >= 17 && t.Hour() < 20
}

func inAsiaSession(t time.Time) bool {
	return t.Hour() >= 20 || t.Hour() < 3
}

func inLondonSession(t time.Time) bool {
	return t.Hour() >= 3 && t.Hour() < 9
}

func inUSSession(t time.Time) bool {
	return t.Hour() >= 9 && t.Hour() <= 17
}

// isUSHoliday covers the fixed and floating US market holidays that thin out
// liquidity enough to matter for entries.
func isUSHoliday(t time.Time) bool {
	year := t.Year()

	newYears := observedFixedHoliday(year, time.January, 1)
	mlkDay := nthWeekday(year, time.January, time.Monday, 3)
	presidentsDay := nthWeekday(year, time.February, time.Monday, 3)

	memorialDay := time.Date(year, time.May, 31, 0, 0, 0, 0, time.UTC)
	for memorialDay.Weekday() != time.Monday {
		memorialDay = memorialDay.AddDate(0, 0, -1)
	}

	independenceDay := observedFixedHoliday(year, time.July, 4)
	laborDay := nthWeekday(year, time.September, time.Monday, 1)
	thanksgiving := nthWeekday(year, time.November, time.Thursday, 4)
	christmas := observedFixedHoliday(year, time.December, 25)

	for _, d := range []time.Time{
		newYears, mlkDay, presidentsDay, memorialDay,
		independenceDay, laborDay, thanksgiving, christmas,
	} {
		if t.Format("2006-01-02") == d.Format("2006-01-02") {
			return true
		}
	}
	return false
}

// observedFixedHoliday shifts a fixed-date holiday falling on Sunday to the
// following Monday.
func observedFixedHoliday(year int, month time.Month, day int) time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// nthWeekday returns the nth given weekday of a month (1-based).
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(weekday-first.Weekday()+daysPerWeek) % daysPerWeek
	return first.AddDate(0, 0, offset+(n-1)*daysPerWeek)
}
