package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Level is the display severity of the account's margin situation.
type Level int

const (
	LevelOK Level = iota
	LevelMarginCall
	LevelStopOutRisk
)

func (l Level) String() string {
	switch l {
	case LevelMarginCall:
		return "MARGIN_CALL"
	case LevelStopOutRisk:
		return "STOP_OUT_RISK"
	default:
		return "OK"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Policy holds the margin-level thresholds, in percent, the server uses
// for warnings and forced closure.
type Policy struct {
	MarginCallLevel decimal.Decimal
	StopOutLevel    decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MarginCallLevel: decimal.NewFromInt(100),
		StopOutLevel:    decimal.NewFromInt(50),
	}
}

type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type Decision struct {
	Level      Level       `json:"level"`
	Violations []Violation `json:"violations,omitempty"`
}

func (d *Decision) add(l Level, code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	if l > d.Level {
		d.Level = l
	}
}

// Evaluate grades a snapshot against p. It is advisory only.
func Evaluate(p Policy, s AccountSnapshot) Decision {
	d := Decision{Level: LevelOK}

	if !s.UsedMargin.IsPositive() {
		return d
	}

	switch {
	case s.MarginLevel.LessThanOrEqual(p.StopOutLevel):
		d.add(LevelStopOutRisk, "STOP_OUT_RISK",
			fmt.Sprintf("margin level %s%% at or below stop-out %s%%",
				s.MarginLevel.StringFixed(2), p.StopOutLevel.StringFixed(2)))
	case s.MarginLevel.LessThanOrEqual(p.MarginCallLevel):
		d.add(LevelMarginCall, "MARGIN_CALL",
			fmt.Sprintf("margin level %s%% at or below margin call %s%%",
				s.MarginLevel.StringFixed(2), p.MarginCallLevel.StringFixed(2)))
	}

	if s.FreeMargin.IsNegative() {
		d.add(LevelMarginCall, "NO_FREE_MARGIN",
			fmt.Sprintf("free margin %s is negative", s.FreeMargin.StringFixed(2)))
	}
	if s.Stale {
		d.add(LevelOK, "STALE_PRICES", "some positions are valued without a fresh quote")
	}
	return d
}
