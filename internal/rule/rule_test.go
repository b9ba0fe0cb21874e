package rule

import (
	"errors"
	"testing"
	"time"

	"tradeforge/internal/domain"
	"tradeforge/internal/indicator"
	"tradeforge/internal/market"
)

func setOf(t *testing.T, specs []indicator.Spec, closes ...float64) indicator.Set {
	t.Helper()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, len(closes))
	for i, c := range closes {
		open := base.Add(time.Duration(i) * time.Hour)
		candles[i] = domain.Candle{
			OpenTime: open, Open: c, High: c + 1, Low: c - 1, Close: c,
			Volume: 1, CloseTime: open.Add(time.Hour),
		}
	}
	w, err := market.NewWindow("BTCUSDT", domain.Interval("1h"), candles)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	set, err := indicator.Compute(w, specs)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return set
}

func f(v float64) *float64 { return &v }

func TestParseValid(t *testing.T) {
	rs, err := Parse([]byte(`{
		"indicators": [{"name": "ema9", "type": "ema", "period": 9}],
		"entry": {"mode": "all", "conditions": [{"left": "close", "op": "crosses_above", "right": "ema9"}]},
		"exit": {"mode": "any", "conditions": [{"left": "close", "op": "lt", "right": "ema9"}]}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rs.Indicators) != 1 || rs.Entry.Conditions[0].Op != OpCrossesAbove {
		t.Fatalf("unexpected rule set %+v", rs)
	}
}

func TestParseRejections(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"entry": {"mode": "all", "conditions": [{"left": "close", "op": "gt", "value": 1}]}, "bogus": 1}`,
		"bad operator":  `{"entry": {"mode": "all", "conditions": [{"left": "close", "op": "above", "value": 1}]}}`,
		"bad mode":      `{"entry": {"mode": "some", "conditions": [{"left": "close", "op": "gt", "value": 1}]}}`,
		"no entry":      `{"exit": {"mode": "all", "conditions": [{"left": "close", "op": "gt", "value": 1}]}}`,
		"two operands":  `{"entry": {"mode": "all", "conditions": [{"left": "close", "op": "gt", "right": "ema9", "value": 1}]}}`,
		"no operand":    `{"entry": {"mode": "all", "conditions": [{"left": "close", "op": "gt"}]}}`,
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestEvaluatorUnknownReference(t *testing.T) {
	set := setOf(t, nil, 1, 2, 3)
	rs := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "ema_9", Op: OpGT, Value: f(0)},
	}}}
	_, err := NewEvaluator(rs, set)
	if !errors.Is(err, domain.ErrUnknownIndicator) {
		t.Fatalf("err = %v, want ErrUnknownIndicator", err)
	}
}

func TestCrossesAboveTieBreak(t *testing.T) {
	// prev equal counts as below, so the move off equality fires.
	set := setOf(t, nil, 10, 10, 11)
	rs := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "close", Op: OpCrossesAbove, Value: f(10)},
	}}}
	ev, err := NewEvaluator(rs, set)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	want := []domain.Signal{domain.SignalHold, domain.SignalHold, domain.SignalBuy}
	for i, w := range want {
		if got := ev.Signal(i); got != w {
			t.Errorf("signal[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestCrossoverSymmetry(t *testing.T) {
	set := setOf(t, nil, 12, 9, 12, 9)
	above := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "close", Op: OpCrossesAbove, Value: f(10)},
	}}}
	below := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "close", Op: OpCrossesBelow, Value: f(10)},
	}}}
	evAbove, _ := NewEvaluator(above, set)
	evBelow, _ := NewEvaluator(below, set)
	for i := 0; i < 4; i++ {
		a := evAbove.Signal(i) == domain.SignalBuy
		b := evBelow.Signal(i) == domain.SignalBuy
		if a && b {
			t.Errorf("index %d: both crossover directions fired", i)
		}
	}
	if evAbove.Signal(2) != domain.SignalBuy {
		t.Error("crosses_above did not fire on upward cross")
	}
	if evBelow.Signal(3) != domain.SignalBuy {
		t.Error("crosses_below did not fire on downward cross")
	}
	if evBelow.Signal(1) != domain.SignalBuy {
		t.Error("crosses_below did not fire on initial downward cross")
	}
}

func TestSeriesVersusSeriesCross(t *testing.T) {
	set := setOf(t, []indicator.Spec{{Name: "sma3", Type: "sma", Period: 3}}, 10, 10, 10, 14)
	rs := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "close", Op: OpCrossesAbove, Right: "sma3"},
	}}}
	ev, err := NewEvaluator(rs, set)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ev.Signal(i) != domain.SignalHold {
			t.Errorf("signal[%d] != hold before cross", i)
		}
	}
	if ev.Signal(3) != domain.SignalBuy {
		t.Error("no buy when close crossed above its moving average")
	}
}

func TestWarmupHolds(t *testing.T) {
	set := setOf(t, []indicator.Spec{{Name: "sma3", Type: "sma", Period: 3}}, 1, 2, 3, 4)
	rs := RuleSet{Entry: Group{Mode: ModeAll, Conditions: []Condition{
		{Left: "sma3", Op: OpGT, Value: f(0)},
	}}}
	ev, _ := NewEvaluator(rs, set)
	if ev.Signal(0) != domain.SignalHold || ev.Signal(1) != domain.SignalHold {
		t.Error("not-ready operand did not hold")
	}
	if ev.Signal(2) != domain.SignalBuy {
		t.Error("ready operand did not fire")
	}
}

func TestExitPrecedence(t *testing.T) {
	set := setOf(t, nil, 5, 6)
	rs := RuleSet{
		Entry: Group{Mode: ModeAll, Conditions: []Condition{{Left: "close", Op: OpGT, Value: f(0)}}},
		Exit:  Group{Mode: ModeAll, Conditions: []Condition{{Left: "close", Op: OpGT, Value: f(0)}}},
	}
	ev, _ := NewEvaluator(rs, set)
	if got := ev.Signal(1); got != domain.SignalSell {
		t.Fatalf("signal = %v, want sell when entry and exit both fire", got)
	}
}

func TestAnyMode(t *testing.T) {
	set := setOf(t, nil, 5)
	rs := RuleSet{Entry: Group{Mode: ModeAny, Conditions: []Condition{
		{Left: "close", Op: OpGT, Value: f(100)},
		{Left: "close", Op: OpLT, Value: f(100)},
	}}}
	ev, _ := NewEvaluator(rs, set)
	if ev.Signal(0) != domain.SignalBuy {
		t.Error("any-mode group with one true condition did not fire")
	}
}
