package rule

import (
	"fmt"

	"tradeforge/internal/domain"
	"tradeforge/internal/indicator"
)

// Evaluator binds a validated rule set to a computed indicator set and
// produces one signal per candle index. Exit conditions take
// precedence over entry conditions, so a candle where both fire
// yields a sell.
type Evaluator struct {
	rules RuleSet
	set   indicator.Set
}

// NewEvaluator resolves every series reference in the rule set against
// the computed set. A reference to a series that was not computed
// fails with ErrUnknownIndicator.
func NewEvaluator(rules RuleSet, set indicator.Set) (*Evaluator, error) {
	for _, key := range rules.References() {
		if _, ok := set.Lookup(key); !ok {
			return nil, fmt.Errorf("rule references series %q: %w", key, domain.ErrUnknownIndicator)
		}
	}
	return &Evaluator{rules: rules, set: set}, nil
}

// Signal evaluates the rule set at candle index i. A condition whose
// operands are not ready at i (or at i-1 for crossovers) makes its
// group unmatched for this candle rather than erroring; warm-up
// candles therefore hold.
func (e *Evaluator) Signal(i int) domain.Signal {
	if e.groupFires(e.rules.Exit, i) {
		return domain.SignalSell
	}
	if e.groupFires(e.rules.Entry, i) {
		return domain.SignalBuy
	}
	return domain.SignalHold
}

func (e *Evaluator) groupFires(g Group, i int) bool {
	if len(g.Conditions) == 0 {
		return false
	}
	for _, c := range g.Conditions {
		fired := e.conditionFires(c, i)
		if g.Mode == ModeAny && fired {
			return true
		}
		if g.Mode != ModeAny && !fired {
			return false
		}
	}
	return g.Mode != ModeAny
}

func (e *Evaluator) conditionFires(c Condition, i int) bool {
	left, ok := e.operand(c.Left, i)
	if !ok {
		return false
	}
	right, ok := e.rightOperand(c, i)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGT:
		return left > right
	case OpGTE:
		return left >= right
	case OpLT:
		return left < right
	case OpLTE:
		return left <= right
	case OpCrossesAbove, OpCrossesBelow:
		if i == 0 {
			return false
		}
		prevLeft, ok := e.operand(c.Left, i-1)
		if !ok {
			return false
		}
		prevRight, ok := e.rightOperand(c, i-1)
		if !ok {
			return false
		}
		if c.Op == OpCrossesAbove {
			return prevLeft <= prevRight && left > right
		}
		return prevLeft >= prevRight && left < right
	}
	return false
}

func (e *Evaluator) operand(key string, i int) (float64, bool) {
	series, ok := e.set.Lookup(key)
	if !ok {
		return 0, false
	}
	return series.At(i)
}

func (e *Evaluator) rightOperand(c Condition, i int) (float64, bool) {
	if c.Value != nil {
		return *c.Value, true
	}
	return e.operand(c.Right, i)
}
