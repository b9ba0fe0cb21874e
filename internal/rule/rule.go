// Package rule defines the declarative strategy rule set: indicator
// declarations plus entry and exit condition groups evaluated per
// candle. Rule sets are data, parsed from JSON and validated up front;
// no user code is ever executed.
package rule

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tradeforge/internal/indicator"
)

// Condition operators.
const (
	OpGT           = "gt"
	OpGTE          = "gte"
	OpLT           = "lt"
	OpLTE          = "lte"
	OpCrossesAbove = "crosses_above"
	OpCrossesBelow = "crosses_below"
)

// Group combination modes.
const (
	ModeAll = "all"
	ModeAny = "any"
)

// Condition compares a left-hand series against either another series
// or a constant. Exactly one of Right and Value must be set.
type Condition struct {
	Left  string   `json:"left"`
	Op    string   `json:"op"`
	Right string   `json:"right,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

func (c Condition) validate() error {
	switch c.Op {
	case OpGT, OpGTE, OpLT, OpLTE, OpCrossesAbove, OpCrossesBelow:
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	if c.Left == "" {
		return fmt.Errorf("condition with operator %q has no left operand", c.Op)
	}
	if (c.Right == "") == (c.Value == nil) {
		return fmt.Errorf("condition on %q must set exactly one of right and value", c.Left)
	}
	return nil
}

// Group is a set of conditions combined with all (AND) or any (OR)
// semantics. An empty group never fires.
type Group struct {
	Mode       string      `json:"mode"`
	Conditions []Condition `json:"conditions"`
}

func (g Group) validate(name string) error {
	if len(g.Conditions) == 0 {
		return nil
	}
	if g.Mode != ModeAll && g.Mode != ModeAny {
		return fmt.Errorf("%s group: unknown mode %q", name, g.Mode)
	}
	for i, c := range g.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("%s condition %d: %w", name, i, err)
		}
	}
	return nil
}

// RuleSet is the full declarative strategy definition: the indicators
// to compute and the entry and exit groups evaluated against them.
type RuleSet struct {
	Indicators []indicator.Spec `json:"indicators"`
	Entry      Group            `json:"entry"`
	Exit       Group            `json:"exit"`
}

// Parse decodes and validates a rule set from JSON. Unknown fields are
// rejected so typos in strategy definitions fail at save time, not
// silently at evaluation time.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate checks the rule set structurally: operators, group modes
// and operand shape. Series references are resolved later, against the
// computed indicator set.
func (rs RuleSet) Validate() error {
	if len(rs.Entry.Conditions) == 0 {
		return fmt.Errorf("rule set has no entry conditions")
	}
	if err := rs.Entry.validate("entry"); err != nil {
		return err
	}
	return rs.Exit.validate("exit")
}

// References returns every series key the rule set's conditions refer
// to, duplicates removed.
func (rs RuleSet) References() []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, g := range []Group{rs.Entry, rs.Exit} {
		for _, c := range g.Conditions {
			add(c.Left)
			add(c.Right)
		}
	}
	return keys
}
