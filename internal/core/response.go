package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Reason explains an evaluation outcome. The set is closed; callers branch
// on it instead of on errors.
type Reason string

const (
	ReasonRuleNotFound        Reason = "RuleNotFound"
	ReasonFlagDisabled        Reason = "FlagDisabled"
	ReasonFlagMatch           Reason = "FlagMatch"
	ReasonNoMatchingCondition Reason = "NoMatchingCondition"
	ReasonConditionNotFound   Reason = "ConditionNotFound"
	ReasonGenericError        Reason = "GenericError"
)

// Reasons lists every diagnostic code.
var Reasons = []Reason{
	ReasonRuleNotFound,
	ReasonFlagDisabled,
	ReasonFlagMatch,
	ReasonNoMatchingCondition,
	ReasonConditionNotFound,
	ReasonGenericError,
}

// Mode selects the rule evaluation strategy.
type Mode int

const (
	// ModeLegacy consults only the first context attribute and evaluates the
	// first condition, across all rules, that references it.
	ModeLegacy Mode = iota
	// ModeFull evaluates every rule's segment in order and stops at the
	// first segment that does not match.
	ModeFull
)

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "legacy", "v1":
		return ModeLegacy, nil
	case "full", "v2":
		return ModeFull, nil
	default:
		return 0, fmt.Errorf("unknown evaluation mode %q", value)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case ModeLegacy, ModeFull:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("unknown evaluation mode %d", int(m))
	}
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ConditionRef identifies the condition(s) behind an outcome: nothing, a
// single condition key, or the list of every key in a segment.
type ConditionRef struct {
	keys []string
	list bool
}

func SingleCondition(key string) ConditionRef {
	return ConditionRef{keys: []string{key}}
}

func ConditionList(keys []string) ConditionRef {
	return ConditionRef{keys: slices.Clone(keys), list: true}
}

func (r ConditionRef) IsZero() bool {
	return !r.list && len(r.keys) == 0
}

func (r ConditionRef) IsList() bool {
	return r.list
}

func (r ConditionRef) Keys() []string {
	return slices.Clone(r.keys)
}

func (r ConditionRef) String() string {
	switch {
	case r.list:
		return "[" + strings.Join(r.keys, ",") + "]"
	case len(r.keys) == 1:
		return r.keys[0]
	default:
		return ""
	}
}

func (r ConditionRef) MarshalJSON() ([]byte, error) {
	switch {
	case r.list:
		keys := r.keys
		if keys == nil {
			keys = []string{}
		}
		return json.Marshal(keys)
	case len(r.keys) == 1:
		return json.Marshal(r.keys[0])
	default:
		return []byte("null"), nil
	}
}

func (r *ConditionRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*r = ConditionRef{}
		return nil
	case len(trimmed) > 0 && trimmed[0] == '[':
		var keys []string
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return err
		}
		*r = ConditionList(keys)
		return nil
	default:
		var key string
		if err := json.Unmarshal(trimmed, &key); err != nil {
			return err
		}
		*r = SingleCondition(key)
		return nil
	}
}

// Meta names the segment and condition(s) an outcome came from. An empty
// Segment is encoded as null.
type Meta struct {
	Segment   string
	Condition ConditionRef
}

type wireMeta struct {
	Segment   *string      `json:"segment"`
	Condition ConditionRef `json:"condition"`
}

func (m Meta) MarshalJSON() ([]byte, error) {
	wire := wireMeta{Condition: m.Condition}
	if m.Segment != "" {
		segment := m.Segment
		wire.Segment = &segment
	}
	return json.Marshal(wire)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	var wire wireMeta
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Meta{Condition: wire.Condition}
	if wire.Segment != nil {
		m.Segment = *wire.Segment
	}
	return nil
}

// EvaluateResponse is the result of a single evaluation. Time is the elapsed
// evaluation time in milliseconds.
type EvaluateResponse struct {
	Match         bool    `json:"match"`
	Meta          Meta    `json:"meta"`
	Reason        Reason  `json:"reason"`
	Time          float64 `json:"time"`
	CorrelationID string  `json:"correlationId"`
	ResponseID    string  `json:"responseId"`
}
