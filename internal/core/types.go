package core

type ConditionType string

const (
	ConditionTypeString   ConditionType = "string"
	ConditionTypeDateTime ConditionType = "datetime"
	ConditionTypeNumber   ConditionType = "number"
	ConditionTypeBoolean  ConditionType = "boolean"
)

type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorNotEquals  Operator = "notEquals"
	OperatorStartsWith Operator = "startsWith"
	OperatorEndsWith   Operator = "endsWith"
	OperatorBefore     Operator = "before"
	OperatorBeforeOrAt Operator = "beforeOrAt"
	OperatorAfter      Operator = "after"
	OperatorAfterOrAt  Operator = "afterOrAt"
	OperatorGT         Operator = "gt"
	OperatorLT         Operator = "lt"
	OperatorLTE        Operator = "lte"
	OperatorGTE        Operator = "gte"
)

// Matching is a segment's condition policy. Anything other than
// MatchingAll, including the empty value, behaves as MatchingAny.
type Matching string

const (
	MatchingAny Matching = "any"
	MatchingAll Matching = "all"
)

// Condition is a single typed comparison between a context attribute and
// Value. Value is always text; it is coerced by the matcher for the
// condition's type. Boolean conditions compare against Operator instead.
type Condition struct {
	Key           string        `json:"key" yaml:"key" validate:"required"`
	Context       string        `json:"context" yaml:"context" validate:"required"`
	ConditionType ConditionType `json:"conditionType" yaml:"conditionType" validate:"required,oneof=string datetime number boolean"`
	Operator      Operator      `json:"operator" yaml:"operator" validate:"required"`
	Value         string        `json:"value" yaml:"value"`
	Debug         bool          `json:"debug,omitempty" yaml:"debug,omitempty"`
}

type Segment struct {
	Key        string      `json:"key" yaml:"key" validate:"required"`
	Matching   Matching    `json:"matching,omitempty" yaml:"matching,omitempty" validate:"omitempty,oneof=any all"`
	Conditions []Condition `json:"conditions" yaml:"conditions" validate:"required,dive"`
}

func (s *Segment) requiresAll() bool {
	return s.Matching == MatchingAll
}

type Rule struct {
	Segment *Segment `json:"segment" yaml:"segment" validate:"required"`
}

// Flag is the definition evaluated by [Evaluator]. A nil Rules slice means
// the flag has no targeting and resolves to Status. An empty, non-nil slice
// still goes through the status gate and the mode strategy.
type Flag struct {
	Status bool   `json:"status" yaml:"status"`
	Rules  []Rule `json:"rules" yaml:"rules" validate:"dive"`
}
