package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type conditionMatcher interface {
	match(condition Condition, value string) bool
}

// operatorTable compares a context value (left) against a condition operand
// (right) after both have been parsed. An operator missing from the table
// never matches.
type operatorTable[T any] struct {
	parse     func(string) (T, bool)
	operators map[Operator]func(left, right T) bool
}

func (t operatorTable[T]) match(condition Condition, value string) bool {
	compare, ok := t.operators[condition.Operator]
	if !ok {
		return false
	}

	left, ok := t.parse(value)
	if !ok {
		return false
	}
	right, ok := t.parse(condition.Value)
	if !ok {
		return false
	}

	return compare(left, right)
}

// booleanMatcher compares the operator slot itself, case-insensitively,
// against the context value.
type booleanMatcher struct{}

func (booleanMatcher) match(condition Condition, value string) bool {
	return strings.EqualFold(string(condition.Operator), value)
}

var matchers = map[ConditionType]conditionMatcher{
	ConditionTypeString: operatorTable[string]{
		parse: parseText,
		operators: map[Operator]func(string, string) bool{
			OperatorEquals:     func(left, right string) bool { return left == right },
			OperatorNotEquals:  func(left, right string) bool { return left != right },
			OperatorStartsWith: strings.HasPrefix,
			OperatorEndsWith:   strings.HasSuffix,
		},
	},
	ConditionTypeDateTime: operatorTable[time.Time]{
		parse: ParseDate,
		operators: map[Operator]func(time.Time, time.Time) bool{
			OperatorEquals:     sameDay,
			OperatorNotEquals:  notSameDay,
			OperatorBefore:     before,
			OperatorBeforeOrAt: beforeOrAt,
			OperatorAfter:      after,
			OperatorAfterOrAt:  afterOrAt,
		},
	},
	ConditionTypeNumber: operatorTable[decimal.Decimal]{
		parse: parseNumber,
		operators: map[Operator]func(decimal.Decimal, decimal.Decimal) bool{
			OperatorEquals:    decimal.Decimal.Equal,
			OperatorNotEquals: func(left, right decimal.Decimal) bool { return !left.Equal(right) },
			OperatorGT:        decimal.Decimal.GreaterThan,
			OperatorLT:        decimal.Decimal.LessThan,
			OperatorLTE:       decimal.Decimal.LessThanOrEqual,
			OperatorGTE:       decimal.Decimal.GreaterThanOrEqual,
		},
	},
	ConditionTypeBoolean: booleanMatcher{},
}

// MatchCondition reports whether value satisfies condition. It never fails:
// unknown types, unknown operators and unparsable operands all report false.
func MatchCondition(condition Condition, value string) bool {
	matcher, ok := matchers[condition.ConditionType]
	if !ok {
		return false
	}
	return matcher.match(condition, value)
}

// KnownOperator reports whether op is meaningful for conditionType. Boolean
// conditions accept "true" and "false" in any case.
func KnownOperator(conditionType ConditionType, op Operator) bool {
	switch matcher := matchers[conditionType].(type) {
	case operatorTable[string]:
		_, ok := matcher.operators[op]
		return ok
	case operatorTable[time.Time]:
		_, ok := matcher.operators[op]
		return ok
	case operatorTable[decimal.Decimal]:
		_, ok := matcher.operators[op]
		return ok
	case booleanMatcher:
		return strings.EqualFold(string(op), "true") || strings.EqualFold(string(op), "false")
	default:
		return false
	}
}

func parseText(value string) (string, bool) {
	return value, true
}

// parseNumber reads a blank operand as zero, so a missing attribute compares
// as 0.
func parseNumber(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, true
	}
	number, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return number, true
}
