package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluate_NoRules(b *testing.B) {
	flag := Flag{Status: true}
	evalCtx := NewEvaluationContext("country", "US", "plan", "pro")

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, evalCtx, "bench", ModeFull)
	}
}

func BenchmarkEvaluate_SingleCondition(b *testing.B) {
	flag := Flag{Status: true, Rules: []Rule{
		segmentRule("us", MatchingAny, stringCondition("is-us", "country", OperatorEquals, "US")),
	}}
	evalCtx := NewEvaluationContext("country", "US")

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, evalCtx, "bench", ModeFull)
	}
}

func BenchmarkEvaluate_ManyConditions(b *testing.B) {
	conditions := make([]Condition, 15)
	for i := range conditions {
		conditions[i] = stringCondition(fmt.Sprintf("c-%d", i), fmt.Sprintf("attr-%d", i), OperatorEquals, fmt.Sprintf("val-%d", i))
	}
	flag := Flag{Status: true, Rules: []Rule{segmentRule("many", MatchingAll, conditions...)}}

	evalCtx := NewEvaluationContext()
	for i := range conditions {
		evalCtx.Set(fmt.Sprintf("attr-%d", i), fmt.Sprintf("val-%d", i))
	}

	for _, mode := range []Mode{ModeLegacy, ModeFull} {
		b.Run(mode.String(), func(b *testing.B) {
			b.ResetTimer()
			for b.Loop() {
				Evaluate(flag, evalCtx, "bench", mode)
			}
		})
	}
}

func BenchmarkEvaluate_TypedConditions(b *testing.B) {
	flag := Flag{Status: true, Rules: []Rule{segmentRule("typed", MatchingAll,
		Condition{Key: "signup", Context: "signup", ConditionType: ConditionTypeDateTime, Operator: OperatorBefore, Value: "Jan 1, 2030"},
		Condition{Key: "age", Context: "age", ConditionType: ConditionTypeNumber, Operator: OperatorGTE, Value: "18"},
		Condition{Key: "beta", Context: "beta", ConditionType: ConditionTypeBoolean, Operator: "true"},
	)}}
	evalCtx := NewEvaluationContext("signup", "01/06/2024", "age", "42", "beta", "TRUE")

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, evalCtx, "bench", ModeFull)
	}
}
