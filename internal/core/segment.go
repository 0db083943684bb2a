package core

type segmentResult struct {
	isMatch   bool
	condition ConditionRef
	reason    Reason
}

// evaluateSegment applies the segment's conditions in order. With
// allRequired the first failing condition decides the result; otherwise the
// first passing one does. Running off the end of the list reports a match
// with every condition key and NoMatchingCondition under both policies.
func (e *Evaluator) evaluateSegment(segment *Segment, allRequired bool, evalCtx EvaluationContext) segmentResult {
	conditions := segment.Conditions
	if len(conditions) == 0 {
		return segmentResult{isMatch: true, reason: ReasonConditionNotFound}
	}

	for _, condition := range conditions {
		hasMatch := e.matchCondition(segment.Key, condition, evalCtx.Value(condition.Context))

		if !allRequired && hasMatch {
			return segmentResult{isMatch: true, condition: SingleCondition(condition.Key), reason: ReasonFlagMatch}
		}
		if allRequired && !hasMatch {
			return segmentResult{isMatch: false, condition: SingleCondition(condition.Key), reason: ReasonFlagMatch}
		}
	}

	keys := make([]string, len(conditions))
	for i, condition := range conditions {
		keys[i] = condition.Key
	}

	return segmentResult{isMatch: true, condition: ConditionList(keys), reason: ReasonNoMatchingCondition}
}

func (e *Evaluator) matchCondition(segmentKey string, condition Condition, value string) bool {
	matched := MatchCondition(condition, value)
	if condition.Debug && e.debugHook != nil {
		e.debugHook(ConditionTrace{
			Segment:      segmentKey,
			Condition:    condition,
			ContextValue: value,
			Matched:      matched,
		})
	}
	return matched
}
