package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	errMalformedRule     = errors.New("rule has no segment")
	errMissingConditions = errors.New("segment has no condition list")
)

// ConditionTrace describes one condition evaluation. It is delivered to the
// [DebugHook] for conditions that have Debug set.
type ConditionTrace struct {
	Segment      string
	Condition    Condition
	ContextValue string
	Matched      bool
}

type DebugHook func(ConditionTrace)

// Evaluator evaluates flags against evaluation contexts. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	now       func() time.Time
	newID     func() string
	debugHook DebugHook
}

type Option func(*Evaluator)

// WithClock overrides the time source used to measure evaluation time.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides the response id generator (UUIDv4 by default).
func WithIDGenerator(newID func() string) Option {
	return func(e *Evaluator) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithDebugHook registers a hook invoked for every evaluated condition whose
// Debug field is set.
func WithDebugHook(hook DebugHook) Option {
	return func(e *Evaluator) { e.debugHook = hook }
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate runs flag through the default evaluator.
func Evaluate(flag Flag, evalCtx EvaluationContext, correlationID string, mode Mode) EvaluateResponse {
	return defaultEvaluator.Evaluate(flag, evalCtx, correlationID, mode)
}

// outcome is the part of a response decided by the gates and strategies.
type outcome struct {
	match     bool
	segment   string
	condition ConditionRef
	reason    Reason
}

type strategy func(e *Evaluator, rules []Rule, evalCtx EvaluationContext) (outcome, error)

var strategies = map[Mode]strategy{
	ModeLegacy: evaluateLegacy,
	ModeFull:   evaluateFull,
}

// Evaluate decides whether flag matches evalCtx. It never panics and never
// returns an error: malformed definitions resolve to ReasonGenericError.
func (e *Evaluator) Evaluate(flag Flag, evalCtx EvaluationContext, correlationID string, mode Mode) EvaluateResponse {
	start := e.now()
	return e.respond(start, e.decide(flag, evalCtx, mode), correlationID)
}

// Fail builds a ReasonGenericError response for a flag that could not be
// evaluated at all, such as one whose stored rules fail to decode.
func (e *Evaluator) Fail(correlationID string) EvaluateResponse {
	return e.respond(e.now(), outcome{reason: ReasonGenericError}, correlationID)
}

func (e *Evaluator) respond(start time.Time, result outcome, correlationID string) EvaluateResponse {
	elapsed := e.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	return EvaluateResponse{
		Match: result.match,
		Meta: Meta{
			Segment:   result.segment,
			Condition: result.condition,
		},
		Reason:        result.reason,
		Time:          float64(elapsed) / float64(time.Millisecond),
		CorrelationID: correlationID,
		ResponseID:    e.newID(),
	}
}

func (e *Evaluator) decide(flag Flag, evalCtx EvaluationContext, mode Mode) (result outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = outcome{reason: ReasonGenericError}
		}
	}()

	if flag.Rules == nil {
		return outcome{match: flag.Status, reason: ReasonRuleNotFound}
	}
	if !flag.Status {
		return outcome{reason: ReasonFlagDisabled}
	}

	evaluate, ok := strategies[mode]
	if !ok {
		return outcome{reason: ReasonGenericError}
	}

	result, err := evaluate(e, flag.Rules, evalCtx)
	if err != nil {
		return outcome{reason: ReasonGenericError}
	}

	return result
}

// evaluateFull chains rules with AND semantics: each rule's segment result
// replaces the previous one and evaluation stops at the first miss. An empty
// rule list reports NoMatchingCondition.
func evaluateFull(e *Evaluator, rules []Rule, evalCtx EvaluationContext) (outcome, error) {
	result := outcome{reason: ReasonNoMatchingCondition}
	for idx, rule := range rules {
		if rule.Segment == nil {
			return outcome{}, fmt.Errorf("rules[%d]: %w", idx, errMalformedRule)
		}
		if rule.Segment.Conditions == nil {
			return outcome{}, fmt.Errorf("rules[%d]: %w", idx, errMissingConditions)
		}

		segmentResult := e.evaluateSegment(rule.Segment, rule.Segment.requiresAll(), evalCtx)
		result = outcome{
			match:     segmentResult.isMatch,
			segment:   rule.Segment.Key,
			condition: segmentResult.condition,
			reason:    segmentResult.reason,
		}
		if !result.match {
			break
		}
	}

	return result, nil
}

// evaluateLegacy only looks at the first context attribute. The first
// condition referencing it, scanning rules in order, decides the outcome.
func evaluateLegacy(e *Evaluator, rules []Rule, evalCtx EvaluationContext) (outcome, error) {
	attribute, ok := evalCtx.FirstKey()
	if !ok {
		return outcome{reason: ReasonNoMatchingCondition}, nil
	}
	value := evalCtx.Value(attribute)

	for idx, rule := range rules {
		if rule.Segment == nil {
			return outcome{}, fmt.Errorf("rules[%d]: %w", idx, errMalformedRule)
		}

		for _, condition := range rule.Segment.Conditions {
			if condition.Context != attribute {
				continue
			}

			return outcome{
				match:     e.matchCondition(rule.Segment.Key, condition, value),
				segment:   rule.Segment.Key,
				condition: SingleCondition(condition.Key),
				reason:    ReasonFlagMatch,
			}, nil
		}
	}

	return outcome{reason: ReasonNoMatchingCondition}, nil
}
