package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/matt-riley/switchgate/internal/core"
)

// ruleValidate checks rule definitions against the struct tags on the core
// types plus the operator table of each condition type.
var ruleValidate *validator.Validate

func init() {
	ruleValidate = validator.New(validator.WithRequiredStructEnabled())
	ruleValidate.RegisterTagNameFunc(jsonFieldName)
	ruleValidate.RegisterStructValidation(validateConditionOperator, core.Condition{})
}

type ruleSet struct {
	Rules []core.Rule `json:"rules" validate:"dive"`
}

// ValidateRules reports every problem found in rules. A nil or empty slice
// is valid: the flag then resolves to its status.
func ValidateRules(rules []core.Rule) error {
	err := ruleValidate.Struct(ruleSet{Rules: rules})
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, errors.New(describeFieldError(fe)))
	}
	return fmt.Errorf("%w: %w", ErrInvalidRules, errors.Join(errs...))
}

// decodeRules parses a stored rule document. Absent and null documents
// decode to nil.
func decodeRules(payload json.RawMessage) ([]core.Rule, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var rules []core.Rule
	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return rules, nil
}

func parseAndValidateRules(payload json.RawMessage) error {
	rules, err := decodeRules(payload)
	if err != nil {
		return err
	}
	return ValidateRules(rules)
}

func validateConditionOperator(sl validator.StructLevel) {
	condition, ok := sl.Current().Interface().(core.Condition)
	if !ok || condition.ConditionType == "" || condition.Operator == "" {
		return
	}
	if !core.KnownOperator(condition.ConditionType, condition.Operator) {
		sl.ReportError(condition.Operator, "operator", "Operator", "knownoperator", string(condition.ConditionType))
	}
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "ruleSet.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "knownoperator":
		return fmt.Sprintf("%s %q is not supported for condition type %q", field, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}
