package core

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		input  string
		want   time.Time
		wantOK bool
	}{
		{input: "2023-01-02", want: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "2023/01/02", want: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "02/01/2023", want: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "02-01-2023", want: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "Jan 2, 2023", want: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "01/02/2023", want: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), wantOK: true},
		{input: "2023-02-30", wantOK: false},
		{input: "2023-01-02T10:00:00Z", wantOK: false},
		{input: "", wantOK: false},
		{input: "yesterday", wantOK: false},
	}

	for _, tt := range tests {
		got, ok := ParseDate(tt.input)
		if ok != tt.wantOK {
			t.Fatalf("ParseDate(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
		}
		if ok && !got.Equal(tt.want) {
			t.Fatalf("ParseDate(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDateComparators(t *testing.T) {
	tests := []struct {
		name  string
		op    Operator
		value string
		right string
		want  bool
	}{
		{name: "same across formats", op: OperatorEquals, value: "02/01/2023", right: "2023-01-02", want: true},
		{name: "same differs", op: OperatorEquals, value: "2023-01-03", right: "2023-01-02", want: false},
		{name: "not same", op: OperatorNotEquals, value: "2023-01-03", right: "2023-01-02", want: true},
		{name: "before", op: OperatorBefore, value: "2022-12-31", right: "Jan 1, 2023", want: true},
		{name: "beforeOrAt equal", op: OperatorBeforeOrAt, value: "2023-01-01", right: "01-01-2023", want: true},
		{name: "after", op: OperatorAfter, value: "2023/01/02", right: "2023-01-01", want: true},
		{name: "afterOrAt earlier", op: OperatorAfterOrAt, value: "2022-12-31", right: "2023-01-01", want: false},
		{name: "left unparsable", op: OperatorBeforeOrAt, value: "", right: "2023-01-01", want: false},
		{name: "right unparsable", op: OperatorAfterOrAt, value: "2023-01-01", right: "next week", want: false},
		{name: "notEquals unparsable", op: OperatorNotEquals, value: "soon", right: "2023-01-01", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			condition := Condition{ConditionType: ConditionTypeDateTime, Operator: tt.op, Value: tt.right}
			if got := MatchCondition(condition, tt.value); got != tt.want {
				t.Fatalf("MatchCondition(%s %q, %q) = %v, want %v", tt.op, tt.right, tt.value, got, tt.want)
			}
		})
	}
}
