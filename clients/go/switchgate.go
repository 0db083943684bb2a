// Package switchgate provides client interfaces and domain types for the
// switchgate feature flag service.
//
// Use the transport sub-package to create a client:
//
//	import switchgatehttp "github.com/matt-riley/switchgate/clients/go/http"
package switchgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// Evaluator covers flag evaluation for a given evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]EvaluateResult, error)
}

// Streamer delivers real-time flag change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan FlagEvent, error)
}

// Flag is a feature flag definition. Nil or empty Rules means the flag
// resolves to Status.
type Flag struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Status      bool      `json:"status"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

type Rule struct {
	Segment *Segment `json:"segment"`
}

// Segment groups conditions. Matching is "all" or "any" (the default).
type Segment struct {
	Key        string      `json:"key"`
	Matching   string      `json:"matching,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// Condition compares one context attribute. ConditionType is one of
// "string", "datetime", "number" or "boolean".
type Condition struct {
	Key           string `json:"key"`
	Context       string `json:"context"`
	ConditionType string `json:"conditionType"`
	Operator      string `json:"operator"`
	Value         string `json:"value"`
	Debug         bool   `json:"debug,omitempty"`
}

// Attribute is one name/value pair of an evaluation context.
type Attribute struct {
	Name  string
	Value string
}

// EvaluationContext is an ordered list of attributes. Order matters: legacy
// evaluation only consults the first attribute.
type EvaluationContext []Attribute

// MarshalJSON encodes the context as a JSON object, keeping attribute order.
func (c EvaluationContext) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(attr.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(attr.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EvaluateRequest is a single flag evaluation request. Mode is "legacy",
// "full" or empty for the server default.
type EvaluateRequest struct {
	Key           string
	Context       EvaluationContext
	CorrelationID string
	Mode          string
}

// EvaluateResponse is the server's evaluation envelope. Time is the elapsed
// evaluation time in milliseconds.
type EvaluateResponse struct {
	Match         bool    `json:"match"`
	Meta          Meta    `json:"meta"`
	Reason        string  `json:"reason"`
	Time          float64 `json:"time"`
	CorrelationID string  `json:"correlationId"`
	ResponseID    string  `json:"responseId"`
}

// Meta names the segment and conditions behind an outcome. Conditions holds
// one key for a single condition and every segment key when ConditionList
// is set.
type Meta struct {
	Segment       string
	Conditions    []string
	ConditionList bool
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	var wire struct {
		Segment   *string         `json:"segment"`
		Condition json.RawMessage `json:"condition"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*m = Meta{}
	if wire.Segment != nil {
		m.Segment = *wire.Segment
	}

	condition := bytes.TrimSpace(wire.Condition)
	switch {
	case len(condition) == 0, bytes.Equal(condition, []byte("null")):
		return nil
	case condition[0] == '[':
		m.ConditionList = true
		return json.Unmarshal(condition, &m.Conditions)
	case condition[0] == '"':
		var key string
		if err := json.Unmarshal(condition, &key); err != nil {
			return err
		}
		m.Conditions = []string{key}
		return nil
	default:
		return errors.New("switchgate: meta condition must be a string, list or null")
	}
}

// EvaluateResult is one entry of a batch evaluation. Response is nil when
// Error is set.
type EvaluateResult struct {
	Key      string
	Response *EvaluateResponse
	Error    string
}

// FlagEvent is a real-time notification of a flag change.
type FlagEvent struct {
	Type    string // "update" | "delete" | "error"
	Key     string
	Flag    *Flag // nil on delete/error
	EventID int64
}
