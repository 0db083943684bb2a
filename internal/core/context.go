package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// EvaluationContext maps attribute names to textual values. Attribute order
// is preserved because legacy evaluation only consults the first attribute.
type EvaluationContext struct {
	keys   []string
	values map[string]string
}

// NewEvaluationContext builds a context from alternating name/value pairs.
// A trailing name without a value is stored with an empty value.
func NewEvaluationContext(pairs ...string) EvaluationContext {
	var evalCtx EvaluationContext
	for i := 0; i < len(pairs); i += 2 {
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		evalCtx.Set(pairs[i], value)
	}
	return evalCtx
}

// Set stores value under key. Re-setting an existing key keeps its
// original position.
func (c *EvaluationContext) Set(key, value string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Value returns the attribute value, or "" when the attribute is absent.
func (c EvaluationContext) Value(key string) string {
	return c.values[key]
}

// FirstKey returns the first attribute name in insertion order.
func (c EvaluationContext) FirstKey() (string, bool) {
	if len(c.keys) == 0 {
		return "", false
	}
	return c.keys[0], true
}

func (c EvaluationContext) Keys() []string {
	return slices.Clone(c.keys)
}

func (c EvaluationContext) Len() int {
	return len(c.keys)
}

func (c EvaluationContext) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(c.values[key])
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

// UnmarshalJSON decodes a JSON object, keeping attribute order as it appears
// in the document. Numbers and booleans are kept as their literal text and
// null becomes the empty string; nested objects and arrays are rejected.
func (c *EvaluationContext) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if token == nil {
		*c = EvaluationContext{}
		return nil
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return errors.New("evaluation context must be a JSON object")
	}

	var next EvaluationContext
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := token.(string)
		if !ok {
			return fmt.Errorf("unexpected context key %v", token)
		}

		var raw any
		if err := decoder.Decode(&raw); err != nil {
			return fmt.Errorf("decode context attribute %q: %w", key, err)
		}
		value, err := attributeText(raw)
		if err != nil {
			return fmt.Errorf("context attribute %q: %w", key, err)
		}
		next.Set(key, value)
	}

	if _, err := decoder.Token(); err != nil {
		return err
	}

	*c = next
	return nil
}

func attributeText(raw any) (string, error) {
	switch value := raw.(type) {
	case nil:
		return "", nil
	case string:
		return value, nil
	case json.Number:
		return value.String(), nil
	case bool:
		return strconv.FormatBool(value), nil
	default:
		return "", errors.New("value must be a string, number, boolean, or null")
	}
}
