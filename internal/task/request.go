package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Request is an immutable job submission.
type Request struct {
	ID      string
	Type    string
	Params  map[string]any
	Timeout time.Duration
}

// wireRequest is the {requestId, type, params, timeoutMs?} submission format.
type wireRequest struct {
	RequestID string         `json:"requestId" yaml:"requestId"`
	Type      string         `json:"type" yaml:"type"`
	Params    map[string]any `json:"params" yaml:"params"`
	TimeoutMs int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{
		RequestID: r.ID,
		Type:      r.Type,
		Params:    r.Params,
		TimeoutMs: r.Timeout.Milliseconds(),
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}

// UnmarshalYAML lets job files use the same field names as the JSON form.
func (r *Request) UnmarshalYAML(unmarshal func(any) error) error {
	var w wireRequest
	if err := unmarshal(&w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}

func (r *Request) fromWire(w wireRequest) {
	r.ID = w.RequestID
	r.Type = w.Type
	r.Params = w.Params
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if w.TimeoutMs > 0 {
		r.Timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	}
}

// String returns a required, non-empty string parameter.
func (r Request) String(name string) (string, error) {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return "", &ValidationError{Field: name, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: name, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	if s == "" {
		return "", &ValidationError{Field: name, Reason: "must not be empty"}
	}
	return s, nil
}

func (r Request) OptionalString(name, def string) (string, error) {
	if _, ok := r.Params[name]; !ok {
		return def, nil
	}
	return r.String(name)
}

// Int accepts JSON numbers, YAML integers and numeric strings.
func (r Request) Int(name string) (int64, error) {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return 0, &ValidationError{Field: name, Reason: "is required"}
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, &ValidationError{Field: name, Reason: "must be an integer"}
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &ValidationError{Field: name, Reason: "must be an integer"}
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, &ValidationError{Field: name, Reason: "must be an integer"}
		}
		return i, nil
	}
	return 0, &ValidationError{Field: name, Reason: fmt.Sprintf("must be an integer, got %T", v)}
}

// Strings returns a required, non-empty list of strings.
func (r Request) Strings(name string) ([]string, error) {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return nil, &ValidationError{Field: name, Reason: "is required"}
	}
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for i, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, &ValidationError{Field: fmt.Sprintf("%s[%d]", name, i), Reason: "must be a non-empty string"}
			}
			out = append(out, s)
		}
	default:
		return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("must be a list of strings, got %T", v)}
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: name, Reason: "must not be empty"}
	}
	return out, nil
}

func (r Request) OptionalStrings(name string) ([]string, error) {
	if _, ok := r.Params[name]; !ok {
		return nil, nil
	}
	return r.Strings(name)
}

// OptionalBool accepts booleans and the strings "true" and "false".
func (r Request) OptionalBool(name string, def bool) (bool, error) {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, &ValidationError{Field: name, Reason: "must be a boolean"}
		}
		return parsed, nil
	}
	return false, &ValidationError{Field: name, Reason: fmt.Sprintf("must be a boolean, got %T", v)}
}

// OptionalStringMap returns a map of string values, or nil when absent.
func (r Request) OptionalStringMap(name string) (map[string]string, error) {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return nil, nil
	}
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[string]any:
		for k, val := range m {
			s, ok := val.(string)
			if !ok {
				return nil, &ValidationError{Field: name + "." + k, Reason: "must be a string"}
			}
			out[k] = s
		}
	default:
		return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("must be an object, got %T", v)}
	}
	return out, nil
}
