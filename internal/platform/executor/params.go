package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidParams = errors.New("invalid executor parameters")

// Params is a decoded request body with typed accessors. Executors read the
// fields they understand and ignore the rest.
type Params map[string]json.RawMessage

func DecodeParams(body json.RawMessage) (Params, error) {
	var p Params
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

func (p Params) has(key string) bool {
	raw, ok := p[key]
	return ok && string(raw) != "null"
}

func (p Params) String(key, def string) (string, error) {
	if !p.has(key) {
		return def, nil
	}
	var s string
	if err := json.Unmarshal(p[key], &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParams, key)
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}

func (p Params) RequiredString(key string) (string, error) {
	s, err := p.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	return s, nil
}

// Int accepts a JSON number or a numeric string.
func (p Params) Int(key string, def int64) (int64, error) {
	if !p.has(key) {
		return def, nil
	}
	var n json.Number
	if err := json.Unmarshal(p[key], &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, nil
		}
	}
	var s string
	if err := json.Unmarshal(p[key], &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
}

func (p Params) RequiredInt(key string) (int64, error) {
	if !p.has(key) {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	return p.Int(key, 0)
}

func (p Params) Bool(key string, def bool) (bool, error) {
	if !p.has(key) {
		return def, nil
	}
	var b bool
	if err := json.Unmarshal(p[key], &b); err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParams, key)
	}
	return b, nil
}

func (p Params) Strings(key string, def []string) ([]string, error) {
	if !p.has(key) {
		return def, nil
	}
	var out []string
	if err := json.Unmarshal(p[key], &out); err != nil {
		return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParams, key)
	}
	return out, nil
}
