package tools

import (
	"log/slog"
	"math"
)

// validator accumulates argument checks for one tool call. Failures are
// recorded rather than returned so call sites read as straight-line field
// extraction; ok() reports the verdict once all fields are pulled.
type validator struct {
	tool   string
	args   map[string]any
	failed bool
}

// newValidator wraps args for tool. Fields outside allowed are tolerated but
// logged, since the model occasionally invents extras.
func newValidator(tool string, args map[string]any, allowed ...string) *validator {
	for key := range args {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			slog.Debug("tool router: ignoring unknown argument", "tool", tool, "arg", key)
		}
	}
	return &validator{tool: tool, args: args}
}

func (v *validator) ok() bool { return !v.failed }

func (v *validator) fail(key, want string, got any) {
	slog.Warn("tool router: bad argument",
		"tool", v.tool,
		"arg", key,
		"want", want,
		"got", got,
	)
	v.failed = true
}

// requiredString pulls a non-empty string field.
func (v *validator) requiredString(key string) string {
	raw, present := v.args[key]
	if !present {
		v.fail(key, "string", nil)
		return ""
	}
	s, isString := raw.(string)
	if !isString || s == "" {
		v.fail(key, "non-empty string", raw)
		return ""
	}
	return s
}

// optionalString pulls a string field, tolerating absence. A present
// non-string value still fails.
func (v *validator) optionalString(key string) string {
	raw, present := v.args[key]
	if !present || raw == nil {
		return ""
	}
	s, isString := raw.(string)
	if !isString {
		v.fail(key, "string", raw)
		return ""
	}
	return s
}

// requiredInt pulls an integer field. JSON numbers arrive as float64, so an
// integral float is accepted.
func (v *validator) requiredInt(key string) int {
	raw, present := v.args[key]
	if !present {
		v.fail(key, "integer", nil)
		return 0
	}
	switch n := raw.(type) {
	case float64:
		if n != math.Trunc(n) {
			v.fail(key, "integer", raw)
			return 0
		}
		return int(n)
	case int:
		return n
	default:
		v.fail(key, "integer", raw)
		return 0
	}
}

// requiredNumber pulls a numeric field.
func (v *validator) requiredNumber(key string) float64 {
	raw, present := v.args[key]
	if !present {
		v.fail(key, "number", nil)
		return 0
	}
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		v.fail(key, "number", raw)
		return 0
	}
}
