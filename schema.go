package dragonpos

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Parameter types understood by Normalize.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Normalize checks args against the definition and returns a copy with
// values coerced to their declared types: integral numbers become int for
// integer parameters and float64 for number parameters. Unknown keys and
// missing required keys are rejected so that a mismatch between the names
// the oracle was shown and the names a tool reads surfaces immediately.
func (d ToolDefinition) Normalize(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))

	unknown := make([]string, 0)
	for key := range args {
		if _, ok := d.Parameters[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%s: unknown argument(s) %s", d.Name, strings.Join(unknown, ", "))
	}

	names := make([]string, 0, len(d.Parameters))
	for name := range d.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := d.Parameters[name]
		raw, ok := args[name]
		if !ok || raw == nil {
			if spec.Required {
				return nil, fmt.Errorf("%s: missing required argument %q", d.Name, name)
			}
			continue
		}
		v, err := coerce(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %q: %w", d.Name, name, err)
		}
		if spec.Required && spec.Type == TypeString && strings.TrimSpace(v.(string)) == "" {
			return nil, fmt.Errorf("%s: argument %q must not be empty", d.Name, name)
		}
		out[name] = v
	}
	return out, nil
}

func coerce(kind string, raw any) (any, error) {
	switch kind {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case TypeInteger:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", f)
		}
		return int(f), nil
	case TypeNumber:
		return toFloat(raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", kind)
	}
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		f = v
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v.String())
		}
		f = n
	case string:
		// Oracles sometimes quote numbers.
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		f = n
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected a finite number, got %v", raw)
	}
	return f, nil
}

// IntArg returns an integer argument or def when absent.
func IntArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(int); ok {
		return v
	}
	return def
}

// FloatArg returns a number argument and whether it was present.
func FloatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key].(float64)
	return v, ok
}

// StringArg returns a trimmed string argument.
func StringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
