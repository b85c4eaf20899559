package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"go.uber.org/zap"
)

// ToolCallMarker prefixes every tool-call line in oracle output.
const ToolCallMarker = "TOOL_CALL:"

// Extraction is the result of parsing oracle text for tool calls.
type Extraction struct {
	Invocations []dragonpos.ToolInvocation
	// Text is the original reply with marker lines removed.
	Text string
	// Dropped lists tool names that were not in the catalog.
	Dropped []string
}

// Extractor turns `TOOL_CALL: <name> <json-object>` lines into invocations.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an extractor. A nil logger is replaced by a no-op logger.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract parses text against the catalog. Unknown tool names are logged and
// skipped. An argument blob that is not a flat JSON object is a broken
// contract and fails the whole extraction.
func (e *Extractor) Extract(text string, catalog []dragonpos.ToolDefinition) (*Extraction, error) {
	known := make(map[string]struct{}, len(catalog))
	for _, def := range catalog {
		known[def.Name] = struct{}{}
	}

	out := &Extraction{}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		body, ok := markerBody(line)
		if !ok {
			kept = append(kept, line)
			continue
		}

		name, rawArgs := splitCall(body)
		if name == "" {
			return nil, dragonpos.NewMalformedToolCallError("", fmt.Errorf("tool call line has no function name: %q", line))
		}
		if _, ok := known[name]; !ok {
			e.logger.Warn("dropping tool call for unknown tool", zap.String("tool", name))
			out.Dropped = append(out.Dropped, name)
			continue
		}

		args, err := parseArguments(rawArgs)
		if err != nil {
			return nil, dragonpos.NewMalformedToolCallError(name, err)
		}
		out.Invocations = append(out.Invocations, dragonpos.ToolInvocation{FunctionName: name, Arguments: args})
	}

	out.Text = strings.TrimSpace(strings.Join(kept, "\n"))
	return out, nil
}

// markerBody returns the text after the marker if line is a tool-call line.
// Surrounding whitespace, list bullets and inline code ticks are tolerated.
func markerBody(line string) (string, bool) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "- ")
	s = strings.Trim(s, "`")
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, ToolCallMarker) {
		return "", false
	}
	return strings.TrimSpace(s[len(ToolCallMarker):]), true
}

func splitCall(body string) (name, args string) {
	idx := strings.IndexAny(body, " \t{")
	if idx < 0 {
		return body, ""
	}
	return body[:idx], strings.TrimSpace(body[idx:])
}

// parseArguments decodes a flat JSON object. Integral numbers become int,
// other numbers float64.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing argument object; use {} for no arguments")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after argument object")
	}
	if obj == nil {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}

	args := make(map[string]any, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				args[k] = int(i)
				continue
			}
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", k, err)
			}
			args[k] = f
		case string, bool, nil:
			args[k] = val
		default:
			return nil, fmt.Errorf("argument %q must be a primitive value", k)
		}
	}
	return args, nil
}
