package engine

import (
	"encoding/json"
	"strings"

	"github.com/optiforge/optiforge/internal/model"
)

// Output is the parsed form of an execution unit's output stream.
type Output struct {
	// Lines is the raw stream split into lines, for log persistence.
	Lines []string
	// Events are the structured progress events, in arrival order.
	Events []model.LogEvent
	// FoundMarkers reports whether a RESULT_START/RESULT_END pair was seen.
	// Markers are a stronger completion signal than executor status.
	FoundMarkers bool
	// Result is the JSON object between the markers, nil if the block was
	// missing or malformed.
	Result json.RawMessage
}

// ParseOutput scans an execution unit's output stream for prefixed progress
// events and the delimited result block, tolerating arbitrary program output
// interleaved between them.
func ParseOutput(text string) Output {
	var out Output
	if text == "" {
		return out
	}

	out.Lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	inResult := false
	var resultBuf strings.Builder
	for _, line := range out.Lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == model.ResultStartMarker:
			inResult = true
			resultBuf.Reset()
		case trimmed == model.ResultEndMarker:
			if inResult {
				out.FoundMarkers = true
				if raw := extractJSON(resultBuf.String()); raw != nil {
					out.Result = raw
				}
			}
			inResult = false
		case inResult:
			resultBuf.WriteString(line)
			resultBuf.WriteString("\n")
		case strings.HasPrefix(trimmed, model.ProgressPrefix):
			payload := strings.TrimPrefix(trimmed, model.ProgressPrefix)
			var ev model.LogEvent
			if err := json.Unmarshal([]byte(payload), &ev); err == nil {
				out.Events = append(out.Events, ev)
			}
			// Malformed progress lines are plain program output.
		}
	}

	return out
}

// extractJSON validates that s holds a single JSON object and returns it in
// compact raw form, or nil when it does not parse.
func extractJSON(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil
	}
	return json.RawMessage(trimmed)
}
