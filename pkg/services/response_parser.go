package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// fencedBlockPattern matches a markdown code fence, with or without a
// language tag, capturing the fenced body. Models emit both ``` and ~~~.
var fencedBlockPattern = regexp.MustCompile("(?si)(?:```|~~~)(?:json)?\\s*(.*?)(?:```|~~~)")

// ParsedResponse is the normalized outcome of parsing a model reply.
type ParsedResponse struct {
	// Value is the primary display value for the cell: the sole field's
	// value when the reply produced exactly one field, otherwise a
	// datapoint count.
	Value string

	// Data is the flat field map the model produced. Values are nil,
	// strings, numbers, or booleans; arrays arrive comma-joined and
	// nested objects JSON-encoded, so the map is flat by contract.
	Data map[string]any

	// Raw is the unmodified model output, kept for debugging and
	// re-extraction.
	Raw string
}

// parseStrategy is one attempt at extracting a JSON object from model text.
type parseStrategy struct {
	name    string
	extract func(string) (map[string]any, bool)
}

// ResponseParser turns raw model output into structured cell data. Models
// routinely violate "JSON only" instructions, so parsing runs an ordered
// pipeline of progressively more tolerant strategies and only gives up into
// a raw-text fallback. Parsing never fails.
type ResponseParser interface {
	Parse(raw string) *ParsedResponse
}

type responseParser struct {
	strategies []parseStrategy
}

var _ ResponseParser = (*responseParser)(nil)

// NewResponseParser creates a ResponseParser.
func NewResponseParser() ResponseParser {
	return &responseParser{
		strategies: []parseStrategy{
			{"whole", parseWholeJSON},
			{"fenced", parseFencedJSON},
			{"balanced", parseBalancedJSON},
			{"truncated", parseTruncatedJSON},
		},
	}
}

func (p *responseParser) Parse(raw string) *ParsedResponse {
	trimmed := strings.TrimSpace(raw)

	for _, strategy := range p.strategies {
		if obj, ok := strategy.extract(trimmed); ok {
			flat := flattenObject(obj)
			return &ParsedResponse{
				Value: displayValue(flat),
				Data:  flat,
				Raw:   raw,
			}
		}
	}

	// Nothing JSON-like in the reply. Keep the text itself as the result
	// rather than failing the cell.
	return &ParsedResponse{
		Value: trimmed,
		Data:  map[string]any{"result": trimmed},
		Raw:   raw,
	}
}

// parseWholeJSON accepts a reply that is exactly one JSON object.
func parseWholeJSON(s string) (map[string]any, bool) {
	return decodeObject(s)
}

// parseFencedJSON accepts a reply that wraps the object in a markdown fence,
// which models do despite instructions not to.
func parseFencedJSON(s string) (map[string]any, bool) {
	match := fencedBlockPattern.FindStringSubmatch(s)
	if match == nil {
		return nil, false
	}
	return decodeObject(strings.TrimSpace(match[1]))
}

// parseBalancedJSON scans for the first balanced top-level object embedded in
// surrounding prose ("Sure! Here is the data: {...}"), honoring string
// quoting and escapes.
func parseBalancedJSON(s string) (map[string]any, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return decodeObject(s[start : i+1])
				}
			}
		}
	}
	return nil, false
}

// parseTruncatedJSON repairs an object cut off mid-stream by a token limit.
// It cuts back to the last value boundary, drops any dangling partial value,
// and closes whatever the cut left open. Nesting and quote tracking honor
// string escapes the same way parseBalancedJSON does, so braces and quotes
// inside string values never skew the repair.
func parseTruncatedJSON(s string) (map[string]any, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	body := s[start:]

	// Walk the body tracking nesting, remembering the last boundary a cut
	// can land on: an unescaped quote, or a closing brace or bracket
	// outside a string. The snapshot at that boundary says what to close.
	var (
		opens, brackets       int
		inString, escaped     bool
		cutIdx                = -1
		cutOpens, cutBrackets int
		cutInString           bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
			continue
		case '"':
			inString = !inString
		case '{':
			if !inString {
				opens++
			}
			continue
		case '[':
			if !inString {
				brackets++
			}
			continue
		case '}':
			if inString {
				continue
			}
			opens--
		case ']':
			if inString {
				continue
			}
			brackets--
		default:
			continue
		}
		cutIdx, cutOpens, cutBrackets, cutInString = i, opens, brackets, inString
	}
	if cutIdx < 0 {
		return nil, false
	}
	body = body[:cutIdx+1]

	// A cut landing on an opening quote lost the value after it; close it
	// into an empty string.
	if cutInString {
		body += `"`
	}
	if cutOpens <= 0 && cutBrackets < 0 {
		return nil, false
	}
	body += strings.Repeat("]", max(cutBrackets, 0))
	body += strings.Repeat("}", max(cutOpens, 0))

	return decodeObject(body)
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, false
	}
	return data, true
}

// flattenObject normalizes a decoded object into a flat map: scalars pass
// through, arrays become comma-joined strings, nested objects become their
// JSON encoding.
func flattenObject(obj map[string]any) map[string]any {
	flat := make(map[string]any, len(obj))
	for key, v := range obj {
		switch val := v.(type) {
		case nil, string, float64, bool:
			flat[key] = val
		case []any:
			parts := make([]string, len(val))
			for i, elem := range val {
				parts[i] = stringifyScalar(elem)
			}
			flat[key] = strings.Join(parts, ", ")
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				flat[key] = fmt.Sprintf("%v", val)
				continue
			}
			flat[key] = string(encoded)
		}
	}
	return flat
}

// displayValue picks the cell's primary value: the sole field when the model
// returned exactly one, otherwise a datapoint count so the cell stays
// readable and the fields live in Data.
func displayValue(flat map[string]any) string {
	if len(flat) == 1 {
		for _, v := range flat {
			return stringifyScalar(v)
		}
	}
	if len(flat) == 0 {
		return ""
	}
	return fmt.Sprintf("%d datapoints", len(flat))
}

// stringifyScalar renders a flattened value for display. Numbers drop the
// trailing ".0" float formatting.
func stringifyScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
