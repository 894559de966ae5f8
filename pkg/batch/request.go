package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CustomIDPrefix prefixes every custom id so a row id can be recovered from
// a result line even without the persisted mapping.
const CustomIDPrefix = "row-"

// CustomIDForRow builds the provider custom id correlating a submitted
// prompt with its eventual result line.
func CustomIDForRow(rowID uuid.UUID) string {
	return CustomIDPrefix + rowID.String()
}

// RowIDFromCustomID recovers the row id embedded in a custom id.
func RowIDFromCustomID(customID string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(customID, CustomIDPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("custom id %q has no %q prefix", customID, CustomIDPrefix)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("custom id %q: %w", customID, err)
	}
	return id, nil
}

// chatMessage is one message in a batch chat completion body.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// requestBody is the chat completion body of one batch request line.
type requestBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// requestLine is one line of the provider's JSONL batch request format.
type requestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     requestBody `json:"body"`
}

// Request is one prompt to submit for one row.
type Request struct {
	CustomID    string
	Model       string
	Temperature float64
	Prompt      string
}

// EncodeRequests serializes requests into the provider's newline-delimited
// JSON batch request format.
func EncodeRequests(requests []Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, req := range requests {
		line := requestLine{
			CustomID: req.CustomID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: requestBody{
				Model:       req.Model,
				Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
				Temperature: req.Temperature,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode request %s: %w", req.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// Result is one parsed result line: either a completed response with usage,
// or a provider-reported error.
type Result struct {
	CustomID     string
	Content      string
	InputTokens  int
	OutputTokens int
	Error        string
}

// resultLine mirrors the provider's result format:
//
//	{ custom_id, response: { body: { usage, choices: [ { message: { content } } ] } } }
//	{ custom_id, error: { code, message } }
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResults parses a newline-delimited results file. Lines that cannot be
// decoded are skipped; the engine error-marks never-returned rows separately.
func ParseResults(content string) []Result {
	var results []Result

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var parsed resultLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.CustomID == "" {
			continue
		}

		result := Result{CustomID: parsed.CustomID}
		switch {
		case parsed.Error != nil:
			result.Error = parsed.Error.Message
			if result.Error == "" {
				result.Error = parsed.Error.Code
			}
		case parsed.Response == nil:
			result.Error = "empty response"
		case parsed.Response.Body.Error != nil:
			result.Error = parsed.Response.Body.Error.Message
		case len(parsed.Response.Body.Choices) == 0:
			result.Error = "no choices in response"
		default:
			result.Content = parsed.Response.Body.Choices[0].Message.Content
			result.InputTokens = parsed.Response.Body.Usage.PromptTokens
			result.OutputTokens = parsed.Response.Body.Usage.CompletionTokens
		}
		results = append(results, result)
	}

	return results
}
