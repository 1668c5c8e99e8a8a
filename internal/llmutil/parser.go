// File: internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedRegex extracts the body of a markdown code block, with or without a language tag.
// \x60 is a backtick; Go raw strings cannot contain one.
var fencedRegex = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")

// ExtractJSON returns the JSON object carried by a model reply. It handles replies
// wrapped in a code block and objects embedded in conversational text.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if m := fencedRegex.FindStringSubmatch(response); m != nil {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") {
		return response
	}
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first != -1 && last > first {
		return response[first : last+1]
	}
	return response
}

// ParseJSONResponse decodes a model reply into T after ExtractJSON.
func ParseJSONResponse[T any](response string) (*T, error) {
	body := ExtractJSON(response)
	if body == "" {
		return nil, fmt.Errorf("empty LLM response")
	}
	var result T
	if err := json.UnmarshalFromString(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(body, 200))
	}
	return &result, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
