// File: internal/llmutil/parser_test.go
package llmutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	XML       string `json:"replacement_xml"`
	Rationale string `json:"rationale"`
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced without tag", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"embedded", "Here is the fix:\n{\"a\":1}\nThanks.", `{"a":1}`},
		{"no object", "I cannot help with that.", "I cannot help with that."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSON(tc.in))
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	r, err := ParseJSONResponse[reply]("```json\n{\"replacement_xml\":\"<p>x</p>\",\"rationale\":\"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", r.XML)
	assert.Equal(t, "ok", r.Rationale)

	_, err = ParseJSONResponse[reply]("   ")
	assert.Error(t, err)

	_, err = ParseJSONResponse[reply]("{" + strings.Repeat("x", 500))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "...")
}
