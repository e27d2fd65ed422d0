package session

import (
	"reflect"
	"testing"
)

func TestStreamLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "blank",
			raw:  "   ",
			want: nil,
		},
		{
			name: "plain text passes through",
			raw:  "Claude AI usage limit reached|1767312000",
			want: []string{"Claude AI usage limit reached|1767312000"},
		},
		{
			name: "assistant text and tool use",
			raw: `{"type":"assistant","message":{"content":[` +
				`{"type":"text","text":"Setting up the project"},` +
				`{"type":"tool_use","name":"Bash","input":{"command":"npm install"}},` +
				`{"type":"tool_use","name":"Read","input":{"file_path":"/app/src/main.ts"}}]}}`,
			want: []string{"Setting up the project", "[tool] Running npm install", "[tool] Reading main.ts"},
		},
		{
			name: "tool error result",
			raw:  `{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":"permission denied"}]}}`,
			want: []string{"[tool error] permission denied"},
		},
		{
			name: "successful tool result is quiet",
			raw:  `{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
			want: nil,
		},
		{
			name: "result success",
			raw:  `{"type":"result","subtype":"success","result":"All done"}`,
			want: []string{"All done"},
		},
		{
			name: "result max turns",
			raw:  `{"type":"result","subtype":"error_max_turns"}`,
			want: []string{"[result] error_max_turns"},
		},
		{
			name: "error event",
			raw:  `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`,
			want: []string{"[error] Rate limit exceeded"},
		},
		{
			name: "system init ignored",
			raw:  `{"type":"system","subtype":"init","session_id":"abc"}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := streamLines(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("streamLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolResultText_Blocks(t *testing.T) {
	raw := `{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,` +
		`"content":[{"type":"text","text":"first"},{"type":"text","text":"second"}]}]}}`
	got := streamLines(raw)
	if len(got) != 1 || got[0] != "[tool error] first ..." {
		t.Errorf("streamLines() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is far too long", 10, "this is..."},
		{"line one\nline two", 40, "line one ..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
