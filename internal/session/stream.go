package session

import (
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// streamLines renders one line of claude's stream-json output as zero or
// more transcript lines. Lines that are not JSON are passed through, since
// the CLI prints some errors (including usage limits) as plain text.
func streamLines(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !gjson.Valid(raw) {
		return []string{raw}
	}

	event := gjson.Parse(raw)
	switch event.Get("type").String() {
	case "assistant":
		var out []string
		event.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				out = append(out, block.Get("text").String())
			case "tool_use":
				out = append(out, "[tool] "+formatToolAction(block.Get("name").String(), block.Get("input")))
			}
			return true
		})
		return out

	case "user":
		var out []string
		event.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" && block.Get("is_error").Bool() {
				out = append(out, "[tool error] "+truncate(toolResultText(block.Get("content")), 300))
			}
			return true
		})
		return out

	case "result":
		var out []string
		if text := event.Get("result").String(); text != "" {
			out = append(out, text)
		}
		if sub := event.Get("subtype").String(); sub != "" && sub != "success" {
			out = append(out, "[result] "+sub)
		}
		return out

	case "error":
		msg := event.Get("error.message").String()
		if msg == "" {
			msg = event.Get("error").String()
		}
		if msg == "" {
			msg = event.Get("message").String()
		}
		return []string{"[error] " + msg}
	}
	return nil
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// formatToolAction returns a short description of a tool call.
func formatToolAction(name string, input gjson.Result) string {
	switch name {
	case "Read":
		return "Reading " + filepath.Base(input.Get("file_path").String())
	case "Write":
		return "Writing " + filepath.Base(input.Get("file_path").String())
	case "Edit":
		return "Editing " + filepath.Base(input.Get("file_path").String())
	case "Bash":
		return "Running " + truncate(input.Get("command").String(), 80)
	case "Glob":
		return "Searching " + input.Get("pattern").String()
	case "Grep":
		return "Grep " + truncate(input.Get("pattern").String(), 40)
	case "ListDir":
		return "Listing " + input.Get("path").String()
	case "":
		return "unknown tool"
	default:
		return name
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
