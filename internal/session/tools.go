package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	iexec "github.com/ShayCichocki/marathon/internal/exec"
	"github.com/ShayCichocki/marathon/internal/gate"
)

const (
	maxToolOutput = 30000
	maxMatches    = 500
)

// errOutsideProject rejects tool paths that resolve outside the project.
var errOutsideProject = errors.New("path is outside the project directory")

// errProtectedPath rejects writes to run state, agent settings and git internals.
var errProtectedPath = errors.New("path is protected from writes")

// toolSpec is the compact form the tool schemas are declared in.
type toolSpec struct {
	name        string
	description string
	properties  map[string]any
	required    []string
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var toolSpecs = []toolSpec{
	{
		name:        "Read",
		description: "Read a file in the project. Returns contents with line numbers.",
		properties: map[string]any{
			"file_path": prop("string", "Path to the file, relative to the project or absolute inside it"),
			"offset":    prop("integer", "Line number to start reading from (1-indexed, optional)"),
			"limit":     prop("integer", "Maximum number of lines to read (optional)"),
		},
		required: []string{"file_path"},
	},
	{
		name:        "Write",
		description: "Write content to a file, creating parent directories as needed.",
		properties: map[string]any{
			"file_path": prop("string", "Path to the file"),
			"content":   prop("string", "Content to write"),
		},
		required: []string{"file_path", "content"},
	},
	{
		name:        "Edit",
		description: "Replace text in a file. old_string must be unique unless replace_all is true.",
		properties: map[string]any{
			"file_path":   prop("string", "Path to the file"),
			"old_string":  prop("string", "Exact text to replace"),
			"new_string":  prop("string", "Replacement text"),
			"replace_all": prop("boolean", "Replace every occurrence (default false)"),
		},
		required: []string{"file_path", "old_string", "new_string"},
	},
	{
		name:        "Bash",
		description: "Run a shell command in the project directory. Commands are checked against an allowlist.",
		properties: map[string]any{
			"command":     prop("string", "The command line to run"),
			"description": prop("string", "What the command does"),
		},
		required: []string{"command"},
	},
	{
		name:        "Glob",
		description: "Find files matching a glob pattern. Supports ** for any number of directories.",
		properties: map[string]any{
			"pattern": prop("string", "Glob pattern, e.g. src/**/*.ts"),
			"path":    prop("string", "Directory to search (optional, defaults to the project)"),
		},
		required: []string{"pattern"},
	},
	{
		name:        "Grep",
		description: "Search file contents with a regular expression.",
		properties: map[string]any{
			"pattern": prop("string", "Regular expression"),
			"path":    prop("string", "File or directory to search (optional)"),
			"glob":    prop("string", "Only search files whose name matches this glob (optional)"),
		},
		required: []string{"pattern"},
	},
	{
		name:        "ListDir",
		description: "List the contents of a directory.",
		properties: map[string]any{
			"path": prop("string", "Directory path"),
		},
		required: []string{"path"},
	},
}

// toolDefinitions returns the tool schemas sent with every request.
func toolDefinitions() []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(toolSpecs))
	for _, spec := range toolSpecs {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.name,
				Description: anthropic.String(spec.description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.properties,
					Required:   spec.required,
				},
			},
		})
	}
	return tools
}

// toolResult is the outcome of one tool call.
type toolResult struct {
	Content string
	IsError bool
}

func toolError(format string, args ...any) toolResult {
	return toolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// toolExecutor runs tool calls inside the project directory. Shell
// commands go through runner, which is expected to be gated.
type toolExecutor struct {
	root   string
	runner iexec.CommandRunner
}

func newToolExecutor(root string, runner iexec.CommandRunner) *toolExecutor {
	return &toolExecutor{root: root, runner: runner}
}

// Execute runs a tool by name with the given JSON input.
func (e *toolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) toolResult {
	switch name {
	case "Read":
		return e.read(input)
	case "Write":
		return e.write(input)
	case "Edit":
		return e.edit(input)
	case "Bash":
		return e.bash(ctx, input)
	case "Glob":
		return e.glob(input)
	case "Grep":
		return e.grep(input)
	case "ListDir":
		return e.listDir(input)
	default:
		return toolError("Unknown tool: %s", name)
	}
}

func (e *toolExecutor) read(input json.RawMessage) toolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	path, err := e.resolve(params.FilePath)
	if err != nil {
		return toolError("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("Failed to read file: %v", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return toolError("Offset beyond end of file")
		}
	}
	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	var out strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&out, "%6d\t%s\n", i+1, lines[i])
	}
	return toolResult{Content: string(iexec.Truncate([]byte(out.String()), maxToolOutput))}
}

func (e *toolExecutor) write(input json.RawMessage) toolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	path, err := e.resolveWritable(params.FilePath)
	if err != nil {
		return toolError("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return toolError("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return toolError("Failed to write file: %v", err)
	}
	return toolResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.FilePath)}
}

func (e *toolExecutor) edit(input json.RawMessage) toolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	if params.OldString == "" {
		return toolError("old_string must not be empty")
	}
	path, err := e.resolveWritable(params.FilePath)
	if err != nil {
		return toolError("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("Failed to read file: %v", err)
	}

	text := string(content)
	count := strings.Count(text, params.OldString)
	switch {
	case count == 0:
		return toolError("old_string not found in file")
	case count > 1 && !params.ReplaceAll:
		return toolError("old_string found %d times; must be unique or use replace_all=true", count)
	}

	n := 1
	if params.ReplaceAll {
		n = -1
	}
	if err := os.WriteFile(path, []byte(strings.Replace(text, params.OldString, params.NewString, n)), 0644); err != nil {
		return toolError("Failed to write file: %v", err)
	}
	if params.ReplaceAll {
		return toolResult{Content: fmt.Sprintf("Replaced %d occurrences", count)}
	}
	return toolResult{Content: "Edit successful"}
}

func (e *toolExecutor) bash(ctx context.Context, input json.RawMessage) toolResult {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	output, err := e.runner.RunShell(ctx, e.root, params.Command)
	if err != nil {
		var denied *iexec.DeniedError
		if errors.As(err, &denied) {
			return toolError("Command blocked by security policy. %s: %s",
				denied.Decision.Reason, denied.Decision.Message)
		}
		return toolError("%s\nError: %v", output, err)
	}
	return toolResult{Content: string(output)}
}

func (e *toolExecutor) glob(input json.RawMessage) toolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	base, err := e.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	var matches []string
	walkFiles(base, func(rel string) bool {
		if matchGlob(params.Pattern, rel) {
			matches = append(matches, rel)
		}
		return len(matches) < maxMatches
	})
	if len(matches) == 0 {
		return toolResult{Content: "No files matched the pattern"}
	}
	sort.Strings(matches)
	return toolResult{Content: strings.Join(matches, "\n")}
}

func (e *toolExecutor) grep(input json.RawMessage) toolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return toolError("Invalid pattern: %v", err)
	}
	base, err := e.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	var out []string
	search := func(path, display string) {
		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, fmt.Sprintf("%s:%d:%s", display, i+1, line))
			}
		}
	}

	if info, err := os.Stat(base); err == nil && !info.IsDir() {
		search(base, params.Path)
	} else {
		walkFiles(base, func(rel string) bool {
			if params.Glob != "" {
				if ok, _ := filepath.Match(params.Glob, filepath.Base(rel)); !ok {
					return true
				}
			}
			search(filepath.Join(base, rel), rel)
			return len(out) < maxMatches
		})
	}
	if len(out) == 0 {
		return toolResult{Content: "No matches found"}
	}
	return toolResult{Content: string(iexec.Truncate([]byte(strings.Join(out, "\n")), maxToolOutput))}
}

func (e *toolExecutor) listDir(input json.RawMessage) toolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}
	path, err := e.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError("Failed to read directory: %v", err)
	}

	var out strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&out, "d %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&out, "- %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&out, "? %s\n", entry.Name())
		}
	}
	return toolResult{Content: out.String()}
}

// resolve maps a tool path to an absolute path inside the project. An
// empty path is the project itself.
func (e *toolExecutor) resolve(p string) (string, error) {
	if p == "" {
		return e.root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(e.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideProject, p)
	}
	return p, nil
}

// resolveWritable is resolve for tools that modify files; protected
// entries are refused.
func (e *toolExecutor) resolveWritable(p string) (string, error) {
	abs, err := e.resolve(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(e.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errOutsideProject, abs)
	}
	if gate.IsProtected(filepath.ToSlash(rel)) {
		return "", fmt.Errorf("%w: %s", errProtectedPath, rel)
	}
	return abs, nil
}

// walkFiles calls fn with the slash-separated relative path of every
// regular file under base, skipping hidden directories and node_modules.
// fn returns false to stop the walk.
func walkFiles(base string, fn func(rel string) bool) {
	filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != base && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		if !fn(filepath.ToSlash(rel)) {
			return filepath.SkipAll
		}
		return nil
	})
}

// matchGlob matches a slash-separated path against a pattern where "**"
// spans any number of directories. A pattern without a slash matches the
// file name at any depth.
func matchGlob(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, rel[strings.LastIndexByte(rel, '/')+1:])
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pattern[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := filepath.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

func isBinary(data []byte) bool {
	n := min(len(data), 8000)
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
