package gate

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

// RuleKind selects the argument check for a rule. The set is closed.
type RuleKind string

const (
	// KindPlain allows the program with any arguments.
	KindPlain RuleKind = "plain"
	// KindProcess restricts a process-termination command to named targets.
	KindProcess RuleKind = "process"
	// KindPort restricts a port-inspection command to listed ports.
	KindPort RuleKind = "port"
	// KindMode restricts a permission-change command to listed modes.
	KindMode RuleKind = "mode"
	// KindScript allows the program only when invoked by one of the listed paths.
	KindScript RuleKind = "script"
	// KindPath requires every operand to stay inside the working directory.
	KindPath RuleKind = "path"
)

// Rule is one allowlist entry.
type Rule struct {
	Program   string   `yaml:"program"`
	Kind      RuleKind `yaml:"kind"`
	Processes []string `yaml:"processes,omitempty"`
	Ports     []int    `yaml:"ports,omitempty"`
	Modes     []string `yaml:"modes,omitempty"`
	Scripts   []string `yaml:"scripts,omitempty"`

	// DenyFlags are refused among the options given before the first
	// operand, such as git's "-c" or "-C".
	DenyFlags []string `yaml:"deny_flags,omitempty"`
	// DenySubcommands are refused as the first operand.
	DenySubcommands []string `yaml:"deny_subcommands,omitempty"`
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.Program) == "" {
		return errors.New("program is required")
	}
	switch r.Kind {
	case KindPlain, KindPath:
		return nil
	case KindProcess:
		if len(r.Processes) == 0 {
			return fmt.Errorf("%s: process rule needs at least one process", r.Program)
		}
	case KindPort:
		if len(r.Ports) == 0 {
			return fmt.Errorf("%s: port rule needs at least one port", r.Program)
		}
		for _, p := range r.Ports {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("%s: port %d out of range", r.Program, p)
			}
		}
	case KindMode:
		if len(r.Modes) == 0 {
			return fmt.Errorf("%s: mode rule needs at least one mode", r.Program)
		}
	case KindScript:
		if len(r.Scripts) == 0 {
			return fmt.Errorf("%s: script rule needs at least one script path", r.Program)
		}
	case "":
		return fmt.Errorf("%s: kind is required", r.Program)
	default:
		return fmt.Errorf("%s: unknown kind %q", r.Program, r.Kind)
	}
	return nil
}

func (r Rule) check(req Request) Decision {
	if d := r.checkDenied(req); !d.Allowed {
		return d
	}
	switch r.Kind {
	case KindPlain:
		return allow()
	case KindProcess:
		return r.checkProcess(req)
	case KindPort:
		return r.checkPort(req)
	case KindMode:
		return r.checkMode(req)
	case KindScript:
		return r.checkScript(req)
	case KindPath:
		return checkPathCommand(req)
	}
	return deny(ReasonNotAllowlisted, "command %q has no usable rule", req.Program)
}

// checkDenied applies DenyFlags and DenySubcommands. Only the leading
// options are inspected so that subcommand flags with the same spelling,
// like "git log -c", stay usable.
func (r Rule) checkDenied(req Request) Decision {
	if len(r.DenyFlags) == 0 && len(r.DenySubcommands) == 0 {
		return allow()
	}
	for _, arg := range req.Args {
		if arg == "--" || !strings.HasPrefix(arg, "-") {
			if slices.Contains(r.DenySubcommands, arg) {
				return deny(ReasonConstraintViolation, "%s %s is not allowed", req.Program, arg)
			}
			return allow()
		}
		for _, f := range r.DenyFlags {
			if matchesFlag(arg, f) {
				return deny(ReasonConstraintViolation, "%s: option %q is not allowed", req.Program, arg)
			}
		}
	}
	return allow()
}

// matchesFlag reports whether arg is flag f, written alone, with "=value"
// or, for single-letter flags, with the value attached.
func matchesFlag(arg, f string) bool {
	if arg == f || strings.HasPrefix(arg, f+"=") {
		return true
	}
	return len(f) == 2 && !strings.HasPrefix(arg, "--") && strings.HasPrefix(arg, f)
}

// checkProcess requires every target to name an allowed process. Patterns
// given with -f are judged by their first word.
func (r Rule) checkProcess(req Request) Decision {
	targets := operands(req.Args)
	if len(targets) == 0 {
		return deny(ReasonConstraintViolation, "%s requires a process name", req.Program)
	}
	for _, t := range targets {
		fields := strings.Fields(t)
		if len(fields) == 0 {
			return deny(ReasonConstraintViolation, "%s: empty process name", req.Program)
		}
		name := baseName(fields[0])
		if !slices.Contains(r.Processes, name) {
			return deny(ReasonConstraintViolation,
				"%s may only target %s, not %q", req.Program, strings.Join(r.Processes, ", "), name)
		}
	}
	return allow()
}

// checkPort requires at least one -i target and every target to be an
// allowed port, e.g. "lsof -i :3000" or "lsof -ti:5173".
func (r Rule) checkPort(req Request) Decision {
	var targets []string
	for i := 0; i < len(req.Args); i++ {
		arg := req.Args[i]
		if !strings.HasPrefix(arg, "-") {
			return deny(ReasonConstraintViolation, "%s may only inspect ports, got %q", req.Program, arg)
		}
		idx := strings.IndexByte(arg, 'i')
		if idx < 0 {
			continue
		}
		if rest := arg[idx+1:]; rest != "" {
			targets = append(targets, rest)
			continue
		}
		if i+1 >= len(req.Args) {
			return deny(ReasonConstraintViolation, "%s: -i needs a port", req.Program)
		}
		i++
		targets = append(targets, req.Args[i])
	}
	if len(targets) == 0 {
		return deny(ReasonConstraintViolation, "%s requires -i :PORT", req.Program)
	}
	for _, t := range targets {
		colon := strings.LastIndexByte(t, ':')
		if colon < 0 {
			return deny(ReasonConstraintViolation, "%s: target %q is not a port", req.Program, t)
		}
		port, err := strconv.Atoi(t[colon+1:])
		if err != nil {
			return deny(ReasonConstraintViolation, "%s: target %q is not a port", req.Program, t)
		}
		if !slices.Contains(r.Ports, port) {
			return deny(ReasonConstraintViolation, "%s: port %d is not allowed", req.Program, port)
		}
	}
	return allow()
}

// checkMode accepts "<mode> <file>..." with no flags.
func (r Rule) checkMode(req Request) Decision {
	if len(req.Args) < 2 {
		return deny(ReasonConstraintViolation, "%s requires a mode and at least one file", req.Program)
	}
	mode := req.Args[0]
	if !slices.Contains(r.Modes, mode) {
		return deny(ReasonConstraintViolation,
			"%s: mode %q not allowed (allowed: %s)", req.Program, mode, strings.Join(r.Modes, ", "))
	}
	for _, f := range req.Args[1:] {
		if strings.HasPrefix(f, "-") {
			return deny(ReasonConstraintViolation, "%s: flag %q not allowed", req.Program, f)
		}
	}
	return checkPaths(req.Program, req.Args[1:])
}

func (r Rule) checkScript(req Request) Decision {
	if slices.Contains(r.Scripts, req.Program) {
		return allow()
	}
	return deny(ReasonConstraintViolation,
		"%s may only be run as %s", r.Program, strings.Join(r.Scripts, ", "))
}

// checkPathCommand requires at least one operand, so that a bare "cd" cannot
// move to the home directory. Values attached to long options are checked
// as paths too, and short options may not carry a path.
func checkPathCommand(req Request) Decision {
	paths := operands(req.Args)
	if len(paths) == 0 {
		return deny(ReasonConstraintViolation, "%s requires a path inside the project", req.Program)
	}
	for _, arg := range req.Args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		if _, value, ok := strings.Cut(arg, "="); ok {
			paths = append(paths, value)
			continue
		}
		if strings.ContainsAny(arg, "/~.$") {
			return deny(ReasonConstraintViolation, "%s: option %q may not carry a path", req.Program, arg)
		}
	}
	return checkPaths(req.Program, paths)
}

// checkPaths is a lexical containment check: operands must be relative,
// must not climb above the working directory and must not name a
// protected entry. "-" is refused since cd reads it as the previous
// directory.
func checkPaths(program string, paths []string) Decision {
	for _, p := range paths {
		if p == "-" || !withinRoot(p) {
			return deny(ReasonConstraintViolation, "%s: path %q leaves the project directory", program, p)
		}
		if IsProtected(p) {
			return deny(ReasonConstraintViolation, "%s: path %q is protected", program, p)
		}
	}
	return allow()
}

// protectedEntries hold run state, agent settings and git internals. The
// agent may not write them through the gate.
var protectedEntries = []string{".marathon", ".claude", ".claude_settings.json", ".git"}

// ProtectedPaths returns the project-relative entries commands may not write.
func ProtectedPaths() []string {
	return slices.Clone(protectedEntries)
}

// IsProtected reports whether the project-relative path p is, or lies
// under, a protected entry.
func IsProtected(p string) bool {
	clean := path.Clean(p)
	for _, e := range protectedEntries {
		if clean == e || strings.HasPrefix(clean, e+"/") {
			return true
		}
	}
	return false
}

func withinRoot(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || strings.Contains(p, "$") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// operands drops flag arguments. A lone "--" ends flag parsing.
func operands(args []string) []string {
	var out []string
	flagsDone := false
	for _, a := range args {
		if !flagsDone && a == "--" {
			flagsDone = true
			continue
		}
		if !flagsDone && strings.HasPrefix(a, "-") && a != "-" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
