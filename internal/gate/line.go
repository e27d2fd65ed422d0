package gate

import (
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

// redirectMark tags redirection operators found outside quotes, so that a
// quoted or escaped ">" stays an ordinary argument after tokenizing.
const redirectMark = '\x00'

var (
	assignmentPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	redirectionPattern = regexp.MustCompile(`^([0-9]*|&)\x00(<<<|<<-|<<|<>|<&|<|>>|>&|>\||>)$`)
	fdPattern          = regexp.MustCompile(`^([0-9]+-?|-)$`)
	digitsPattern      = regexp.MustCompile(`^[0-9]*$`)
)

// redirectOperators are tried longest first.
var redirectOperators = []string{"<<<", "<<-", "<<", "<>", "<&", ">>", ">&", ">|", "<", ">"}

// EvaluateLine decides a full shell command line. The line is split into
// simple commands on ; & | && || and newlines, and every command must be
// allowed for the line to be allowed.
func (g *Gate) EvaluateLine(line string) Decision {
	if strings.TrimSpace(line) == "" {
		return deny(ReasonMalformed, "empty command")
	}
	if strings.ContainsRune(line, redirectMark) {
		return deny(ReasonMalformed, "command contains a NUL byte")
	}
	segments, ok := splitSegments(line)
	if !ok {
		return deny(ReasonMalformed, "command uses substitution or unbalanced quotes")
	}

	evaluated := 0
	for _, seg := range segments {
		words, err := shellquote.Split(seg)
		if err != nil {
			return deny(ReasonMalformed, "cannot parse %q: %v", seg, err)
		}
		words = stripAssignments(words)
		words, d := stripRedirections(words)
		if !d.Allowed {
			return d
		}
		if len(words) == 0 {
			continue
		}
		evaluated++
		d = g.Evaluate(Request{Program: words[0], Args: words[1:]})
		if !d.Allowed {
			return d
		}
	}
	if evaluated == 0 {
		return deny(ReasonMalformed, "no command found in %q", line)
	}
	return allow()
}

// splitSegments breaks a line at control operators outside quotes and
// isolates every unquoted redirection operator as its own marked word. It
// rejects command substitution anywhere outside single quotes and process
// substitution outside quotes, since the inner command would escape
// evaluation.
func splitSegments(line string) ([]string, bool) {
	var (
		segments []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
			current.WriteByte(c)
		case c == '\\':
			escaped = true
			current.WriteByte(c)
		case c == '`':
			return nil, false
		case c == '$' && i+1 < len(line) && line[i+1] == '(':
			return nil, false
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			current.WriteByte(c)
		case c == '\'':
			inSingle = true
			current.WriteByte(c)
		case c == '"':
			inDouble = true
			current.WriteByte(c)
		case c == '<' || c == '>':
			op := redirectOperator(line[i:])
			if next := i + len(op); next < len(line) && line[next] == '(' {
				return nil, false
			}
			if !fdPrefix(current.String()) {
				current.WriteByte(' ')
			}
			current.WriteByte(redirectMark)
			current.WriteString(op)
			current.WriteByte(' ')
			i += len(op) - 1
		case c == ';' || c == '\n' || c == '|':
			flush()
		case c == '&':
			// "&>" redirects both streams; it is not a separator.
			if i+1 < len(line) && line[i+1] == '>' {
				current.WriteString(" &")
				continue
			}
			flush()
		default:
			current.WriteByte(c)
		}
	}
	if inSingle || inDouble || escaped {
		return nil, false
	}
	flush()
	return segments, true
}

func redirectOperator(s string) string {
	for _, op := range redirectOperators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return s[:1]
}

// fdPrefix reports whether the word being built so far is a descriptor
// number or "&", which belong to the redirection that follows.
func fdPrefix(built string) bool {
	word := built[strings.LastIndexAny(built, " \t")+1:]
	return word == "&" || digitsPattern.MatchString(word)
}

func stripAssignments(words []string) []string {
	for len(words) > 0 && assignmentPattern.MatchString(words[0]) {
		words = words[1:]
	}
	return words
}

// stripRedirections removes redirection operators and their targets and
// checks the targets. File targets must stay inside the working directory,
// and writes may not touch protected project entries. /dev/null,
// descriptor duplication and here-documents are always fine.
func stripRedirections(words []string) ([]string, Decision) {
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		m := redirectionPattern.FindStringSubmatch(words[i])
		if m == nil {
			if strings.ContainsRune(words[i], redirectMark) {
				return nil, deny(ReasonMalformed, "misplaced redirection")
			}
			out = append(out, words[i])
			continue
		}
		if i+1 >= len(words) || strings.ContainsRune(words[i+1], redirectMark) {
			return nil, deny(ReasonMalformed, "redirection without a target")
		}
		i++
		op, target := m[2], words[i]

		switch {
		case strings.HasPrefix(op, "<<"):
			continue
		case (op == ">&" || op == "<&") && fdPattern.MatchString(target):
			continue
		case target == "/dev/null":
			continue
		}
		if !withinRoot(target) {
			return nil, deny(ReasonConstraintViolation, "redirection to %q leaves the project directory", target)
		}
		if strings.Contains(op, ">") && IsProtected(target) {
			return nil, deny(ReasonConstraintViolation, "redirection writes to protected %q", target)
		}
	}
	return out, allow()
}
