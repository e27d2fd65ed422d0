package gate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"
)

// Policy is the on-disk form of an allowlist.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultPolicy is the allowlist used when no policy file is configured.
// It covers inspecting files, running the node toolchain and git, and
// managing the dev server. Git may not be reconfigured or pointed at
// another repository.
func DefaultPolicy() Policy {
	plain := []string{
		"ls", "cat", "head", "tail", "wc", "grep", "pwd", "echo",
		"npm", "npx", "node", "ps", "sleep", "which",
	}
	var rules []Rule
	for _, p := range plain {
		rules = append(rules, Rule{Program: p, Kind: KindPlain})
	}
	for _, p := range []string{"cp", "mv", "mkdir", "touch", "cd"} {
		rules = append(rules, Rule{Program: p, Kind: KindPath})
	}
	rules = append(rules,
		Rule{
			Program: "git",
			Kind:    KindPlain,
			// Options that run configured programs or leave the repository.
			DenyFlags:       []string{"-c", "-C", "--config-env", "--exec-path", "--git-dir", "--work-tree"},
			DenySubcommands: []string{"config"},
		},
		Rule{Program: "pkill", Kind: KindProcess, Processes: []string{"node", "npm", "npx", "vite", "next"}},
		Rule{Program: "lsof", Kind: KindPort, Ports: []int{3000, 3001, 5173, 8080}},
		Rule{Program: "chmod", Kind: KindMode, Modes: []string{"+x", "u+x"}},
		Rule{Program: "init.sh", Kind: KindScript, Scripts: []string{"./init.sh"}},
	)
	return Policy{Rules: rules}
}

// LoadPolicy reads a YAML policy file. Unknown fields, unknown rule kinds
// and invalid rules are all reported as ErrPolicyInvalid.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var doc Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}
	if len(doc.Rules) == 0 {
		return Policy{}, fmt.Errorf("%w: no rules", ErrPolicyInvalid)
	}
	return doc, nil
}

// Load builds a gate from a policy file, or the default policy when path is empty.
func Load(path string) (*Gate, error) {
	if path == "" {
		return Default(), nil
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return New(policy)
}

// Marshal renders a policy as YAML.
func (p Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
