package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Decision is the outcome of evaluating a tool call against policy.
type Decision string

const (
	DecisionAllow Decision = "allow" // Execute without asking
	DecisionAsk   Decision = "ask"   // Require explicit approval
	DecisionDeny  Decision = "deny"  // Always reject
)

// Rule matches tool calls and assigns a decision. Empty match fields
// are wildcards; all set fields must match. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Tool     string   `yaml:"tool,omitempty" json:"tool,omitempty"`         // glob on tool name
	Path     string   `yaml:"path,omitempty" json:"path,omitempty"`         // path pattern
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`   // glob on command text
	Decision Decision `yaml:"decision" json:"decision"`
}

// Policy is the ordered rule set plus the fallback decision.
type Policy struct {
	Rules   []Rule   `yaml:"rules" json:"rules"`
	Default Decision `yaml:"default" json:"default"`
}

// EvaluationResult names the rule that decided a call.
type EvaluationResult struct {
	Decision    Decision `json:"decision"`
	MatchedRule string   `json:"matchedRule"`
}

// DefaultPolicy allows reads, asks for mutations, and denies nothing
// outright. The sandbox handles the hard boundary regardless of policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []Rule{
			{Name: "reads", Tool: "read_file", Decision: DecisionAllow},
			{Name: "log-writes", Tool: "write_file", Path: "*.log", Decision: DecisionAllow},
			{Name: "safe-commands", Tool: "run_command", Command: "git status", Decision: DecisionAllow},
			{Name: "safe-commands-diff", Tool: "run_command", Command: "git diff*", Decision: DecisionAllow},
			{Name: "safe-commands-ls", Tool: "run_command", Command: "ls*", Decision: DecisionAllow},
			{Name: "tests", Tool: "run_command", Command: "go test*", Decision: DecisionAllow},
			{Name: "builds", Tool: "run_command", Command: "go build*", Decision: DecisionAllow},
		},
		Default: DecisionAsk,
	}
}

// matches reports whether the rule applies to the call.
func (r *Rule) matches(call *ToolCall) bool {
	if r.Tool != "" && !matchGlob(r.Tool, call.ToolName()) {
		return false
	}
	if r.Path != "" {
		matched := false
		for _, p := range call.Paths() {
			if matchPathPattern(r.Path, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.Command != "" {
		if call.Command == nil || !matchGlob(r.Command, call.Command.Command) {
			return false
		}
	}
	return true
}

// matchPathPattern matches a path against a pattern.
// Supports patterns like "*.log", "/tmp/*", etc.
func matchPathPattern(pattern, path string) bool {
	// Check basename match first (for patterns like "*.log")
	if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
		return true
	}

	// Check if path starts with directory pattern (for patterns like "/tmp/*")
	if strings.HasSuffix(pattern, "/*") {
		dir := strings.TrimSuffix(pattern, "/*")
		if strings.HasPrefix(path, dir+"/") {
			return true
		}
	}

	// Full path match
	if matched, _ := filepath.Match(pattern, path); matched {
		return true
	}

	return false
}

// matchGlob matches a glob pattern against a string.
func matchGlob(pattern, s string) bool {
	regexPattern := "^" + regexp.QuoteMeta(pattern) + "$"
	regexPattern = strings.ReplaceAll(regexPattern, "\\*", ".*")
	regexPattern = strings.ReplaceAll(regexPattern, "\\?", ".")

	matched, _ := regexp.MatchString(regexPattern, s)
	return matched
}

// Engine evaluates tool calls against the active policy.
type Engine struct {
	mu     sync.RWMutex
	policy *Policy
	path   string
}

// NewEngine creates a policy engine persisted at path. A missing file
// yields the default policy; it is written on the first Save.
func NewEngine(path string) *Engine {
	return &Engine{path: path}
}

// LoadPolicy loads the policy file, falling back to the default policy
// when the file does not exist.
func (e *Engine) LoadPolicy() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = DefaultPolicy()
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.policy = DefaultPolicy()
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	if err := validatePolicy(&policy); err != nil {
		return err
	}

	e.mu.Lock()
	e.policy = &policy
	e.mu.Unlock()
	return nil
}

func validatePolicy(p *Policy) error {
	valid := map[Decision]bool{DecisionAllow: true, DecisionAsk: true, DecisionDeny: true}
	if p.Default == "" {
		p.Default = DecisionAsk
	}
	if !valid[p.Default] {
		return fmt.Errorf("invalid default decision %q", p.Default)
	}
	for i := range p.Rules {
		if !valid[p.Rules[i].Decision] {
			return fmt.Errorf("rule %d: invalid decision %q", i, p.Rules[i].Decision)
		}
	}
	return nil
}

// Evaluate runs the call through the rules; the first match wins.
func (e *Engine) Evaluate(call *ToolCall) EvaluationResult {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	if policy == nil {
		policy = DefaultPolicy()
	}

	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if rule.matches(call) {
			name := rule.Name
			if name == "" {
				name = fmt.Sprintf("rule-%d", i)
			}
			return EvaluationResult{Decision: rule.Decision, MatchedRule: name}
		}
	}
	return EvaluationResult{Decision: policy.Default, MatchedRule: "default"}
}

// GetPolicy returns the current policy.
func (e *Engine) GetPolicy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.policy == nil {
		return DefaultPolicy()
	}
	return e.policy
}

// SetPolicy replaces the active policy and persists it.
func (e *Engine) SetPolicy(policy *Policy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}

	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()

	return e.Save()
}

// Save writes the active policy to the policy file.
func (e *Engine) Save() error {
	if e.path == "" {
		return nil
	}

	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()
	if policy == nil {
		policy = DefaultPolicy()
	}

	data, err := yaml.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write policy file: %w", err)
	}
	return os.Rename(tmp, e.path)
}
