package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the read side consumed by the approval gate.
type Checker interface {
	RequiresApproval(kind, command string) (bool, string)
	PolicyVersion() string
}

// Policy is the serializable policy data stored in policy.yaml.
type Policy struct {
	// GatedKinds lists the command kinds that need approval when approval
	// mode is enabled. Nil means the default of shell only.
	GatedKinds []string `yaml:"gated_kinds"`
	// ShellAllowlist holds program basenames that run without approval.
	ShellAllowlist []string `yaml:"shell_allowlist"`
}

func Default() Policy {
	return Policy{GatedKinds: []string{"shell"}}
}

var knownKinds = map[string]struct{}{
	"shell":  {},
	"codex":  {},
	"claude": {},
	"kimi":   {},
	"noop":   {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, kind := range p.GatedKinds {
		k := strings.ToLower(strings.TrimSpace(kind))
		if _, ok := knownKinds[k]; !ok {
			return fmt.Errorf("unknown command kind %q in gated_kinds", kind)
		}
	}
	for _, prog := range p.ShellAllowlist {
		if strings.ContainsAny(strings.TrimSpace(prog), " \t/") {
			return fmt.Errorf("shell_allowlist entries must be bare program names, got %q", prog)
		}
	}
	return nil
}

func (p Policy) gates(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, k := range p.GatedKinds {
		if strings.ToLower(strings.TrimSpace(k)) == kind {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether a command of the given kind must wait
// for an approval signal, and the reason shown to the approver.
// Shell commands whose every program is allowlisted bypass the gate.
func (p Policy) RequiresApproval(kind, command string) (bool, string) {
	if !p.gates(kind) {
		return false, ""
	}
	if kind != "shell" {
		return true, fmt.Sprintf("approval required for %s commands", kind)
	}
	disallowed := p.DisallowedPrograms(command)
	if len(disallowed) == 0 {
		return false, ""
	}
	return true, "non-allowlisted shell command(s): " + strings.Join(disallowed, ", ")
}

// DisallowedPrograms returns the non-allowlisted programs of a shell
// command line, de-duplicated in first-seen order.
func (p Policy) DisallowedPrograms(command string) []string {
	allow := make(map[string]struct{}, len(p.ShellAllowlist))
	for _, a := range p.ShellAllowlist {
		allow[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, prog := range ShellPrograms(command) {
		if _, ok := allow[prog]; ok {
			continue
		}
		if _, ok := seen[prog]; ok {
			continue
		}
		seen[prog] = struct{}{}
		out = append(out, prog)
	}
	return out
}

var (
	shellSplitRE  = regexp.MustCompile(`&&|\|\||;|\|`)
	assignmentRE  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=.*$`)
	shellWrappers = map[string]struct{}{"sudo": {}, "command": {}, "time": {}, "nohup": {}}
)

// ShellPrograms extracts the lower-cased program basename of every
// segment of a shell command line.
func ShellPrograms(command string) []string {
	var programs []string
	for _, segment := range shellSplitRE.Split(command, -1) {
		parts := splitWords(strings.TrimSpace(segment))
		i := skipAssignments(parts, 0)
		if i >= len(parts) {
			continue
		}
		prog := parts[i]
		if _, wrapped := shellWrappers[prog]; wrapped && i+1 < len(parts) {
			i = skipAssignments(parts, i+1)
			if i >= len(parts) {
				continue
			}
			prog = parts[i]
		}
		programs = append(programs, strings.ToLower(filepath.Base(prog)))
	}
	return programs
}

func skipAssignments(parts []string, i int) int {
	for i < len(parts) && assignmentRE.MatchString(parts[i]) {
		i++
	}
	return i
}

// splitWords is a small POSIX-ish word splitter honouring single quotes,
// double quotes and backslash escapes. Unbalanced quotes fall back to
// whitespace splitting.
func splitWords(s string) []string {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
			inWord = true
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return strings.Fields(s)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) RequiresApproval(kind, command string) (bool, string) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresApproval(kind, command)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

func (lp *LivePolicy) Path() string {
	return lp.path
}

func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{
		GatedKinds:     append([]string(nil), lp.data.GatedKinds...),
		ShellAllowlist: append([]string(nil), lp.data.ShellAllowlist...),
	}
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.GatedKinds {
		_, _ = h.Write([]byte("kind=" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.ShellAllowlist {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
