// Package policy classifies shell commands into risk tiers using a preset's
// allowlists and directory rules.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/atlasgw/atlas/internal/config"
)

// maxNesting bounds sh -c / eval recursion.
const maxNesting = 4

// Decision is the classification of one command line.
type Decision struct {
	Tier    Tier   `json:"tier"`
	Reason  string `json:"reason"`
	Matched string `json:"matched,omitempty"` // list entry or pattern that decided the tier
}

func (d Decision) worse(o Decision) Decision {
	if o.Tier.severity() > d.Tier.severity() {
		return o
	}
	return d
}

// Engine is an immutable compiled PolicyConfig. It is safe for concurrent use.
type Engine struct {
	defaultPolicy config.DefaultPolicy
	safe          []entry
	dangerous     []entry
	blocked       []entry
	dirs          []allowedDir
	patterns      []string
	home          string
	workdirNeed   config.Permission
}

// Option configures an Engine.
type Option func(*Engine)

// WithHomeDir sets the directory ~ expands to. By default it is the
// current user's home directory.
func WithHomeDir(dir string) Option {
	return func(e *Engine) { e.home = strings.TrimSuffix(dir, "/") }
}

// WithWorkdirPermission sets the permission the working directory itself
// must hold. The default is read; a sandbox that mounts the directory
// writable should ask for write.
func WithWorkdirPermission(p config.Permission) Option {
	return func(e *Engine) { e.workdirNeed = p }
}

// NewEngine compiles cfg.
func NewEngine(cfg config.PolicyConfig, opts ...Option) *Engine {
	e := &Engine{
		defaultPolicy: cfg.DefaultPolicy,
		safe:          compileEntries(cfg.SafeCommands),
		dangerous:     compileEntries(cfg.DangerousCommands),
		blocked:       compileEntries(cfg.BlockedCommands),
		workdirNeed:   config.PermRead,
	}
	if home, err := os.UserHomeDir(); err == nil {
		e.home = home
	}
	for _, o := range opts {
		o(e)
	}

	for _, d := range cfg.AllowedDirectories {
		p := e.expandHome(d.Path)
		if p == "" || strings.HasPrefix(p, "~") {
			continue
		}
		if p != "/" {
			p = strings.TrimSuffix(p, "/")
		}
		e.dirs = append(e.dirs, allowedDir{path: p, perms: d, recursive: d.Recursive})
	}
	for _, p := range cfg.BlockedPatterns {
		e.patterns = append(e.patterns, e.expandHome(p))
	}
	return e
}

// Classify returns the tier of command when run in cwd. Every simple command
// in the line is classified and the most severe result wins. A working
// directory that is blocked or outside the allowed directories blocks any
// command.
func (e *Engine) Classify(command, cwd string) Decision {
	d := e.classifyLine(command, cwd, 0)
	if reason := e.checkWorkdir(cwd); reason != "" {
		return d.worse(Decision{Tier: Blocked, Reason: reason})
	}
	return d
}

// Classify is a convenience wrapper compiling cfg for a single call.
func Classify(command, cwd string, cfg config.PolicyConfig) Tier {
	return NewEngine(cfg).Classify(command, cwd).Tier
}

func (e *Engine) classifyLine(command, cwd string, depth int) Decision {
	line := strings.Join(strings.Fields(command), " ")
	if line == "" {
		return Decision{Tier: Unclassified, Reason: "empty command"}
	}

	p, ok := parseCommand(command)
	if !ok {
		p = fieldsCommand(command)
	}

	var result Decision
	have := false
	merge := func(d Decision) {
		if !have {
			result, have = d, true
			return
		}
		result = result.worse(d)
	}

	for _, en := range e.blocked {
		if en.matchLine(line) {
			merge(Decision{Tier: Blocked, Reason: "blocked command: " + en.text, Matched: en.text})
		}
	}
	for _, en := range e.dangerous {
		if en.matchLine(line) {
			merge(Decision{Tier: Dangerous, Reason: "dangerous command: " + en.text, Matched: en.text})
		}
	}

	for _, c := range p.calls {
		merge(e.classifyCall(c, cwd, depth))
	}
	for _, r := range p.redirs {
		need := config.PermRead
		if r.write {
			need = config.PermWrite
		}
		if reason := e.checkPath(r.target, cwd, need, true); reason != "" {
			merge(Decision{Tier: Blocked, Reason: reason})
		}
	}

	if !have {
		return e.fallback()
	}
	return result
}

func (e *Engine) classifyCall(c call, cwd string, depth int) Decision {
	head := c.head()
	var d Decision
	if !head.static || head.value == "" {
		d = Decision{Tier: Unclassified, Reason: "command name is not a literal"}
	} else {
		d = e.matchLists(c)
	}

	if reason := e.pathChecks(c, cwd); reason != "" {
		return Decision{Tier: Blocked, Reason: reason}
	}
	if !head.static || depth >= maxNesting {
		return d
	}

	lines, calls := nested(c)
	for _, l := range lines {
		if !l.static {
			d = d.worse(Decision{Tier: Unclassified, Reason: "nested command is not a literal"})
			continue
		}
		d = d.worse(e.classifyLine(l.value, cwd, depth+1))
	}
	for _, inner := range calls {
		d = d.worse(e.classifyCall(inner, cwd, depth+1))
	}
	return d
}

func (e *Engine) matchLists(c call) Decision {
	head := c.head().value
	name := baseName(head)
	rest := make([]string, 0, len(c.args)-1)
	for _, a := range c.args[1:] {
		if a.static {
			rest = append(rest, a.value)
		} else {
			rest = append(rest, "\x00")
		}
	}
	v := splitArgs(rest)

	for _, en := range e.blocked {
		if en.matchCall(name, v, false) {
			return Decision{Tier: Blocked, Reason: "blocked command: " + en.text, Matched: en.text}
		}
	}
	for _, en := range e.dangerous {
		if en.matchCall(name, v, false) {
			return Decision{Tier: Dangerous, Reason: "dangerous command: " + en.text, Matched: en.text}
		}
	}
	if trustedHead(head) {
		for _, en := range e.safe {
			if en.matchCall(name, v, true) {
				return Decision{Tier: Safe, Reason: "safe command: " + en.text, Matched: en.text}
			}
		}
	}
	return e.fallback()
}

func (e *Engine) fallback() Decision {
	if e.defaultPolicy == config.PolicyAllowSafe {
		return Decision{Tier: Safe, Reason: "no matching rule (default allow-safe)"}
	}
	return Decision{Tier: Unclassified, Reason: fmt.Sprintf("no matching rule (default %s)", e.defaultPolicyName())}
}

func (e *Engine) defaultPolicyName() string {
	if e.defaultPolicy == "" {
		return string(config.PolicyDeny)
	}
	return string(e.defaultPolicy)
}
