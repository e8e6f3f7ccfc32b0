package approval

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/policy"
)

// Rule authorizes matching commands without a human decision.
//
// Command is a glob over the whitespace-normalized command line where * and
// ? also match spaces and slashes. Directory is a doublestar pattern over the
// working directory; ~ expands to the home directory. Empty fields match
// everything. MaxTier is the highest tier the rule may authorize.
type Rule struct {
	ID          string      `json:"id"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Command     string      `json:"command,omitempty"`
	Directory   string      `json:"directory,omitempty"`
	RequestedBy []string    `json:"requested_by,omitempty"`
	MaxTier     policy.Tier `json:"max_tier"`
}

type compiledRule struct {
	Rule
	order   int
	command *regexp.Regexp
	dir     string
}

// Rules is the ordered auto-approve rule set. Rules are evaluated by
// descending priority, then insertion order; the first enabled match wins.
type Rules struct {
	mu    sync.RWMutex
	home  string
	rules []compiledRule
	next  int
}

// NewRules builds a rule set. home is used for ~ in directory patterns.
func NewRules(home string, rules ...Rule) (*Rules, error) {
	r := &Rules{home: strings.TrimSuffix(home, "/")}
	if _, err := r.Replace(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// RulesFromConfig converts file-form rules.
func RulesFromConfig(in []config.AutoApproveRule) ([]Rule, error) {
	out := make([]Rule, 0, len(in))
	for _, c := range in {
		tier, err := policy.ParseTier(c.MaxTier)
		if err != nil {
			return nil, fmt.Errorf("auto-approve rule %q: %w", c.ID, err)
		}
		out = append(out, Rule{
			ID:          c.ID,
			Priority:    c.Priority,
			Enabled:     c.Enabled,
			Command:     c.Command,
			Directory:   c.Directory,
			RequestedBy: slices.Clone(c.RequestedBy),
			MaxTier:     tier,
		})
	}
	return out, nil
}

func (r *Rules) compile(rule Rule) (compiledRule, error) {
	if rule.ID == "" {
		return compiledRule{}, fmt.Errorf("%w: rule id is required", ErrInvalidRequest)
	}
	if _, err := policy.ParseTier(string(rule.MaxTier)); err != nil || rule.MaxTier == policy.Blocked {
		return compiledRule{}, fmt.Errorf("%w: rule %q: max tier must be safe, dangerous or unclassified", ErrInvalidRequest, rule.ID)
	}
	c := compiledRule{Rule: rule}
	c.RequestedBy = slices.Clone(rule.RequestedBy)
	if rule.Command != "" && rule.Command != "*" {
		re, err := regexp.Compile(globToRegexp(normalizeCommand(rule.Command)))
		if err != nil {
			return compiledRule{}, fmt.Errorf("%w: rule %q: command pattern: %v", ErrInvalidRequest, rule.ID, err)
		}
		c.command = re
	}
	if rule.Directory != "" {
		c.dir = r.expandHome(rule.Directory)
		if !doublestar.ValidatePattern(c.dir) {
			return compiledRule{}, fmt.Errorf("%w: rule %q: invalid directory pattern %q", ErrInvalidRequest, rule.ID, rule.Directory)
		}
	}
	return c, nil
}

func (r *Rules) expandHome(p string) string {
	if r.home == "" {
		return p
	}
	if p == "~" {
		return r.home
	}
	if strings.HasPrefix(p, "~/") {
		return r.home + p[1:]
	}
	return p
}

// Replace swaps the whole rule set and returns the ids of rules that are
// no longer present. On error the current set is kept.
func (r *Rules) Replace(rules []Rule) ([]string, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRequest, rule.ID)
		}
		seen[rule.ID] = true
		c, err := r.compile(rule)
		if err != nil {
			return nil, err
		}
		c.order = i
		compiled = append(compiled, c)
	}
	sortRules(compiled)

	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for _, c := range r.rules {
		if !seen[c.ID] {
			dropped = append(dropped, c.ID)
		}
	}
	r.rules = compiled
	r.next = len(compiled)
	return dropped, nil
}

// Add appends a rule. IDs must be unique.
func (r *Rules) Add(rule Rule) error {
	c, err := r.compile(rule)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(rule.ID) >= 0 {
		return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRequest, rule.ID)
	}
	c.order = r.next
	r.next++
	r.rules = append(r.rules, c)
	sortRules(r.rules)
	return nil
}

// SetEnabled toggles the rule with id.
func (r *Rules) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	r.rules[i].Enabled = enabled
	return nil
}

// List returns the rules in evaluation order.
func (r *Rules) List() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	for i, c := range r.rules {
		out[i] = c.Rule
		out[i].RequestedBy = slices.Clone(c.RequestedBy)
	}
	return out
}

// Evaluate returns the first enabled rule that matches cr and may authorize
// tier. Blocked commands never match.
func (r *Rules) Evaluate(cr CommandRequest, tier policy.Tier) (Rule, bool) {
	if tier == policy.Blocked {
		return Rule{}, false
	}
	command := normalizeCommand(cr.RawCommand)
	cwd := ""
	if cr.WorkingDir != "" {
		cwd = filepath.ToSlash(filepath.Clean(r.expandHome(cr.WorkingDir)))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rules {
		if !c.Enabled || !c.MaxTier.Covers(tier) {
			continue
		}
		if c.command != nil && !c.command.MatchString(command) {
			continue
		}
		if c.dir != "" {
			if cwd == "" {
				continue
			}
			if ok, _ := doublestar.Match(c.dir, cwd); !ok {
				continue
			}
		}
		if len(c.RequestedBy) > 0 && !slices.Contains(c.RequestedBy, cr.RequestedBy) {
			continue
		}
		return c.Rule, true
	}
	return Rule{}, false
}

func (r *Rules) indexLocked(id string) int {
	return slices.IndexFunc(r.rules, func(c compiledRule) bool { return c.ID == id })
}

func sortRules(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].order < rules[j].order
	})
}

func normalizeCommand(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// globToRegexp anchors a command glob: * is any run of characters, ? is one
// character, everything else is literal.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString(`^`)
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return b.String()
}
