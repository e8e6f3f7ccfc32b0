package approval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/policy"
)

const testHome = "/home/agent"

func TestRules_Evaluate(t *testing.T) {
	r, err := NewRules(testHome,
		Rule{ID: "git-status", Priority: 10, Enabled: true, Command: "git status*", MaxTier: policy.Safe},
		Rule{ID: "tests-in-projects", Priority: 5, Enabled: true, Command: "go test *", Directory: "~/projects/**", MaxTier: policy.Dangerous},
		Rule{ID: "ci-only", Priority: 5, Enabled: true, Command: "make *", RequestedBy: []string{"ci-bot"}, MaxTier: policy.Dangerous},
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		cr   CommandRequest
		tier policy.Tier
		want string
	}{
		{"exact glob", CommandRequest{RawCommand: "git status"}, policy.Safe, "git-status"},
		{"glob spans args", CommandRequest{RawCommand: "git   status --short"}, policy.Safe, "git-status"},
		{"tier above max", CommandRequest{RawCommand: "git status"}, policy.Dangerous, ""},
		{"directory match", CommandRequest{RawCommand: "go test ./...", WorkingDir: "/home/agent/projects/app"}, policy.Dangerous, "tests-in-projects"},
		{"directory with tilde", CommandRequest{RawCommand: "go test ./...", WorkingDir: "~/projects/app/"}, policy.Dangerous, "tests-in-projects"},
		{"directory mismatch", CommandRequest{RawCommand: "go test ./...", WorkingDir: "/tmp/app"}, policy.Dangerous, ""},
		{"missing directory", CommandRequest{RawCommand: "go test ./..."}, policy.Dangerous, ""},
		{"unclassified treated as dangerous", CommandRequest{RawCommand: "make build", RequestedBy: "ci-bot"}, policy.Unclassified, "ci-only"},
		{"requester mismatch", CommandRequest{RawCommand: "make build", RequestedBy: "alice"}, policy.Dangerous, ""},
		{"blocked never matches", CommandRequest{RawCommand: "git status"}, policy.Blocked, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := r.Evaluate(tt.cr, tt.tier)
			if tt.want == "" {
				assert.False(t, ok, "matched %q", rule.ID)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, rule.ID)
		})
	}
}

func TestRules_PriorityAndOrder(t *testing.T) {
	r, err := NewRules(testHome,
		Rule{ID: "low", Priority: 1, Enabled: true, Command: "*", MaxTier: policy.Safe},
		Rule{ID: "first", Priority: 50, Enabled: true, Command: "ls*", MaxTier: policy.Safe},
		Rule{ID: "second", Priority: 50, Enabled: true, Command: "ls*", MaxTier: policy.Safe},
	)
	require.NoError(t, err)

	rule, ok := r.Evaluate(CommandRequest{RawCommand: "ls -la"}, policy.Safe)
	require.True(t, ok)
	assert.Equal(t, "first", rule.ID)

	require.NoError(t, r.SetEnabled("first", false))
	rule, _ = r.Evaluate(CommandRequest{RawCommand: "ls -la"}, policy.Safe)
	assert.Equal(t, "second", rule.ID)

	require.NoError(t, r.SetEnabled("second", false))
	rule, _ = r.Evaluate(CommandRequest{RawCommand: "ls -la"}, policy.Safe)
	assert.Equal(t, "low", rule.ID)

	ids := []string{}
	for _, rl := range r.List() {
		ids = append(ids, rl.ID)
	}
	assert.Equal(t, []string{"first", "second", "low"}, ids)
}

func TestRules_ReplaceReportsDropped(t *testing.T) {
	r, err := NewRules(testHome,
		Rule{ID: "keep", Enabled: true, Command: "ls*", MaxTier: policy.Safe},
		Rule{ID: "gone", Enabled: true, Command: "*", MaxTier: policy.Dangerous},
	)
	require.NoError(t, err)
	require.NoError(t, r.Add(Rule{ID: "added", Enabled: true, Command: "cat*", MaxTier: policy.Safe}))

	dropped, err := r.Replace([]Rule{{ID: "keep", Enabled: true, Command: "ls*", MaxTier: policy.Safe}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gone", "added"}, dropped)
	require.Len(t, r.List(), 1)

	_, err = r.Replace([]Rule{{ID: "x", MaxTier: policy.Safe}, {ID: "x", MaxTier: policy.Safe}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, r.List(), 1, "a rejected replacement keeps the current set")
}

func TestRules_AddAndErrors(t *testing.T) {
	r, err := NewRules(testHome)
	require.NoError(t, err)

	require.NoError(t, r.Add(Rule{ID: "a", Enabled: true, MaxTier: policy.Safe}))
	assert.ErrorIs(t, r.Add(Rule{ID: "a", Enabled: true, MaxTier: policy.Safe}), ErrInvalidRequest)
	assert.ErrorIs(t, r.Add(Rule{Enabled: true, MaxTier: policy.Safe}), ErrInvalidRequest)
	assert.ErrorIs(t, r.Add(Rule{ID: "b", MaxTier: policy.Blocked}), ErrInvalidRequest)
	assert.ErrorIs(t, r.Add(Rule{ID: "c", MaxTier: "extreme"}), ErrInvalidRequest)
	assert.ErrorIs(t, r.Add(Rule{ID: "d", MaxTier: policy.Safe, Directory: "/tmp/[x"}), ErrInvalidRequest)
	assert.True(t, errors.Is(r.SetEnabled("missing", true), ErrNotFound))

	_, err = NewRules(testHome, Rule{ID: "x", MaxTier: policy.Safe}, Rule{ID: "x", MaxTier: policy.Safe})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRules_GlobIsLiteral(t *testing.T) {
	r, err := NewRules(testHome, Rule{ID: "dot", Enabled: true, Command: "cat a.txt", MaxTier: policy.Safe})
	require.NoError(t, err)

	_, ok := r.Evaluate(CommandRequest{RawCommand: "cat a.txt"}, policy.Safe)
	assert.True(t, ok)
	_, ok = r.Evaluate(CommandRequest{RawCommand: "cat abtxt"}, policy.Safe)
	assert.False(t, ok)
	_, ok = r.Evaluate(CommandRequest{RawCommand: "cat a.txt; rm x"}, policy.Safe)
	assert.False(t, ok)
}

func TestRulesFromConfig(t *testing.T) {
	rules, err := RulesFromConfig([]config.AutoApproveRule{
		{ID: "r1", Priority: 3, Enabled: true, Command: "ls*", MaxTier: "safe", RequestedBy: []string{"agent"}},
	})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, policy.Safe, rules[0].MaxTier)
	assert.Equal(t, []string{"agent"}, rules[0].RequestedBy)

	_, err = RulesFromConfig([]config.AutoApproveRule{{ID: "bad", MaxTier: "whatever"}})
	assert.Error(t, err)
}
