package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// ErrConfiguration matches every *Error with errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Error is a configuration problem. It is fatal at startup.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

// Is reports whether target is ErrConfiguration.
func (e *Error) Is(target error) bool {
	return target == ErrConfiguration
}

// DefaultPolicy is the fallback for commands no list matches.
type DefaultPolicy string

const (
	PolicyDeny      DefaultPolicy = "deny"
	PolicyAllowSafe DefaultPolicy = "allow-safe"
)

// Permission is an access right on an allowed directory.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
)

// TrustLevel labels how far a text source is trusted.
type TrustLevel string

const (
	Trusted     TrustLevel = "trusted"
	SemiTrusted TrustLevel = "semi-trusted"
	Untrusted   TrustLevel = "untrusted"
)

// Valid reports whether l is a known trust level.
func (l TrustLevel) Valid() bool {
	switch l {
	case Trusted, SemiTrusted, Untrusted:
		return true
	}
	return false
}

// DirectoryPermission grants permissions below Path.
type DirectoryPermission struct {
	Path        string       `yaml:"path" json:"path"`
	Permissions []Permission `yaml:"permissions" json:"permissions"`
	Recursive   bool         `yaml:"recursive" json:"recursive"`
}

// Allows reports whether p is granted.
func (d DirectoryPermission) Allows(p Permission) bool {
	return slices.Contains(d.Permissions, p)
}

// PolicyConfig is a preset's command and path rules. Treat it as immutable;
// reconfiguration replaces it wholesale.
type PolicyConfig struct {
	DefaultPolicy      DefaultPolicy         `yaml:"default_policy" json:"default_policy"`
	SafeCommands       []string              `yaml:"safe_commands" json:"safe_commands"`
	DangerousCommands  []string              `yaml:"dangerous_commands" json:"dangerous_commands"`
	BlockedCommands    []string              `yaml:"blocked_commands" json:"blocked_commands"`
	AllowedDirectories []DirectoryPermission `yaml:"allowed_directories" json:"allowed_directories"`
	BlockedPatterns    []string              `yaml:"blocked_patterns" json:"blocked_patterns"`
}

// SandboxLimits are the resource limits passed to the sandbox executor.
type SandboxLimits struct {
	MemoryLimitMB      int     `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	CPULimit           float64 `yaml:"cpu_limit" json:"cpu_limit"`
	TimeoutSeconds     int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	NetworkAccess      bool    `yaml:"network_access" json:"network_access"`
	ReadOnlyFilesystem bool    `yaml:"read_only_filesystem" json:"read_only_filesystem"`
}

// Timeout returns TimeoutSeconds as a duration.
func (l SandboxLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// WorkdirPermission is the permission the working directory needs, given
// that the sandbox mounts it read-only or writable.
func (l SandboxLimits) WorkdirPermission() Permission {
	if l.ReadOnlyFilesystem {
		return PermRead
	}
	return PermWrite
}

// Preset fully specifies one security posture.
type Preset struct {
	Name        string            `yaml:"name"`
	Policy      PolicyConfig      `yaml:"policy"`
	Limits      SandboxLimits     `yaml:"limits"`
	ApprovalTTL time.Duration     `yaml:"approval_ttl"`
	AutoApprove []AutoApproveRule `yaml:"auto_approve"`
}

// Commands that read without side effects.
var readOnlyCommands = []string{
	"ls", "pwd", "cat", "head", "tail", "wc", "echo", "grep", "find", "which",
	"whoami", "date", "stat", "file", "tree", "du", "df", "sort", "uniq", "diff",
	"git status", "git log", "git diff", "git show", "git branch",
}

var secretPathPatterns = []string{
	"**/.env",
	"**/.env.*",
	"**/.ssh/**",
	"**/.aws/**",
	"**/.gnupg/**",
	"**/.netrc",
	"**/.kube/config",
	"**/.docker/config.json",
	"**/*.pem",
	"**/id_rsa*",
	"**/id_ed25519*",
	"/etc/shadow",
	"/etc/sudoers",
}

var presets = map[string]Preset{
	"paranoid": {
		Name: "paranoid",
		Policy: PolicyConfig{
			DefaultPolicy: PolicyDeny,
			SafeCommands:  readOnlyCommands,
			DangerousCommands: []string{
				"git commit", "git push", "git pull", "git checkout", "git reset",
				"git merge", "git rebase", "git clone",
				"curl", "wget", "npm", "pip", "python", "python3", "node", "go",
				"make", "mkdir", "cp", "mv", "touch",
			},
			BlockedCommands: []string{
				"rm", "sudo", "su", "doas", "chmod", "chown", "dd", "mkfs", "shutdown",
				"reboot", "halt", "poweroff", "ssh", "scp", "nc", "ncat", "telnet",
				"eval", "crontab", "kill", "killall", "docker",
				":(){ :|:& };:", "| sh", "| bash",
			},
			AllowedDirectories: []DirectoryPermission{
				{Path: "~/workspace", Permissions: []Permission{PermRead, PermWrite}, Recursive: true},
			},
			BlockedPatterns: append(slices.Clone(secretPathPatterns), "**/*.key", "/etc/passwd"),
		},
		Limits: SandboxLimits{
			MemoryLimitMB:      256,
			CPULimit:           0.5,
			TimeoutSeconds:     30,
			NetworkAccess:      false,
			ReadOnlyFilesystem: true,
		},
		ApprovalTTL: 5 * time.Minute,
	},
	"balanced": {
		Name: "balanced",
		Policy: PolicyConfig{
			DefaultPolicy: PolicyDeny,
			SafeCommands: append(slices.Clone(readOnlyCommands),
				"rg", "jq", "go version", "go env", "npm list"),
			DangerousCommands: []string{
				"curl", "wget",
				"git commit", "git push", "git pull", "git checkout", "git reset",
				"git merge", "git rebase", "git clone", "git stash",
				"npm install", "npm run", "npm test", "pip install",
				"go build", "go test", "go run", "go mod", "make",
				"python", "python3", "node", "docker",
				"rm", "mv", "cp", "mkdir", "touch", "chmod", "kill", "ssh", "scp",
			},
			BlockedCommands: []string{
				"sudo", "su", "doas", "dd", "mkfs", "shutdown", "reboot", "halt", "poweroff",
				"rm -rf /", "rm -rf ~", "chmod 777", "nc", "ncat", "telnet", "crontab",
				":(){ :|:& };:", "| sh", "| bash",
			},
			AllowedDirectories: []DirectoryPermission{
				{Path: "~/projects", Permissions: []Permission{PermRead, PermWrite, PermExecute}, Recursive: true},
				{Path: "~/workspace", Permissions: []Permission{PermRead, PermWrite, PermExecute}, Recursive: true},
				{Path: "/tmp", Permissions: []Permission{PermRead, PermWrite}, Recursive: true},
				{Path: "/usr", Permissions: []Permission{PermRead, PermExecute}, Recursive: true},
				{Path: "/etc", Permissions: []Permission{PermRead}, Recursive: true},
			},
			BlockedPatterns: slices.Clone(secretPathPatterns),
		},
		Limits: SandboxLimits{
			MemoryLimitMB:      512,
			CPULimit:           1,
			TimeoutSeconds:     120,
			NetworkAccess:      true,
			ReadOnlyFilesystem: false,
		},
		ApprovalTTL: 15 * time.Minute,
		AutoApprove: []AutoApproveRule{
			{ID: "safe-commands", Priority: 100, Enabled: true, Command: "*", MaxTier: "safe"},
		},
	},
	"permissive": {
		Name: "permissive",
		Policy: PolicyConfig{
			DefaultPolicy: PolicyAllowSafe,
			SafeCommands: append(slices.Clone(readOnlyCommands),
				"rg", "jq", "git", "go", "npm", "make", "python", "python3", "node",
				"mkdir", "cp", "mv", "touch"),
			DangerousCommands: []string{
				"curl", "wget", "rm", "docker", "ssh", "scp", "chmod", "kill",
				"git push", "git reset", "npm install", "pip install",
			},
			BlockedCommands: []string{
				"sudo", "su", "dd", "mkfs", "shutdown", "reboot", "halt", "poweroff",
				"rm -rf /", "rm -rf ~", ":(){ :|:& };:",
			},
			BlockedPatterns: []string{"**/.ssh/**", "**/.aws/credentials", "/etc/shadow"},
		},
		Limits: SandboxLimits{
			MemoryLimitMB:      2048,
			CPULimit:           2,
			TimeoutSeconds:     300,
			NetworkAccess:      true,
			ReadOnlyFilesystem: false,
		},
		ApprovalTTL: time.Hour,
		AutoApprove: []AutoApproveRule{
			{ID: "safe-commands", Priority: 100, Enabled: true, Command: "*", MaxTier: "safe"},
		},
	},
}

// LookupPreset returns a copy of the named preset. Unknown names are a
// configuration error; there is no fallback preset.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, &Error{
			Field: "preset",
			Msg:   fmt.Sprintf("unknown preset %q (expected one of %v)", name, PresetNames()),
		}
	}
	return p.clone(), nil
}

// PresetNames lists the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the configured preset with the file's auto-approve rules
// merged over the preset defaults (same id replaces).
func (c *Config) Resolve() (Preset, error) {
	p, err := LookupPreset(c.Preset)
	if err != nil {
		return Preset{}, err
	}
	for _, r := range c.AutoApprove {
		idx := slices.IndexFunc(p.AutoApprove, func(x AutoApproveRule) bool { return x.ID == r.ID })
		if idx >= 0 {
			p.AutoApprove[idx] = r
		} else {
			p.AutoApprove = append(p.AutoApprove, r)
		}
	}
	return p, nil
}

func (p Preset) clone() Preset {
	out := p
	out.Policy.SafeCommands = slices.Clone(p.Policy.SafeCommands)
	out.Policy.DangerousCommands = slices.Clone(p.Policy.DangerousCommands)
	out.Policy.BlockedCommands = slices.Clone(p.Policy.BlockedCommands)
	out.Policy.BlockedPatterns = slices.Clone(p.Policy.BlockedPatterns)
	out.Policy.AllowedDirectories = make([]DirectoryPermission, len(p.Policy.AllowedDirectories))
	for i, d := range p.Policy.AllowedDirectories {
		d.Permissions = slices.Clone(d.Permissions)
		out.Policy.AllowedDirectories[i] = d
	}
	out.AutoApprove = slices.Clone(p.AutoApprove)
	return out
}
