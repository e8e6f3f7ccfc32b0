package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/atlasgw/atlas/internal/config"
)

// Commands whose path arguments are written to. cp-like commands only write
// their last argument.
var (
	mutatingCommands = map[string]bool{
		"rm": true, "rmdir": true, "mv": true, "touch": true, "mkdir": true,
		"chmod": true, "chown": true, "chgrp": true, "tee": true, "dd": true,
		"truncate": true, "shred": true, "unlink": true,
	}
	copyCommands = map[string]bool{"cp": true, "ln": true, "install": true, "rsync": true}
)

// Device files every command may touch.
var devicePaths = map[string]bool{
	"/dev/null": true, "/dev/stdin": true, "/dev/stdout": true, "/dev/stderr": true,
	"/dev/zero": true, "/dev/random": true, "/dev/urandom": true, "/dev/tty": true,
}

type allowedDir struct {
	path      string
	perms     config.DirectoryPermission
	recursive bool
}

// looksLikePath reports whether an argument names a filesystem path rather
// than a bare word, flag or URL.
func looksLikePath(a string) bool {
	switch {
	case a == "":
		return false
	case strings.Contains(a, "://"):
		return false
	case strings.HasPrefix(a, "/"), strings.HasPrefix(a, "~/"), a == "~",
		strings.HasPrefix(a, "./"), strings.HasPrefix(a, "../"), a == ".", a == "..":
		return true
	case strings.HasPrefix(a, "-"):
		return false
	}
	return strings.Contains(a, "/") && !strings.ContainsAny(a, " \t:=@")
}

// bareName reports whether an operand is a plain file name in the working
// directory, such as credentials or notes.txt.
func bareName(a string) bool {
	return a != "" && !strings.HasPrefix(a, "-") && !strings.ContainsAny(a, "/ \t\n:=@$")
}

// resolve turns a path argument into a clean absolute path. ok is false when
// the path is relative and no working directory is known, or uses ~ without
// a known home directory.
func (e *Engine) resolve(p, cwd string) (string, bool) {
	p = e.expandHome(p)
	if strings.HasPrefix(p, "~") {
		return "", false
	}
	if path.IsAbs(p) {
		return path.Clean(p), true
	}
	if cwd == "" {
		return "", false
	}
	cwd = e.expandHome(cwd)
	if !path.IsAbs(cwd) {
		return "", false
	}
	return path.Join(cwd, p), true
}

func (e *Engine) expandHome(p string) string {
	if e.home == "" {
		return p
	}
	if p == "~" {
		return e.home
	}
	if strings.HasPrefix(p, "~/") {
		return path.Join(e.home, p[2:])
	}
	return p
}

// checkPath applies blocked patterns and, for resolvable path-like values,
// the allowed directory table. Operands that are bare names resolve against
// cwd too. It returns a non-empty reason when the path forces the command to
// blocked.
func (e *Engine) checkPath(a arg, cwd string, need config.Permission, operand bool) string {
	value := a.value
	if value == "" {
		return ""
	}

	abs, resolved := "", false
	if a.static && (looksLikePath(value) || operand && bareName(value)) {
		abs, resolved = e.resolve(value, cwd)
	}
	if resolved && devicePaths[abs] {
		return ""
	}

	candidates := []string{value, baseName(value)}
	if resolved {
		candidates = append(candidates, abs, baseName(abs))
	}
	for _, c := range candidates {
		if pat, ok := e.matchBlockedPattern(c); ok {
			return fmt.Sprintf("path %s matches blocked pattern %s", value, pat)
		}
	}

	if !resolved || len(e.dirs) == 0 {
		return ""
	}
	dir, ok := e.allowedDirFor(abs)
	if !ok {
		return fmt.Sprintf("path %s is outside allowed directories", abs)
	}
	if !dir.perms.Allows(need) {
		return fmt.Sprintf("no %s permission on %s", need, abs)
	}
	return ""
}

// checkWorkdir applies the blocked patterns and the allowed directory table
// to the directory a command runs in. A directory is blocked when a pattern
// covers it or anything directly inside it.
func (e *Engine) checkWorkdir(cwd string) string {
	if cwd == "" {
		return ""
	}
	abs, ok := e.resolve(cwd, "")
	if !ok {
		return fmt.Sprintf("working directory %s is not absolute", cwd)
	}
	for _, c := range []string{abs, path.Join(abs, "_")} {
		if pat, ok := e.matchBlockedPattern(c); ok {
			return fmt.Sprintf("working directory %s matches blocked pattern %s", abs, pat)
		}
	}
	if len(e.dirs) == 0 {
		return ""
	}
	dir, ok := e.allowedDirFor(abs)
	if !ok {
		return fmt.Sprintf("working directory %s is outside allowed directories", abs)
	}
	if !dir.perms.Allows(e.workdirNeed) {
		return fmt.Sprintf("no %s permission on working directory %s", e.workdirNeed, abs)
	}
	return ""
}

func (e *Engine) matchBlockedPattern(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	trimmed := strings.TrimPrefix(p, "/")
	for _, pat := range e.patterns {
		if ok, err := doublestar.Match(pat, p); err == nil && ok {
			return pat, true
		}
		if trimmed != p && strings.HasPrefix(pat, "**/") {
			if ok, err := doublestar.Match(pat, trimmed); err == nil && ok {
				return pat, true
			}
		}
	}
	return "", false
}

// allowedDirFor returns the most specific allowed directory containing p.
func (e *Engine) allowedDirFor(p string) (allowedDir, bool) {
	var best allowedDir
	found := false
	for _, d := range e.dirs {
		inside := p == d.path
		if !inside {
			if d.recursive {
				inside = d.path == "/" || strings.HasPrefix(p, d.path+"/")
			} else {
				inside = path.Dir(p) == d.path
			}
		}
		if inside && (!found || len(d.path) > len(best.path)) {
			best, found = d, true
		}
	}
	return best, found
}

// pathChecks checks every path a call touches: a path-form head needs
// execute, arguments of mutating commands need write, everything else read.
// Bare names only meet the blocked patterns.
func (e *Engine) pathChecks(c call, cwd string) string {
	head := c.head()
	if head.static && strings.Contains(head.value, "/") {
		if r := e.checkPath(head, cwd, config.PermExecute, false); r != "" {
			return r
		}
	}

	name := baseName(head.value)
	var operands []int
	for i, a := range c.args[1:] {
		if a.static && strings.HasPrefix(a.value, "-") {
			// --file=/etc/shadow
			if _, v, ok := strings.Cut(a.value, "="); ok && v != "" {
				if r := e.checkPath(arg{value: v, static: true}, cwd, config.PermRead, false); r != "" {
					return r
				}
			}
			continue
		}
		operands = append(operands, i+1)
	}

	for n, idx := range operands {
		need := config.PermRead
		switch {
		case mutatingCommands[name]:
			need = config.PermWrite
		case copyCommands[name] && n == len(operands)-1:
			need = config.PermWrite
		}
		if r := e.checkPath(c.args[idx], cwd, need, true); r != "" {
			return r
		}
	}
	return ""
}
