package policy

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// arg is one shell word. value holds the literal text when static is true;
// otherwise it holds the literal fragments only (the skeleton).
type arg struct {
	value  string
	static bool
}

// call is one simple command.
type call struct {
	args []arg
}

func (c call) head() arg { return c.args[0] }

type redirect struct {
	target arg
	write  bool
}

type parsed struct {
	calls  []call
	redirs []redirect
}

// parseCommand extracts every simple command and redirect from a command
// line, including those nested in pipelines, lists, subshells, command
// substitutions and function bodies. ok is false when the line does not
// parse; the caller falls back to whitespace tokenization.
func parseCommand(command string) (parsed, bool) {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return parsed{}, false
	}

	var p parsed
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				return true
			}
			c := call{args: make([]arg, len(n.Args))}
			for i, w := range n.Args {
				c.args[i] = wordArg(w)
			}
			p.calls = append(p.calls, c)
		case *syntax.Redirect:
			if r, ok := redirectOf(n); ok {
				p.redirs = append(p.redirs, r)
			}
		}
		return true
	})
	return p, true
}

// fieldsCommand is the fallback tokenizer for unparseable input.
func fieldsCommand(command string) parsed {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return parsed{}
	}
	c := call{args: make([]arg, len(fields))}
	for i, f := range fields {
		c.args[i] = arg{value: f, static: true}
	}
	return parsed{calls: []call{c}}
}

func redirectOf(r *syntax.Redirect) (redirect, bool) {
	if r.Word == nil {
		return redirect{}, false
	}
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.RdrInOut:
		return redirect{target: wordArg(r.Word), write: true}, true
	case syntax.RdrIn:
		return redirect{target: wordArg(r.Word)}, true
	}
	// fd duplication and heredocs name no file
	return redirect{}, false
}

// wordArg resolves the quoting of a word. Any expansion makes it dynamic.
func wordArg(w *syntax.Word) arg {
	var sb strings.Builder
	static := true
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(p.Value))
		case *syntax.SglQuoted:
			if p.Dollar {
				static = false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				} else {
					static = false
				}
			}
		default:
			static = false
		}
	}
	return arg{value: sb.String(), static: static}
}

// unescape drops the backslashes of an unquoted literal, so r\m reads as rm.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// Shells whose -c argument is itself a command line.
var nestedShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

// nested returns command lines or calls hidden inside c: sh -c strings,
// eval arguments, wrapper commands (env, nohup, xargs, sudo, ...) and
// find -exec clauses.
func nested(c call) (lines []arg, calls []call) {
	head := baseName(c.head().value)
	rest := c.args[1:]

	switch {
	case nestedShells[head]:
		for i, a := range rest {
			if a.static && strings.HasPrefix(a.value, "-") && !strings.HasPrefix(a.value, "--") &&
				strings.Contains(a.value, "c") && i+1 < len(rest) {
				lines = append(lines, rest[i+1])
				break
			}
		}
	case head == "eval":
		if len(rest) > 0 {
			var sb strings.Builder
			static := true
			for i, a := range rest {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(a.value)
				static = static && a.static
			}
			lines = append(lines, arg{value: sb.String(), static: static})
		}
	case head == "find":
		for i := 0; i < len(rest); i++ {
			switch rest[i].value {
			case "-exec", "-execdir", "-ok", "-okdir":
				j := i + 1
				for j < len(rest) && rest[j].value != ";" && rest[j].value != "+" {
					j++
				}
				if j > i+1 {
					calls = append(calls, call{args: rest[i+1 : j]})
				}
				i = j
			}
		}
	default:
		if skip, ok := wrappers[head]; ok {
			if inner := unwrap(rest, skip); len(inner) > 0 {
				calls = append(calls, call{args: inner})
			}
		}
	}
	return lines, calls
}

// wrappers run their first non-option argument as a command. The value lists
// the options that consume a following argument.
var wrappers = map[string][]string{
	"env":     {"-u", "-C", "-S"},
	"nice":    {"-n"},
	"nohup":   nil,
	"time":    {"-f", "-o"},
	"command": nil,
	"exec":    {"-a"},
	"builtin": nil,
	"stdbuf":  {"-i", "-o", "-e"},
	"timeout": {"-s", "-k", "--signal", "--kill-after"},
	"xargs":   {"-I", "-n", "-P", "-L", "-s", "-d", "-E", "-a"},
	"sudo":    {"-u", "-g", "-h", "-p", "-C", "-D", "-U"},
	"doas":    {"-u", "-C"},
	"watch":   {"-n", "-d"},
	"strace":  {"-e", "-o", "-p"},
}

func unwrap(args []arg, valued []string) []arg {
	i := 0
	for i < len(args) {
		v := args[i].value
		switch {
		case v == "--":
			return args[i+1:]
		case strings.HasPrefix(v, "-"):
			i++
			for _, opt := range valued {
				if v == opt {
					i++
					break
				}
			}
		case strings.Contains(v, "=") && !strings.Contains(v, "/"):
			i++ // VAR=value for env
		default:
			// timeout takes a duration before the command
			if len(args[i:]) > 1 && isDuration(v) {
				i++
				continue
			}
			return args[i:]
		}
	}
	return nil
}

func isDuration(s string) bool {
	if s == "" {
		return false
	}
	s = strings.TrimRight(s, "smhd")
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return s != ""
}
