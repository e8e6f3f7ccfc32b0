package policy

import (
	"path"
	"strings"
	"unicode"
)

// entry is one compiled list entry such as "git commit" or "rm -rf /".
type entry struct {
	text string

	// literal entries are matched structurally against calls
	literal    bool
	head       string
	positional []string
	shorts     string
	longs      []string

	// non-literal entries are matched as substrings of the command line
	norm string
}

const shellMeta = "|&;<>()$`'\"{}*?[]\\"

func compileEntry(s string) entry {
	e := entry{text: s}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return e
	}
	if strings.ContainsAny(s, shellMeta) {
		e.norm = strings.Join(fields, " ")
		return e
	}
	e.literal = true
	e.head = fields[0]
	v := splitArgs(fields[1:])
	e.positional = v.positional
	e.shorts = v.shorts
	e.longs = v.longs
	return e
}

func compileEntries(list []string) []entry {
	out := make([]entry, 0, len(list))
	for _, s := range list {
		if e := compileEntry(s); e.literal || e.norm != "" {
			out = append(out, e)
		}
	}
	return out
}

// argView splits the arguments after the head into flags and positionals.
type argView struct {
	positional []string
	shorts     string
	longs      []string
}

func splitArgs(args []string) argView {
	var v argView
	var shorts strings.Builder
	for i, a := range args {
		switch {
		case a == "--":
			for _, p := range args[i+1:] {
				v.positional = append(v.positional, normalizeArg(p))
			}
			v.shorts = shorts.String()
			return v
		case strings.HasPrefix(a, "--"):
			name, _, _ := strings.Cut(a, "=")
			v.longs = append(v.longs, name)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			shorts.WriteString(a[1:])
		default:
			v.positional = append(v.positional, normalizeArg(a))
		}
	}
	v.shorts = shorts.String()
	return v
}

// normalizeArg cleans path-like arguments so "/tmp/../" equals "/" and
// "~/" equals "~".
func normalizeArg(a string) string {
	if !looksLikePath(a) && a != "~" {
		return a
	}
	a = strings.TrimSuffix(a, "/*")
	if a == "" {
		return "/"
	}
	return path.Clean(a)
}

func (e entry) matchCall(head string, v argView, strict bool) bool {
	if !e.literal || e.head != head {
		return false
	}
	for _, r := range e.shorts {
		if !strings.ContainsRune(v.shorts, r) {
			return false
		}
	}
	for _, l := range e.longs {
		found := false
		for _, cl := range v.longs {
			if cl == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if strict {
		return hasPrefix(v.positional, e.positional)
	}
	return hasSubsequence(v.positional, e.positional)
}

// matchLine matches a non-literal entry against a whitespace-normalized
// command line on word boundaries.
func (e entry) matchLine(line string) bool {
	if e.literal || e.norm == "" {
		return false
	}
	for start := 0; ; {
		i := strings.Index(line[start:], e.norm)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(e.norm)
		if boundaryBefore(line, i, e.norm) && boundaryAfter(line, end, e.norm) {
			return true
		}
		start = i + 1
	}
}

func boundaryBefore(line string, i int, needle string) bool {
	if i == 0 || !isWordByte(needle[0]) {
		return true
	}
	return !isWordByte(line[i-1])
}

func boundaryAfter(line string, end int, needle string) bool {
	if end == len(line) || !isWordByte(needle[len(needle)-1]) {
		return true
	}
	return !isWordByte(line[end])
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

func hasPrefix(have, want []string) bool {
	if len(want) > len(have) {
		return false
	}
	for i := range want {
		if have[i] != want[i] {
			return false
		}
	}
	return true
}

func hasSubsequence(have, want []string) bool {
	j := 0
	for i := 0; i < len(have) && j < len(want); i++ {
		if have[i] == want[j] {
			j++
		}
	}
	return j == len(want)
}

func baseName(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Directories whose binaries may satisfy a safe entry when invoked by path.
var systemBinDirs = map[string]bool{
	"/bin": true, "/usr/bin": true, "/usr/local/bin": true, "/sbin": true, "/usr/sbin": true,
}

// trustedHead reports whether a head names a system command rather than a
// file that could be anything.
func trustedHead(h string) bool {
	if !strings.Contains(h, "/") {
		return true
	}
	return systemBinDirs[path.Dir(h)]
}
