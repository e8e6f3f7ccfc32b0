package sanitize

import "regexp"

// Category names an injection signature family.
type Category string

const (
	InstructionOverride    Category = "instruction_override"
	SystemPromptExtraction Category = "system_prompt_extraction"
	RoleManipulation       Category = "role_manipulation"
	Jailbreak              Category = "jailbreak"
	CredentialSolicitation Category = "credential_solicitation"
	CommandInjection       Category = "command_injection"
	Exfiltration           Category = "exfiltration"
	PseudoSystemMarker     Category = "pseudo_system_marker"
	Base64Blob             Category = "base64_blob"
	Custom                 Category = "custom"
)

// rule is one row of the detection table. Rows are evaluated in order.
type rule struct {
	category Category
	pattern  *regexp.Regexp
}

var builtinRules = []rule{
	{InstructionOverride, regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|override|bypass|skip)\s+(?:(?:all|any|the|your|of|these|those)\s+)*(?:previous|prior|above|earlier|preceding|former|original)\s+(?:instructions?|prompts?|rules?|directions?|directives?|context|guidelines?|commands?)`)},
	{InstructionOverride, regexp.MustCompile(`(?i)\b(?:new|updated|real)\s+instructions?\s*:`)},
	{SystemPromptExtraction, regexp.MustCompile(`(?i)\b(?:reveal|show|print|display|repeat|output|dump|leak|tell\s+me)\s+(?:me\s+)?(?:your|the)\s+(?:full\s+|entire\s+|exact\s+)?(?:system\s+prompt|system\s+message|initial\s+instructions|hidden\s+instructions|original\s+prompt|instructions)`)},
	{SystemPromptExtraction, regexp.MustCompile(`(?i)\bwhat\s+(?:is|are|were)\s+your\s+(?:system\s+prompt|initial\s+instructions|original\s+instructions)`)},
	{RoleManipulation, regexp.MustCompile(`(?i)\byou\s+are\s+(?:now|no\s+longer)\b|\bfrom\s+now\s+on,?\s+you\b|\bpretend\s+(?:to\s+be|you\s+are)\b|\bact\s+as\s+(?:an?\s+)?(?:unrestricted|unfiltered|evil|different|new)\b`)},
	{Jailbreak, regexp.MustCompile(`(?i)\b(?:DAN\s+mode|do\s+anything\s+now|developer\s+mode\s+enabled|jailbreak(?:ed)?|god\s+mode)\b|\bwithout\s+(?:any\s+)?(?:restrictions|filters|limitations|safety\s+guidelines)\b`)},
	{CredentialSolicitation, regexp.MustCompile(`(?i)\b(?:send|give|share|provide|tell|paste|post|reveal)\s+(?:me\s+|us\s+)?(?:your|the|all)\s+(?:(?:api|access|secret|auth)[\s_-]?(?:keys?|tokens?)|passwords?|credentials?|secrets?|private\s+keys?|ssh\s+keys?|env(?:ironment)?\s+variables)`)},
	{CommandInjection, regexp.MustCompile(`(?i)\b(?:run|execute|exec)\s+(?:the\s+following\s+|this\s+)?(?:shell\s+|bash\s+)?(?:command|script)s?\s*:`)},
	{CommandInjection, regexp.MustCompile("(?i)(?:;|&&|\\|\\|)\\s*(?:rm\\s+-rf|curl\\s|wget\\s|nc\\s|bash\\s+-[ci]|sh\\s+-c)|\\$\\((?:curl|wget|rm|nc|bash)\\b|`(?:curl|wget|rm|nc)\\s")},
	{Exfiltration, regexp.MustCompile(`(?i)\b(?:send|post|upload|forward|exfiltrate|transmit|leak|copy)\b[^.\n]{0,80}?\b(?:to|via|at)\s+(?:https?://|(?:a|the|this|my)\s+(?:webhook|url|endpoint|server)|webhook|pastebin|ngrok)`)},
	{PseudoSystemMarker, regexp.MustCompile(`(?i)\[\s*(?:system|admin|assistant|developer)\s*(?:message|prompt|note)?\s*\]|<\|?\s*(?:system|im_start|im_end|endoftext)\s*\|?>|\[/?INST\]|<<\s*/?SYS\s*>>`)},
	{Base64Blob, regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)},
}

// compileExtra compiles configured patterns. Invalid patterns are returned
// separately so the caller can warn about them.
func compileExtra(patterns []string) (rules []rule, invalid []string) {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			invalid = append(invalid, p)
			continue
		}
		rules = append(rules, rule{category: Custom, pattern: re})
	}
	return rules, invalid
}

// Markdown pseudo-instruction delimiters at line start.
var markdownRules = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^([ \t]*)(#{1,6}[ \t]*)((?:system|instructions?|assistant|admin|developer)\b)`),
	regexp.MustCompile("(?im)^([ \\t]*)(```|~~~)([ \\t]*(?:system|instructions?|assistant|admin)\\b)"),
	regexp.MustCompile(`(?im)^([ \t]*)(-{3,}|={3,})([ \t]*(?:system|instructions?)\b)`),
}
