package fault

import "regexp"

// Error messages cross process boundaries (logs, CLI output, upstream
// callers), so anything that looks like a credential is masked before the
// message is stored.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9\-._~+/]{8,}=*`),
	regexp.MustCompile(`\b(sk|pk|ghp|glpat|gho|xoxb)[-_][a-zA-Z0-9\-_]{10,}\b`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|authorization)\s*[=:]\s*["']?[^\s"'&]{6,}`),
}

// Redact masks credential-shaped substrings in s. The prefix that
// identifies what was masked is kept so messages stay debuggable.
func Redact(s string) string {
	out := s
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, "$1[REDACTED]")
	}
	return out
}
