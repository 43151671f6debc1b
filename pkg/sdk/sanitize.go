package sdk

import "regexp"

// Regex-based PII scrubber run on every span's attributes at End. All
// patterns are compiled once; the scrub itself stays well under a
// millisecond for typical attribute sets.

const (
	redactedSSN       = "[REDACTED_SSN]"
	redactedEmail     = "[REDACTED_EMAIL]"
	redactedCC        = "[REDACTED_CC]"
	redactedPhone     = "[REDACTED_PHONE]"
	redactedAWSKey    = "[REDACTED_AWS_KEY]"
	redactedOpenAIKey = "[REDACTED_OPENAI_KEY]"
	redactedAPIKey    = "[REDACTED_API_KEY]"
)

type scrubPattern struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: key formats go before the broader numeric and email
// patterns so a match is replaced by its most specific token.
var scrubPatterns = []scrubPattern{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), redactedSSN},
	{regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), redactedCC},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), redactedOpenAIKey},
	{regexp.MustCompile(`\b(?:AKIA|AIDA|AROA|ABIA|ACCA)[A-Z0-9]{16}\b`), redactedAWSKey},
	{regexp.MustCompile(`(?i)(?:aws[_-]?secret[_-]?access[_-]?key|secret[_-]?key|aws[_-]?secret)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`), redactedAWSKey},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), redactedEmail},
	{regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?(?:\(\d{3}\)|\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`), redactedPhone},
	{regexp.MustCompile(`(?i)(?:api[_-]?key|api[_-]?secret|access[_-]?token|auth[_-]?token|bearer)\s*[=:]\s*['"]?[A-Za-z0-9_\-./+=]{16,}['"]?`), redactedAPIKey},
}

// ScrubString replaces every detected PII substring with its typed
// redaction token.
func ScrubString(value string) string {
	for _, p := range scrubPatterns {
		value = p.re.ReplaceAllString(value, p.repl)
	}
	return value
}

// ScrubAttributes returns a new attribute map with all string values
// scrubbed. The input map is not modified.
func ScrubAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = ScrubString(v)
	}
	return out
}
