package security

import "regexp"

// piiPatterns detects sensitive values in LLM I/O. Ordered so detections
// report deterministically.
var piiPatterns = []struct {
	Name    string
	Pattern *regexp.Regexp
}{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`)},
	{"AWS_KEY", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"OPENAI_KEY", regexp.MustCompile(`sk-[a-zA-Z0-9]{48}`)},
}

// checkPII returns the detected PII type names.
func checkPII(text string) []string {
	if text == "" {
		return nil
	}
	var detected []string
	for _, p := range piiPatterns {
		if p.Pattern.MatchString(text) {
			detected = append(detected, p.Name)
		}
	}
	return detected
}
