// Package security scans spans for prompt injection, credential and PII
// leakage, and runtime anomalies, emitting alerts to the analytical store
// and the live alert stream.
package security

import "regexp"

// Prompt-injection phrasing. Each match adds to the score; anything past
// the alert threshold is reported.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)fail to recall`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)you are not a`),
	regexp.MustCompile(`(?i)DAN mode`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)dev mode`),
	regexp.MustCompile(`(?i)roleplay as`),
}

const injectionMatchScore = 40.0

// checkInjection scores text for prompt-injection phrasing, 0 to 100.
func checkInjection(text string) float64 {
	if text == "" {
		return 0
	}
	score := 0.0
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			score += injectionMatchScore
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}
