package agent

import (
	"regexp"
	"strings"
)

// maxSummaryLen caps completion summaries so issue notes stay readable.
const maxSummaryLen = 500

var artifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)artifact:\s*(.+\.md)`),
	regexp.MustCompile(`(?i)(?:created|wrote|generated)\s+(?:artifact\s+)?(?:at|to)[:\s]+(\S+\.(?:md|go|py))`),
	regexp.MustCompile(`(?i)file\s+(?:written|created)[:\s]+(\S+\.(?:md|go|py))`),
}

// failureKeywords in a response downgrade the completion to needs_rework.
var failureKeywords = []string{"error:", "failed:", "cannot proceed"}

// ParseArtifacts extracts artifact paths mentioned in an LLM response,
// de-duplicated in order of first appearance.
func ParseArtifacts(response string) []string {
	var artifacts []string
	seen := make(map[string]bool)

	for _, pattern := range artifactPatterns {
		for _, match := range pattern.FindAllStringSubmatch(response, -1) {
			path := strings.Trim(strings.TrimSpace(match[1]), "`\"'")
			if path != "" && !seen[path] {
				seen[path] = true
				artifacts = append(artifacts, path)
			}
		}
	}
	return artifacts
}

// NeedsAttention reports whether the response signals a problem that the
// supervisor should route to rework.
func NeedsAttention(response string) bool {
	lower := strings.ToLower(response)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Summarize builds a completion summary from the first non-empty lines of
// the response, truncated to 500 characters.
func Summarize(response string) string {
	lines := strings.Split(strings.TrimSpace(response), "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}

	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}

	summary := strings.Join(kept, " ")
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen-3] + "..."
	}
	return summary
}

// StripCodeFence removes one leading and one trailing markdown code fence
// from LLM output that wraps a whole document.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
