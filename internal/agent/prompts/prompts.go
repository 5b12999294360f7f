// Package prompts holds the per-worker system prompts as embedded
// markdown files.
package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed *.md
var promptFS embed.FS

// Get returns the system prompt for an agent type. Missing prompt files
// fall back to a generic role prompt so a worker never runs promptless.
func Get(agentType string) string {
	name := strings.ToLower(agentType) + ".md"
	data, err := promptFS.ReadFile(name)
	if err != nil {
		return Fallback(agentType, nil)
	}
	return string(data)
}

// Fallback builds a minimal role prompt for agent types without a prompt
// file.
func Fallback(agentType string, stages []string) string {
	prompt := fmt.Sprintf("You are %s, a specialist agent in a staged software delivery pipeline.", agentType)
	if len(stages) > 0 {
		prompt += fmt.Sprintf(" You handle the following stages: %s.", strings.Join(stages, ", "))
	}
	prompt += " Follow the workflow rules and produce markdown artifacts with issue cross-reference headers."
	return prompt
}
