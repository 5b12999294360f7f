package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"troop/internal/dispatch"
)

// LoadContext concatenates the dispatch's input artifacts and reference
// docs into one prompt-ready string. Each file is wrapped in a path header;
// missing files are noted inline rather than failing the dispatch.
func LoadContext(d dispatch.Dispatch) string {
	var parts []string

	paths := make([]string, 0, len(d.InputArtifacts)+len(d.ReferenceDocs))
	paths = append(paths, d.InputArtifacts...)
	paths = append(paths, d.ReferenceDocs...)

	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(d.WorkspaceRoot, rel))
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- %s --- (not found)\n", rel))
			continue
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s\n", rel, data))
	}

	return strings.Join(parts, "\n")
}

// BuildStagePrompt assembles the full LLM prompt for a standard stage
// execution: system prompt, dispatch metadata, loaded context, and the
// closing instruction block.
func BuildStagePrompt(systemPrompt string, d dispatch.Dispatch, context string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n---\n\n## Current Task\n")

	fmt.Fprintf(&b, "**Stage**: %s\n", d.StageName)
	fmt.Fprintf(&b, "**Phase**: %s\n", d.Phase)
	fmt.Fprintf(&b, "**Issue**: %s\n", d.IssueID)
	if d.ReviewGateID != "" {
		fmt.Fprintf(&b, "**Review Gate**: %s\n", d.ReviewGateID)
	}
	if d.UnitName != "" {
		fmt.Fprintf(&b, "**Unit**: %s\n", d.UnitName)
	}
	if d.Instructions != "" {
		fmt.Fprintf(&b, "\n**Instructions**: %s\n", d.Instructions)
	}
	fmt.Fprintf(&b, "\n**Workspace Root**: %s\n", d.WorkspaceRoot)
	fmt.Fprintf(&b, "**Project Key**: %s\n", d.ProjectKey)

	if strings.TrimSpace(context) != "" {
		b.WriteString("\n---\n\n## Input Context (Loaded Artifacts)\n\n")
		b.WriteString(context)
	}

	fmt.Fprintf(&b, "\n\n---\n\n## Instructions\n\nExecute the **%s** stage. "+
		"Follow the stage-specific instructions from your prompt. "+
		"Produce the required artifacts and register them with the tracked issue. "+
		"When complete, provide a summary of what was produced.", d.StageName)

	return b.String()
}
