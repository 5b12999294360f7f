package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArtifacts(t *testing.T) {
	response := "Work complete.\n" +
		"artifact: aidlc-docs/inception/requirements/requirements.md\n" +
		"Created artifact at: aidlc-docs/inception/plans/plan.md\n" +
		"File written: src/adder.go\n" +
		"artifact: aidlc-docs/inception/requirements/requirements.md\n"

	artifacts := ParseArtifacts(response)
	assert.Equal(t, []string{
		"aidlc-docs/inception/requirements/requirements.md",
		"aidlc-docs/inception/plans/plan.md",
		"src/adder.go",
	}, artifacts)
}

func TestParseArtifactsStripsQuoting(t *testing.T) {
	artifacts := ParseArtifacts("artifact: `aidlc-docs/inception/design/overview.md`\n")
	assert.Equal(t, []string{"aidlc-docs/inception/design/overview.md"}, artifacts)
}

func TestParseArtifactsEmpty(t *testing.T) {
	assert.Empty(t, ParseArtifacts("All done, nothing written."))
}

func TestNeedsAttention(t *testing.T) {
	assert.True(t, NeedsAttention("Error: could not resolve dependency"))
	assert.True(t, NeedsAttention("The build FAILED: missing module"))
	assert.True(t, NeedsAttention("I cannot proceed without the design doc"))
	assert.False(t, NeedsAttention("Completed without problems. No errors found."))
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("word ", 200)
	summary := Summarize(long)
	assert.Len(t, summary, 500)
	assert.True(t, strings.HasSuffix(summary, "..."))
}

func TestSummarizeUsesFirstLines(t *testing.T) {
	response := "# Done\n\nWrote the requirements.\n\nline4\nline5\nline6 should be dropped"
	summary := Summarize(response)
	assert.Contains(t, summary, "# Done")
	assert.Contains(t, summary, "Wrote the requirements.")
	assert.NotContains(t, summary, "line6")
}

func TestStripCodeFence(t *testing.T) {
	fenced := "```markdown\n# Title\nbody\n```"
	assert.Equal(t, "# Title\nbody", StripCodeFence(fenced))

	plain := "# Title\nbody"
	assert.Equal(t, plain, StripCodeFence(plain))

	// Interior fences survive.
	mixed := "```\n# Doc\n```go\ncode\n```\n```"
	stripped := StripCodeFence(mixed)
	assert.Contains(t, stripped, "```go")
	assert.False(t, strings.HasPrefix(stripped, "```\n"))
}
