package guard

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Branch protection rules.
var (
	protectedBranches    = map[string]bool{"main": true, "master": true, "develop": true}
	commitMessagePattern = regexp.MustCompile(`^\[[\w.-]+\]\s.+`)
	branchNamePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9/\-_.]*$`)
)

// AgentBranchPrefix is the namespace agent branches must live under.
const AgentBranchPrefix = "aidlc/"

// GitRunner executes a git invocation in dir and returns stdout. check=false
// invocations surface the exit status through the ok flag instead of err.
type GitRunner func(ctx context.Context, dir string, check bool, args ...string) (out string, ok bool, err error)

// ExecGitRunner shells out to git on PATH.
func ExecGitRunner(ctx context.Context, dir string, check bool, args ...string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, isExec := err.(*exec.Error); isExec {
			return "", false, fmt.Errorf("git is not found on PATH")
		}
		if !check {
			return stdout.String(), false, nil
		}
		return "", false, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), true, nil
}

// GitStatus summarizes the working tree.
type GitStatus struct {
	Branch    string
	Clean     bool
	Staged    []string
	Modified  []string
	Untracked []string
}

// MergeResult reports a merge attempt.
type MergeResult struct {
	Success    bool
	CommitHash string
	Conflicts  []string
}

// GitGuard validates and executes git operations.
type GitGuard struct {
	audit *AuditLog
	root  string
	run   GitRunner
}

// NewGitGuard builds a guard for the workspace. runner may be nil.
func NewGitGuard(audit *AuditLog, workspaceRoot string, runner GitRunner) *GitGuard {
	if runner == nil {
		runner = ExecGitRunner
	}
	return &GitGuard{audit: audit, root: workspaceRoot, run: runner}
}

// Status returns the current branch and working tree state.
func (g *GitGuard) Status(ctx context.Context) (GitStatus, error) {
	out, _, err := g.run(ctx, g.root, true, "status", "--porcelain", "-b")
	if err != nil {
		return GitStatus{}, err
	}

	status := GitStatus{Branch: "unknown"}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "## "):
			status.Branch = strings.TrimSpace(strings.SplitN(line[3:], "...", 2)[0])
		case strings.HasPrefix(line, "??"):
			status.Untracked = append(status.Untracked, strings.TrimSpace(line[2:]))
		case strings.ContainsRune("MADRC", rune(line[0])):
			status.Staged = append(status.Staged, strings.TrimSpace(line[2:]))
		case len(line) > 1 && (line[1] == 'M' || line[1] == 'D'):
			status.Modified = append(status.Modified, strings.TrimSpace(line[2:]))
		}
	}
	status.Clean = len(status.Staged) == 0 && len(status.Modified) == 0 && len(status.Untracked) == 0
	return status, nil
}

// CreateBranch creates an agent branch off base. Agent branches must use
// the aidlc/ prefix.
func (g *GitGuard) CreateBranch(ctx context.Context, branchName, agent, base string) error {
	if base == "" {
		base = "main"
	}
	details := map[string]any{"branch": branchName, "base": base}

	if !strings.HasPrefix(branchName, AgentBranchPrefix) {
		reason := fmt.Sprintf("agent branches must use %q prefix", AgentBranchPrefix)
		g.audit.Denied(ctx, "git", "create_branch", agent, reason, details)
		return fmt.Errorf("git guard denied: %s", reason)
	}
	if !branchNamePattern.MatchString(branchName) {
		reason := fmt.Sprintf("invalid branch name: %s", branchName)
		g.audit.Denied(ctx, "git", "create_branch", agent, reason, details)
		return fmt.Errorf("git guard denied: %s", reason)
	}

	if _, _, err := g.run(ctx, g.root, true, "checkout", "-b", branchName, base); err != nil {
		return err
	}
	g.audit.Allowed(ctx, "git", "create_branch", agent, details)
	return nil
}

// CheckoutBranch switches branches. Requires a clean working tree.
func (g *GitGuard) CheckoutBranch(ctx context.Context, branchName, agent string) error {
	details := map[string]any{"branch": branchName}

	status, err := g.Status(ctx)
	if err != nil {
		return err
	}
	if !status.Clean {
		reason := "working tree is not clean, commit or stash changes first"
		g.audit.Denied(ctx, "git", "checkout_branch", agent, reason, details)
		return fmt.Errorf("git guard denied: %s", reason)
	}

	if _, _, err := g.run(ctx, g.root, true, "checkout", branchName); err != nil {
		return err
	}
	g.audit.Allowed(ctx, "git", "checkout_branch", agent, details)
	return nil
}

// Commit stages the given files and commits them. The message must match
// "[<issue-id>] description"; a missing prefix is auto-prepended from
// issueID. Commits to protected branches are denied.
func (g *GitGuard) Commit(ctx context.Context, message string, files []string, agent, issueID string) (string, error) {
	details := map[string]any{"message": message, "files": files, "issue_id": issueID}

	status, err := g.Status(ctx)
	if err != nil {
		return "", err
	}
	if protectedBranches[status.Branch] {
		reason := fmt.Sprintf("cannot commit to protected branch: %s", status.Branch)
		g.audit.Denied(ctx, "git", "commit", agent, reason, details)
		return "", fmt.Errorf("git guard denied: %s", reason)
	}

	if !commitMessagePattern.MatchString(message) {
		message = fmt.Sprintf("[%s] %s", issueID, message)
	}
	if !commitMessagePattern.MatchString(message) {
		reason := fmt.Sprintf("commit message doesn't match pattern [issue-id] description: %s", message)
		g.audit.Denied(ctx, "git", "commit", agent, reason, details)
		return "", fmt.Errorf("git guard denied: %s", reason)
	}

	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.root, path)
		}
		if _, _, err := g.run(ctx, g.root, true, "add", path); err != nil {
			return "", err
		}
	}

	if _, _, err := g.run(ctx, g.root, true, "commit", "-m", message); err != nil {
		return "", err
	}

	hash, _, err := g.run(ctx, g.root, true, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commitHash := strings.TrimSpace(hash)

	details["commit_hash"] = commitHash
	details["message"] = message
	g.audit.Allowed(ctx, "git", "commit", agent, details)
	return commitHash, nil
}

// Merge merges source into target. Merges into protected branches are
// denied; conflicted merges are aborted to leave the tree clean.
func (g *GitGuard) Merge(ctx context.Context, source, target, agent string) (MergeResult, error) {
	details := map[string]any{"source": source, "target": target}

	if protectedBranches[target] {
		reason := fmt.Sprintf("cannot merge to protected branch: %s", target)
		g.audit.Denied(ctx, "git", "merge", agent, reason, details)
		return MergeResult{}, fmt.Errorf("git guard denied: %s", reason)
	}

	if _, _, err := g.run(ctx, g.root, true, "checkout", target); err != nil {
		return MergeResult{}, err
	}

	_, ok, err := g.run(ctx, g.root, false, "merge", source, "--no-edit")
	if err != nil {
		return MergeResult{}, err
	}

	if ok {
		hash, _, err := g.run(ctx, g.root, true, "rev-parse", "HEAD")
		if err != nil {
			return MergeResult{}, err
		}
		g.audit.Allowed(ctx, "git", "merge", agent, details)
		return MergeResult{Success: true, CommitHash: strings.TrimSpace(hash)}, nil
	}

	conflictsOut, _, _ := g.run(ctx, g.root, false, "diff", "--name-only", "--diff-filter=U")
	var conflicts []string
	if trimmed := strings.TrimSpace(conflictsOut); trimmed != "" {
		conflicts = strings.Split(trimmed, "\n")
	}

	g.run(ctx, g.root, false, "merge", "--abort")
	g.audit.Denied(ctx, "git", "merge", agent, fmt.Sprintf("merge conflicts in: %v", conflicts), details)
	return MergeResult{Success: false, Conflicts: conflicts}, nil
}

// Diff returns diff output, optionally limited to one path.
func (g *GitGuard) Diff(ctx context.Context, path string) (string, error) {
	args := []string{"diff"}
	if path != "" {
		args = append(args, "--", path)
	}
	out, _, err := g.run(ctx, g.root, true, args...)
	return out, err
}
