// Package beads wraps the external bd CLI. Every call shells out and
// parses JSON output; there is no daemon connection.
package beads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"troop/internal/errkit"
	"troop/internal/logging"
)

// Runner executes a bd invocation and returns stdout. dir is the working
// directory; empty means the process's own. Swappable for tests.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner shells out to bd on PATH.
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bd", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, errkit.NewPermanent(err,
				"bd CLI not found on PATH; install Beads: https://github.com/steveyegge/beads")
		}
		return nil, fmt.Errorf("bd %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Client wraps the bd CLI for one default workspace. Per-call workspace
// overrides allow multiple project databases to coexist.
type Client struct {
	dir string
	run Runner
	log logging.Logger
}

// NewClient builds a client. runner may be nil, in which case ExecRunner
// is used.
func NewClient(defaultDir string, runner Runner, log logging.Logger) *Client {
	if runner == nil {
		runner = ExecRunner
	}
	return &Client{dir: defaultDir, run: runner, log: logging.OrNop(log)}
}

// WithWorkspace returns a client bound to another working directory.
func (c *Client) WithWorkspace(dir string) *Client {
	return &Client{dir: dir, run: c.run, log: c.log}
}

func (c *Client) text(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, c.dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) jsonOut(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "--json")
	out, err := c.run(ctx, c.dir, args...)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(out), nil
}

var (
	createdIDPattern  = regexp.MustCompile(`Created issue:\s*(\S+)`)
	fallbackIDPattern = regexp.MustCompile(`(\w+-\d+)`)
)

// CreateOptions carries the optional fields of a new issue.
type CreateOptions struct {
	IssueType   string
	Priority    int
	Description string
	Labels      string // comma-separated
	Assignee    string
	Notes       string
	Acceptance  string
	Thread      string
}

// CreateIssue creates an issue and returns it. The id is parsed from bd's
// text output ("Created issue: <id>"), falling back to the first
// <prefix>-<n> match, then fetched via show.
func (c *Client) CreateIssue(ctx context.Context, title string, opts CreateOptions) (Issue, error) {
	issueType := opts.IssueType
	if issueType == "" {
		issueType = "task"
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 2
	}

	args := []string{"create", title, "-t", issueType, "-p", strconv.Itoa(priority)}
	if opts.Description != "" {
		args = append(args, "--description", opts.Description)
	}
	if opts.Labels != "" {
		args = append(args, "--labels", opts.Labels)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee", opts.Assignee)
	}
	if opts.Notes != "" {
		args = append(args, "--notes", opts.Notes)
	}
	if opts.Acceptance != "" {
		args = append(args, "--acceptance", opts.Acceptance)
	}
	if opts.Thread != "" {
		args = append(args, "--thread", opts.Thread)
	}

	out, err := c.text(ctx, args...)
	if err != nil {
		return Issue{}, err
	}

	id := ""
	if m := createdIDPattern.FindStringSubmatch(out); m != nil {
		id = m[1]
	} else if m := fallbackIDPattern.FindStringSubmatch(out); m != nil {
		id = m[1]
	}
	if id == "" {
		return Issue{}, fmt.Errorf("could not parse issue id from bd create output: %.300s", out)
	}

	return c.ShowIssue(ctx, id)
}

// ShowIssue fetches one issue by id.
func (c *Client) ShowIssue(ctx context.Context, id string) (Issue, error) {
	data, err := c.jsonOut(ctx, "show", id)
	if err != nil {
		return Issue{}, err
	}

	issues, err := parseIssues(data)
	if err != nil {
		return Issue{}, fmt.Errorf("parse bd show output for %s: %w", id, err)
	}
	if len(issues) == 0 {
		return Issue{}, fmt.Errorf("issue %s not found", id)
	}
	return issues[0], nil
}

// UpdateOptions carries the mutable fields of an update.
type UpdateOptions struct {
	Status      string
	Notes       string
	AppendNotes string
	Assignee    string
	Priority    *int
	AddLabel    string
	RemoveLabel string
	Claim       bool
}

// UpdateIssue applies the given field updates.
func (c *Client) UpdateIssue(ctx context.Context, id string, opts UpdateOptions) error {
	args := []string{"update", id}
	if opts.Claim {
		args = append(args, "--claim")
	}
	if opts.Status != "" {
		args = append(args, "--status", opts.Status)
	}
	if opts.Notes != "" {
		args = append(args, "--notes", opts.Notes)
	}
	if opts.AppendNotes != "" {
		args = append(args, "--append-notes", opts.AppendNotes)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee", opts.Assignee)
	}
	if opts.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(*opts.Priority))
	}
	if opts.AddLabel != "" {
		args = append(args, "--add-label", opts.AddLabel)
	}
	if opts.RemoveLabel != "" {
		args = append(args, "--remove-label", opts.RemoveLabel)
	}

	_, err := c.text(ctx, args...)
	return err
}

// CloseIssue closes an issue with an optional reason.
func (c *Client) CloseIssue(ctx context.Context, id, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := c.text(ctx, args...)
	return err
}

// ReopenIssue reopens a closed issue.
func (c *Client) ReopenIssue(ctx context.Context, id, reason string) error {
	args := []string{"reopen", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := c.text(ctx, args...)
	return err
}

// ListFilters narrows a list query.
type ListFilters struct {
	Status     string
	Label      string
	LabelAny   string
	Assignee   string
	IssueType  string
	Parent     string
	Priority   *int
	Title      string
	Sort       string
	Limit      int
	Reverse    bool
	NoAssignee bool
}

// ListIssues lists issues matching the filters.
func (c *Client) ListIssues(ctx context.Context, filters ListFilters) ([]Issue, error) {
	args := []string{"list"}
	if filters.Status != "" {
		args = append(args, "--status", filters.Status)
	}
	if filters.Label != "" {
		args = append(args, "--label", filters.Label)
	}
	if filters.LabelAny != "" {
		args = append(args, "--label-any", filters.LabelAny)
	}
	if filters.Assignee != "" {
		args = append(args, "--assignee", filters.Assignee)
	}
	if filters.IssueType != "" {
		args = append(args, "--type", filters.IssueType)
	}
	if filters.Parent != "" {
		args = append(args, "--parent", filters.Parent)
	}
	if filters.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(*filters.Priority))
	}
	if filters.Title != "" {
		args = append(args, "--title", filters.Title)
	}
	if filters.Sort != "" {
		args = append(args, "--sort", filters.Sort)
	}
	if filters.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(filters.Limit))
	}
	if filters.Reverse {
		args = append(args, "--reverse")
	}
	if filters.NoAssignee {
		args = append(args, "--no-assignee")
	}

	data, err := c.jsonOut(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseIssues(data)
}

// Ready returns open, unblocked issues.
func (c *Client) Ready(ctx context.Context) ([]Issue, error) {
	data, err := c.jsonOut(ctx, "ready")
	if err != nil {
		return nil, err
	}
	return parseIssues(data)
}

// Blocked returns blocked issues.
func (c *Client) Blocked(ctx context.Context) ([]Issue, error) {
	data, err := c.jsonOut(ctx, "blocked")
	if err != nil {
		return nil, err
	}
	return parseIssues(data)
}

// Search finds issues by text.
func (c *Client) Search(ctx context.Context, query string) ([]Issue, error) {
	data, err := c.jsonOut(ctx, "search", query)
	if err != nil {
		return nil, err
	}
	return parseIssues(data)
}

// AddDependency records that blocker blocks blocked.
func (c *Client) AddDependency(ctx context.Context, blockedID, blockerID, depType string) error {
	args := []string{"dep", "add", blockedID, blockerID}
	if depType != "" && depType != "blocks" {
		args = append(args, "--type", depType)
	}
	_, err := c.text(ctx, args...)
	return err
}

// RemoveDependency removes a dependency edge.
func (c *Client) RemoveDependency(ctx context.Context, issueID, dependsOnID string) error {
	_, err := c.text(ctx, "dep", "remove", issueID, dependsOnID)
	return err
}

// Cycles reports dependency cycles in the graph.
func (c *Client) Cycles(ctx context.Context) (string, error) {
	return c.text(ctx, "dep", "cycles")
}

// Sync flushes the store.
func (c *Client) Sync(ctx context.Context, force bool) error {
	args := []string{"sync"}
	if force {
		args = append(args, "--force")
	}
	_, err := c.text(ctx, args...)
	return err
}

// Init initializes a new beads database in dir with the given prefix.
func (c *Client) Init(ctx context.Context, dir, prefix string) error {
	_, err := c.run(ctx, dir, "init", "--prefix", prefix, "--no-db", "--quiet")
	return err
}
