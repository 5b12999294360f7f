package beads

import (
	"encoding/json"
	"time"
)

// Issue statuses used by the pipeline.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusClosed     = "closed"
)

// Issue is one record in the external store.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	IssueType   string   `json:"issue_type,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Acceptance  string   `json:"acceptance,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// HasLabel reports whether the issue carries the exact label.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Created parses the issue's creation timestamp. Returns zero time when
// absent or unparseable.
func (i Issue) Created() time.Time {
	return parseTimestamp(i.CreatedAt)
}

// Updated parses the issue's last-update timestamp.
func (i Issue) Updated() time.Time {
	return parseTimestamp(i.UpdatedAt)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseIssues accepts the shapes bd emits: a bare list, a single object, or
// a wrapper {"issues": [...]} / {"items": [...]}.
func parseIssues(data []byte) ([]Issue, error) {
	var list []Issue
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapper struct {
		Issues []Issue `json:"issues"`
		Items  []Issue `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil {
		if wrapper.Issues != nil {
			return wrapper.Issues, nil
		}
		if wrapper.Items != nil {
			return wrapper.Items, nil
		}
	}

	var single Issue
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.ID == "" {
		return []Issue{}, nil
	}
	return []Issue{single}, nil
}
