// Package mail is the client for the inter-agent message bus, an external
// HTTP service speaking JSON-RPC 2.0 tool calls.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"troop/internal/logging"
)

// Message importance levels.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
)

// HumanSupervisor is the identity escalations are addressed to.
const HumanSupervisor = "Harmbe"

// OpsThread is the audit channel used by the write guards.
const OpsThread = "#ops"

// Thread id conventions keyed off the originating issue.
func DispatchThread(issueID string) string         { return issueID + "-dispatch" }
func ReviewThread(issueID string) string           { return issueID + "-review" }
func QAThread(issueID string) string               { return issueID + "-qa" }
func ErrorThread(issueID string) string            { return issueID + "-error" }
func EscalationThread(issueID string) string       { return issueID + "-escalation" }
func ReworkEscalationThread(issueID string) string { return issueID + "-rework-escalation" }

// Client talks to the message bus at baseURL/mcp.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.Logger
	nextID  atomic.Int64
}

// NewClient builds a client for the bus at baseURL.
func NewClient(baseURL string, log logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logging.OrNop(log),
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("message bus error %d: %s", e.Code, e.Message)
}

// call performs one tools/call round trip and returns the raw result.
func (c *Client) call(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "tools/call",
		Params:  rpcParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s call failed with status %d: %.300s", tool, resp.StatusCode, string(data))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", tool, err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	return parsed.Result, nil
}

// EnsureProject creates the project mailbox namespace if missing.
func (c *Client) EnsureProject(ctx context.Context, projectKey string) error {
	_, err := c.call(ctx, "ensure_project", map[string]any{"project": projectKey})
	return err
}

// RegisterAgent registers an agent identity within a project.
func (c *Client) RegisterAgent(ctx context.Context, projectKey, agentName string) error {
	_, err := c.call(ctx, "register_agent", map[string]any{
		"project": projectKey,
		"name":    agentName,
	})
	return err
}

// SendOptions carries optional send fields.
type SendOptions struct {
	CC         []string
	ThreadID   string
	Importance string
	AckRequired bool
}

// SendMessage delivers a message on the bus. Importance defaults to normal.
func (c *Client) SendMessage(ctx context.Context, projectKey, from string, to []string, subject, body string, opts SendOptions) error {
	importance := opts.Importance
	if importance == "" {
		importance = ImportanceNormal
	}

	args := map[string]any{
		"project":    projectKey,
		"from":       from,
		"to":         to,
		"subject":    subject,
		"body":       body,
		"importance": importance,
	}
	if len(opts.CC) > 0 {
		args["cc"] = opts.CC
	}
	if opts.ThreadID != "" {
		args["thread_id"] = opts.ThreadID
	}
	if opts.AckRequired {
		args["ack_required"] = true
	}

	_, err := c.call(ctx, "send_message", args)
	if err != nil {
		return err
	}
	c.log.Debug("Sent %s mail %s -> %v (thread=%s)", importance, from, to, opts.ThreadID)
	return nil
}

// Message is one inbox entry.
type Message struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	ThreadID   string   `json:"thread_id,omitempty"`
	Importance string   `json:"importance,omitempty"`
	Read       bool     `json:"read"`
	CreatedAt  string   `json:"created_at,omitempty"`
}

// FetchInbox lists messages for an agent.
func (c *Client) FetchInbox(ctx context.Context, projectKey, agentName string, unreadOnly bool, limit int) ([]Message, error) {
	args := map[string]any{
		"project": projectKey,
		"agent":   agentName,
	}
	if unreadOnly {
		args["unread_only"] = true
	}
	if limit > 0 {
		args["limit"] = limit
	}

	result, err := c.call(ctx, "fetch_inbox", args)
	if err != nil {
		return nil, err
	}
	return parseMessages(result)
}

// Acknowledge marks a message acknowledged.
func (c *Client) Acknowledge(ctx context.Context, projectKey, agentName, messageID string) error {
	_, err := c.call(ctx, "acknowledge_message", map[string]any{
		"project":    projectKey,
		"agent":      agentName,
		"message_id": messageID,
	})
	return err
}

// SearchMessages finds messages by text.
func (c *Client) SearchMessages(ctx context.Context, projectKey, query string) ([]Message, error) {
	result, err := c.call(ctx, "search_messages", map[string]any{
		"project": projectKey,
		"query":   query,
	})
	if err != nil {
		return nil, err
	}
	return parseMessages(result)
}

// ReservePaths takes an advisory lease on file paths for an agent.
func (c *Client) ReservePaths(ctx context.Context, projectKey, agentName string, paths []string) error {
	_, err := c.call(ctx, "file_reservation", map[string]any{
		"project": projectKey,
		"agent":   agentName,
		"action":  "reserve",
		"paths":   paths,
	})
	return err
}

// ReleasePaths releases a previous reservation.
func (c *Client) ReleasePaths(ctx context.Context, projectKey, agentName string, paths []string) error {
	_, err := c.call(ctx, "file_reservation", map[string]any{
		"project": projectKey,
		"agent":   agentName,
		"action":  "release",
		"paths":   paths,
	})
	return err
}

func parseMessages(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var list []Message
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapper struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return wrapper.Messages, nil
}
