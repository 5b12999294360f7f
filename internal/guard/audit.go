// Package guard is the capability layer for audited writes: filesystem,
// git, and issue-store mutations all flow through these guards.
package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"troop/internal/logging"
	"troop/internal/mail"
)

const auditRingSize = 500

// Audit results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// AuditEntry is one privileged-operation record.
type AuditEntry struct {
	Timestamp time.Time
	Guard     string
	Operation string
	Agent     string
	Details   map[string]any
	Result    string
	Reason    string
}

// AuditLog is an append-only in-memory ring of guard decisions, mirrored to
// the message bus #ops thread when a mail client is wired.
//
// Guard operations never fail because of audit infrastructure; undeliverable
// entries queue for the next successful flush.
type AuditLog struct {
	mu           sync.Mutex
	buffer       []AuditEntry
	mailClient   *mail.Client
	projectKey   string
	pendingFlush []AuditEntry
	log          logging.Logger
}

// NewAuditLog builds an audit log. mailClient may be nil.
func NewAuditLog(mailClient *mail.Client, projectKey string, log logging.Logger) *AuditLog {
	return &AuditLog{
		mailClient: mailClient,
		projectKey: projectKey,
		log:        logging.OrNop(log),
	}
}

// Log appends an entry and attempts the mail mirror.
func (a *AuditLog) Log(ctx context.Context, entry AuditEntry) {
	a.mu.Lock()
	a.buffer = append(a.buffer, entry)
	if len(a.buffer) > auditRingSize {
		a.buffer = a.buffer[len(a.buffer)-auditRingSize:]
	}
	client := a.mailClient
	key := a.projectKey
	a.mu.Unlock()

	a.log.Info("[%s] %s.%s by %s: %v%s",
		strings.ToUpper(entry.Result), entry.Guard, entry.Operation, entry.Agent,
		entry.Details, reasonSuffix(entry.Reason))

	if client == nil || key == "" {
		return
	}

	body := fmt.Sprintf("Agent: %s\nOperation: %s.%s\nResult: %s\nDetails: %v\n",
		entry.Agent, entry.Guard, entry.Operation, entry.Result, entry.Details)
	if entry.Reason != "" {
		body += "Reason: " + entry.Reason + "\n"
	}

	err := client.SendMessage(ctx, key, "Bonobo", []string{"Bonobo"},
		fmt.Sprintf("[%s] %s.%s", strings.ToUpper(entry.Result), entry.Guard, entry.Operation),
		body, mail.SendOptions{ThreadID: mail.OpsThread})
	if err != nil {
		a.mu.Lock()
		a.pendingFlush = append(a.pendingFlush, entry)
		a.mu.Unlock()
		a.log.Warn("Message bus unreachable, audit entry queued for later flush")
		return
	}

	a.flushPending(ctx, client, key)
}

func (a *AuditLog) flushPending(ctx context.Context, client *mail.Client, key string) {
	a.mu.Lock()
	pending := a.pendingFlush
	a.pendingFlush = nil
	a.mu.Unlock()

	for _, entry := range pending {
		err := client.SendMessage(ctx, key, "Bonobo", []string{"Bonobo"},
			fmt.Sprintf("[%s] %s.%s (delayed)", strings.ToUpper(entry.Result), entry.Guard, entry.Operation),
			fmt.Sprintf("Agent: %s\nDetails: %v\n", entry.Agent, entry.Details),
			mail.SendOptions{ThreadID: mail.OpsThread})
		if err != nil {
			a.mu.Lock()
			a.pendingFlush = append(a.pendingFlush, entry)
			a.mu.Unlock()
			return
		}
	}
}

// Allowed records a permitted operation.
func (a *AuditLog) Allowed(ctx context.Context, guard, operation, agent string, details map[string]any) {
	a.Log(ctx, AuditEntry{
		Timestamp: time.Now().UTC(),
		Guard:     guard,
		Operation: operation,
		Agent:     agent,
		Details:   details,
		Result:    ResultAllowed,
	})
}

// Denied records a rejected operation.
func (a *AuditLog) Denied(ctx context.Context, guard, operation, agent, reason string, details map[string]any) {
	a.Log(ctx, AuditEntry{
		Timestamp: time.Now().UTC(),
		Guard:     guard,
		Operation: operation,
		Agent:     agent,
		Details:   details,
		Result:    ResultDenied,
		Reason:    reason,
	})
}

// Recent returns up to limit of the newest entries, newest last.
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.buffer) {
		limit = len(a.buffer)
	}
	out := make([]AuditEntry, limit)
	copy(out, a.buffer[len(a.buffer)-limit:])
	return out
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " -- " + reason
}
