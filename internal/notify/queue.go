// Package notify holds the priority-ordered queue of human-facing
// notifications.
package notify

import (
	"container/heap"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Notification types.
const (
	TypeReviewGate   = "review_gate"
	TypeEscalation   = "escalation"
	TypeStatusUpdate = "status_update"
	TypeInfo         = "info"
	TypeQA           = "qa"
)

// Priorities. Lower is more urgent.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3
	PriorityInfo     = 4
)

// Notification is one human-facing item.
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ProjectKey  string    `json:"project_key"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
	SourceIssue string    `json:"source_issue,omitempty"`
}

func newID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		now := time.Now().UnixNano()
		buf = []byte{byte(now >> 24), byte(now >> 16), byte(now >> 8), byte(now)}
	}
	return "notif-" + hex.EncodeToString(buf)
}

// less orders by priority ascending, then creation time ascending.
func less(a, b *Notification) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

type notificationHeap []*Notification

func (h notificationHeap) Len() int            { return len(h) }
func (h notificationHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h notificationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *notificationHeap) Push(x any)         { *h = append(*h, x.(*Notification)) }
func (h *notificationHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a mutex-guarded priority queue of notifications.
//
// Ids are stable for the process lifetime; the queue is not persisted.
type Queue struct {
	mu       sync.Mutex
	heap     notificationHeap
	byID     map[string]*Notification
	listener func(Notification)
}

// SetListener registers a callback invoked after every Add. Used to push
// notifications to live subscribers. The callback runs outside the queue
// lock and must not block.
func (q *Queue) SetListener(fn func(Notification)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = fn
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: map[string]*Notification{}}
}

// Add inserts a notification, assigning an id and creation time when unset.
func (q *Queue) Add(n Notification) Notification {
	q.mu.Lock()

	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	stored := n
	q.byID[stored.ID] = &stored
	heap.Push(&q.heap, &stored)
	listener := q.listener
	q.mu.Unlock()

	if listener != nil {
		listener(stored)
	}
	return stored
}

// Create builds and adds a notification in one step.
func (q *Queue) Create(notifType, title, body, projectKey string, priority int, sourceIssue string) Notification {
	return q.Add(Notification{
		Type:        notifType,
		Title:       title,
		Body:        body,
		ProjectKey:  projectKey,
		Priority:    priority,
		SourceIssue: sourceIssue,
	})
}

// Unread returns up to limit unread notifications, most urgent first.
// An empty projectKey matches all projects.
func (q *Queue) Unread(projectKey string, limit int) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Drain a copy of the heap so retrieval is O(k log n) without
	// disturbing the live ordering.
	scratch := make(notificationHeap, len(q.heap))
	copy(scratch, q.heap)
	heap.Init(&scratch)

	var out []Notification
	for scratch.Len() > 0 && (limit <= 0 || len(out) < limit) {
		n := heap.Pop(&scratch).(*Notification)
		if n.Read {
			continue
		}
		if projectKey != "" && n.ProjectKey != projectKey {
			continue
		}
		out = append(out, *n)
	}
	return out
}

// CountUnread counts unread notifications, optionally per project.
func (q *Queue) CountUnread(projectKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, n := range q.byID {
		if !n.Read && (projectKey == "" || n.ProjectKey == projectKey) {
			count++
		}
	}
	return count
}

// MarkRead marks one notification read. Idempotent; unknown ids are ignored.
func (q *Queue) MarkRead(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n, ok := q.byID[id]; ok {
		n.Read = true
	}
}

// MarkAllRead marks every unread notification read, optionally per project.
// Returns the number marked.
func (q *Queue) MarkAllRead(projectKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, n := range q.byID {
		if !n.Read && (projectKey == "" || n.ProjectKey == projectKey) {
			n.Read = true
			count++
		}
	}
	return count
}

// ClearProject drops every notification belonging to a project.
func (q *Queue) ClearProject(projectKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, n := range q.byID {
		if n.ProjectKey == projectKey {
			delete(q.byID, id)
		}
	}

	kept := q.heap[:0]
	for _, n := range q.heap {
		if n.ProjectKey != projectKey {
			kept = append(kept, n)
		}
	}
	q.heap = kept
	heap.Init(&q.heap)
}
