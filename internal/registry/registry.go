// Package registry persists the set of known projects to a single JSON
// file with atomic-replace writes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"troop/internal/logging"
)

// Project statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Project is one registered project.
type Project struct {
	Key           string     `json:"key"`
	Name          string     `json:"name"`
	WorkspacePath string     `json:"workspace_path"`
	Status        string     `json:"status"`
	MinderAgentID string     `json:"minder_agent_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
}

// Registry owns the projects file. All access goes through one instance;
// writes are serialized by the mutex and land via temp-file rename.
type Registry struct {
	path string
	log  logging.Logger

	mu       sync.Mutex
	projects map[string]Project
}

// New opens (or creates) the registry rooted at root. The file lives at
// <root>/.gorilla-troop/projects.json.
func New(root string, log logging.Logger) (*Registry, error) {
	r := &Registry{
		path:     filepath.Join(root, ".gorilla-troop", "projects.json"),
		log:      logging.OrNop(log),
		projects: map[string]Project{},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}

	var projects map[string]Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	r.projects = projects
	return nil
}

// save writes the registry atomically. Caller must hold the mutex.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.projects, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "projects-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// Register adds a new project in status active.
func (r *Registry) Register(key, name, workspacePath string) (Project, error) {
	if !keyPattern.MatchString(key) {
		return Project{}, fmt.Errorf("invalid project key %q: only alphanumerics, '-' and '_' allowed", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[key]; exists {
		return Project{}, fmt.Errorf("project %q already registered", key)
	}

	p := Project{
		Key:           key,
		Name:          name,
		WorkspacePath: workspacePath,
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	r.projects[key] = p

	if err := r.save(); err != nil {
		delete(r.projects, key)
		return Project{}, err
	}

	r.log.Info("Registered project %s at %s", key, workspacePath)
	return p, nil
}

// Get returns a project by key.
func (r *Registry) Get(key string) (Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[key]
	return p, ok
}

// List returns all projects sorted by key.
func (r *Registry) List() []Project {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetStatus transitions a project's status. Pausing stamps PausedAt;
// resuming clears it.
func (r *Registry) SetStatus(key, status string) (Project, error) {
	switch status {
	case StatusActive, StatusPaused, StatusCompleted:
	default:
		return Project{}, fmt.Errorf("unknown project status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[key]
	if !ok {
		return Project{}, fmt.Errorf("project %q not registered", key)
	}

	prev := p
	p.Status = status
	switch status {
	case StatusPaused:
		now := time.Now().UTC()
		p.PausedAt = &now
	case StatusActive:
		p.PausedAt = nil
	}
	r.projects[key] = p

	if err := r.save(); err != nil {
		r.projects[key] = prev
		return Project{}, err
	}
	return p, nil
}

// SetMinder records the supervisor agent instance currently attached to a
// project.
func (r *Registry) SetMinder(key, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[key]
	if !ok {
		return fmt.Errorf("project %q not registered", key)
	}

	prev := p
	p.MinderAgentID = agentID
	r.projects[key] = p

	if err := r.save(); err != nil {
		r.projects[key] = prev
		return err
	}
	return nil
}

// Remove deletes a project from the registry.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[key]
	if !ok {
		return fmt.Errorf("project %q not registered", key)
	}

	delete(r.projects, key)
	if err := r.save(); err != nil {
		r.projects[key] = p
		return err
	}
	return nil
}
