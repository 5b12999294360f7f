package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Maximum file sizes.
const (
	maxArtifactSize = 1 << 20  // 1 MB
	maxCodeSize     = 512_000  // 500 KB
)

// directoryRules maps a top-level directory to its allowed extensions.
var directoryRules = map[string][]string{
	"aidlc-docs": {".md"},
	"templates":  {".md"},
	"src":        {".go", ".py", ".ts", ".js"},
	"tests":      {".go", ".py", ".ts", ".js"},
	"scripts":    {".py", ".sh", ".ps1"},
	"infra":      {".yml", ".yaml", ".dockerfile", ".env", ".sh", ".md", ".toml"},
	"docs":       {".md", ".mmd", ".png", ".jpg", ".svg"},
}

// forbiddenDirectories are off-limits for direct writes.
var forbiddenDirectories = map[string]bool{".git": true, ".beads": true}

// protectedFiles must never be deleted.
var protectedFiles = map[string]bool{"AGENTS.md": true, "README.md": true, ".gitignore": true}

// ValidationResult is the outcome of a guard check.
type ValidationResult struct {
	Allowed bool
	Reason  string
}

// FileGuard validates and executes filesystem write operations. All file
// writes by agents flow through it.
type FileGuard struct {
	audit *AuditLog
	root  string
}

// NewFileGuard builds a guard rooted at the workspace directory.
func NewFileGuard(audit *AuditLog, workspaceRoot string) *FileGuard {
	return &FileGuard{audit: audit, root: workspaceRoot}
}

func (g *FileGuard) resolve(path string) (abs string, rel string, err error) {
	if !filepath.IsAbs(path) {
		abs = filepath.Join(g.root, path)
	} else {
		abs = path
	}
	abs = filepath.Clean(abs)

	rel, err = filepath.Rel(g.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs, "", fmt.Errorf("path is outside workspace: %s", path)
	}
	return abs, rel, nil
}

// ValidatePath checks whether a path is allowed for writes.
func (g *FileGuard) ValidatePath(path string) ValidationResult {
	if strings.ContainsRune(path, 0) {
		return ValidationResult{false, "path contains null bytes"}
	}

	_, rel, err := g.resolve(path)
	if err != nil {
		return ValidationResult{false, err.Error()}
	}
	if rel == "." || rel == "" {
		return ValidationResult{false, "empty path"}
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	topDir := parts[0]

	if forbiddenDirectories[topDir] {
		return ValidationResult{false, fmt.Sprintf("direct writes to %s/ are forbidden", topDir)}
	}

	for _, part := range parts {
		if strings.HasPrefix(part, ".") && part != ".gitkeep" {
			return ValidationResult{false, fmt.Sprintf("hidden file/directory not allowed: %s", part)}
		}
	}

	if allowed, ok := directoryRules[topDir]; ok {
		suffix := strings.ToLower(filepath.Ext(rel))
		found := false
		for _, ext := range allowed {
			if suffix == ext {
				found = true
				break
			}
		}
		if !found {
			sorted := append([]string(nil), allowed...)
			sort.Strings(sorted)
			return ValidationResult{false, fmt.Sprintf("file type %q not allowed in %s/ (allowed: %v)", suffix, topDir, sorted)}
		}
	}

	return ValidationResult{true, "path is valid"}
}

// WriteFile performs a validated, size-limited, atomic write. Returns the
// path relative to the workspace root.
func (g *FileGuard) WriteFile(ctx context.Context, path, content, agent string, overwrite bool) (string, error) {
	details := map[string]any{"path": path, "size": len(content), "overwrite": overwrite}

	result := g.ValidatePath(path)
	if !result.Allowed {
		g.audit.Denied(ctx, "file", "write_file", agent, result.Reason, details)
		return "", fmt.Errorf("file guard denied write: %s", result.Reason)
	}

	abs, rel, err := g.resolve(path)
	if err != nil {
		return "", err
	}

	topDir := strings.Split(filepath.ToSlash(rel), "/")[0]
	maxSize := maxCodeSize
	if topDir == "aidlc-docs" || topDir == "docs" || topDir == "templates" {
		maxSize = maxArtifactSize
	}
	if len(content) > maxSize {
		reason := fmt.Sprintf("file size %d exceeds limit %d bytes", len(content), maxSize)
		g.audit.Denied(ctx, "file", "write_file", agent, reason, details)
		return "", fmt.Errorf("file guard denied write: %s", reason)
	}

	if _, err := os.Stat(abs); err == nil && !overwrite {
		reason := "file already exists and overwrite=false"
		g.audit.Denied(ctx, "file", "write_file", agent, reason, details)
		return "", fmt.Errorf("file guard denied write: %s", reason)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".bonobo_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("replace target file: %w", err)
	}

	g.audit.Allowed(ctx, "file", "write_file", agent, details)
	return rel, nil
}

// DeleteFile performs a validated delete.
func (g *FileGuard) DeleteFile(ctx context.Context, path, agent string) error {
	details := map[string]any{"path": path}

	result := g.ValidatePath(path)
	if !result.Allowed {
		g.audit.Denied(ctx, "file", "delete_file", agent, result.Reason, details)
		return fmt.Errorf("file guard denied delete: %s", result.Reason)
	}

	abs, _, err := g.resolve(path)
	if err != nil {
		return err
	}

	if protectedFiles[filepath.Base(abs)] {
		reason := fmt.Sprintf("file is protected: %s", filepath.Base(abs))
		g.audit.Denied(ctx, "file", "delete_file", agent, reason, details)
		return fmt.Errorf("file guard denied delete: %s", reason)
	}

	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}

	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}

	g.audit.Allowed(ctx, "file", "delete_file", agent, details)
	return nil
}

// AllowedDirectories returns the directory write rules.
func (g *FileGuard) AllowedDirectories() map[string][]string {
	out := make(map[string][]string, len(directoryRules))
	for dir, exts := range directoryRules {
		sorted := append([]string(nil), exts...)
		sort.Strings(sorted)
		out[dir] = sorted
	}
	return out
}
