// Package scribe manages the pipeline's markdown artifacts: files under
// aidlc-docs/<phase>/<stage>/<name>.md carrying issue cross-reference
// headers.
package scribe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DocsDir is the artifact tree root, relative to the workspace.
const DocsDir = "aidlc-docs"

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*$`)
	issuePattern  = regexp.MustCompile(`<!--\s*beads-issue:\s*(\S+)\s*-->`)
	reviewPattern = regexp.MustCompile(`<!--\s*beads-review:\s*(\S+)\s*-->`)
	titlePattern  = regexp.MustCompile(`(?m)^#\s+(.+)`)
)

// Header is the cross-reference block at the top of every artifact.
type Header struct {
	IssueID  string
	ReviewID string
}

// String renders the header lines with a trailing newline.
func (h Header) String() string {
	lines := []string{fmt.Sprintf("<!-- beads-issue: %s -->", h.IssueID)}
	if h.ReviewID != "" {
		lines = append(lines, fmt.Sprintf("<!-- beads-review: %s -->", h.ReviewID))
	}
	return strings.Join(lines, "\n") + "\n"
}

// ParseHeader extracts the header from artifact content. The beads-issue
// comment must appear within the first 10 lines.
func ParseHeader(content string) (Header, error) {
	lines := strings.SplitN(content, "\n", 11)
	if len(lines) > 10 {
		lines = lines[:10]
	}
	head := strings.Join(lines, "\n")

	issueMatch := issuePattern.FindStringSubmatch(head)
	if issueMatch == nil {
		return Header{}, fmt.Errorf("missing beads-issue header; expected <!-- beads-issue: <id> --> in the first lines")
	}

	h := Header{IssueID: issueMatch[1]}
	if reviewMatch := reviewPattern.FindStringSubmatch(head); reviewMatch != nil {
		h.ReviewID = reviewMatch[1]
	}
	return h, nil
}

// StripHeader returns the body content after the leading header comments
// and blank lines.
func StripHeader(content string) string {
	lines := strings.Split(content, "\n")
	bodyStart := 0
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || issuePattern.MatchString(stripped) || reviewPattern.MatchString(stripped) {
			bodyStart = i + 1
			continue
		}
		break
	}
	return strings.Join(lines[bodyStart:], "\n")
}

// ValidationResult reports artifact validation findings.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Path     string
}

// Info describes one artifact on disk.
type Info struct {
	Path         string
	Header       Header
	Title        string
	Stage        string
	Phase        string
	SizeBytes    int64
	LastModified time.Time
}

// Store creates, updates and lists artifacts under one workspace root.
// Reads go through a small LRU so investigators and context loaders do not
// reread the same files per dispatch.
type Store struct {
	root  string
	cache *lru.Cache[string, string]
}

// NewStore builds a store rooted at the workspace directory.
func NewStore(root string) (*Store, error) {
	cache, err := lru.New[string, string](64)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, cache: cache}, nil
}

func validateName(name, kind string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q: must be lowercase alphanumeric with hyphens", kind, name)
	}
	return nil
}

// Create writes a new artifact and returns its path relative to the
// workspace root. Fails if the file already exists.
func (s *Store) Create(stage, name, content, issueID, reviewID, phase string) (string, error) {
	if err := validateName(stage, "stage"); err != nil {
		return "", err
	}
	if err := validateName(name, "file"); err != nil {
		return "", err
	}
	if phase != "inception" && phase != "construction" {
		return "", fmt.Errorf("invalid phase %q: must be inception or construction", phase)
	}

	relPath := filepath.Join(DocsDir, phase, stage, name+".md")
	absPath := filepath.Join(s.root, relPath)

	if _, err := os.Stat(absPath); err == nil {
		return "", fmt.Errorf("artifact already exists: %s", relPath)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	full := Header{IssueID: issueID, ReviewID: reviewID}.String() + content
	if err := os.WriteFile(absPath, []byte(full), 0644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	s.cache.Add(relPath, full)
	return relPath, nil
}

// Update replaces an artifact's body while preserving its headers.
func (s *Store) Update(relPath, content string) error {
	absPath := filepath.Join(s.root, relPath)

	existing, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("artifact not found: %s", relPath)
	}

	header, err := ParseHeader(string(existing))
	if err != nil {
		return fmt.Errorf("artifact %s: %w", relPath, err)
	}

	full := header.String() + content
	if err := os.WriteFile(absPath, []byte(full), 0644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	s.cache.Add(relPath, full)
	return nil
}

// Read returns an artifact's full content, via the cache when warm.
func (s *Store) Read(relPath string) (string, error) {
	if cached, ok := s.cache.Get(relPath); ok {
		return cached, nil
	}

	data, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return "", err
	}

	content := string(data)
	s.cache.Add(relPath, content)
	return content, nil
}

// Invalidate drops a path from the read cache.
func (s *Store) Invalidate(relPath string) {
	s.cache.Remove(relPath)
}

// Validate checks an artifact for existence, headers and an H1 title.
func (s *Store) Validate(relPath string) ValidationResult {
	result := ValidationResult{Path: relPath}
	absPath := filepath.Join(s.root, relPath)

	stat, err := os.Stat(absPath)
	if err != nil {
		result.Errors = append(result.Errors, "file does not exist")
		return result
	}
	if stat.IsDir() {
		result.Errors = append(result.Errors, "path is not a file")
		return result
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read failed: %v", err))
		return result
	}
	content := string(data)

	if strings.TrimSpace(content) == "" {
		result.Errors = append(result.Errors, "file is empty")
		return result
	}

	header, err := ParseHeader(content)
	body := content
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		body = StripHeader(content)
		if header.ReviewID == "" {
			result.Warnings = append(result.Warnings, "beads-review header is missing (optional for non-reviewed artifacts)")
		}
	}

	if !titlePattern.MatchString(body) {
		result.Errors = append(result.Errors, "no H1 heading found (expected '# Title' in the document)")
	}

	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) < 3 || parts[0] != DocsDir {
		result.Warnings = append(result.Warnings, fmt.Sprintf("path does not follow %s/<phase>/<stage>/ convention: %s", DocsDir, relPath))
	} else if parts[1] != "inception" && parts[1] != "construction" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("phase directory %q is not inception or construction", parts[1]))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ListStage returns the parseable artifacts in one stage directory, sorted
// by filename. Files without valid headers are skipped.
func (s *Store) ListStage(stage, phase string) ([]Info, error) {
	dir := filepath.Join(s.root, DocsDir, phase, stage)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var artifacts []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := string(data)

		header, err := ParseHeader(content)
		if err != nil {
			continue
		}

		body := StripHeader(content)
		title := "(untitled)"
		if m := titlePattern.FindStringSubmatch(body); m != nil {
			title = strings.TrimSpace(m[1])
		}

		stat, err := entry.Info()
		if err != nil {
			continue
		}

		artifacts = append(artifacts, Info{
			Path:         filepath.Join(DocsDir, phase, stage, entry.Name()),
			Header:       header,
			Title:        title,
			Stage:        stage,
			Phase:        phase,
			SizeBytes:    stat.Size(),
			LastModified: stat.ModTime().UTC(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}
