// Package workspace creates and scaffolds project workspaces for the
// AIDLC pipeline. Initialization is idempotent.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"troop/internal/beads"
	"troop/internal/logging"
)

// aidlcDirs is the standard document skeleton created under a workspace.
var aidlcDirs = []string{
	"aidlc-docs/inception/requirements",
	"aidlc-docs/inception/plans",
	"aidlc-docs/inception/reverse-engineering",
	"aidlc-docs/inception/user-stories",
	"aidlc-docs/inception/design",
	"aidlc-docs/construction",
}

// seedDocs are copied into a fresh workspace when found next to it.
var seedDocs = []string{"vision.md", "tech-env.md"}

// Initializer bootstraps workspaces: directory tree, issue store and
// document skeleton.
type Initializer struct {
	beads *beads.Client
	log   logging.Logger
}

// NewInitializer builds a workspace initializer over the given bd client.
func NewInitializer(beadsClient *beads.Client, log logging.Logger) *Initializer {
	return &Initializer{beads: beadsClient, log: logging.OrNop(log)}
}

// Init creates root and bootstraps it for the pipeline: the directory
// tree, the .beads issue store with the project key as prefix, the
// aidlc-docs skeleton and any seed docs found next to the workspace.
// Safe to call on an already-initialized workspace.
func (i *Initializer) Init(ctx context.Context, root, projectKey string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", root, err)
	}
	i.log.Info("Created workspace directory: %s", root)

	if info, err := os.Stat(filepath.Join(root, ".beads")); err != nil || !info.IsDir() {
		if err := i.beads.Init(ctx, root, projectKey); err != nil {
			return fmt.Errorf("initialize issue store in %s: %w", root, err)
		}
		i.log.Info("Initialized issue store in %s (prefix=%s)", root, projectKey)
	} else {
		i.log.Info(".beads already exists in %s, skipping init", root)
	}

	for _, rel := range aidlcDirs {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0o755); err != nil {
			return fmt.Errorf("scaffold %s: %w", rel, err)
		}
	}
	i.log.Info("Scaffolded aidlc-docs skeleton in %s", root)

	i.copySeedDocs(root)
	return nil
}

// copySeedDocs copies vision.md and tech-env.md from the parent directory
// or its subdirectories into the workspace. Best effort.
func (i *Initializer) copySeedDocs(root string) {
	parent := filepath.Dir(root)
	searchDirs := []string{parent}
	if entries, err := os.ReadDir(parent); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				searchDirs = append(searchDirs, filepath.Join(parent, e.Name()))
			}
		}
	}

	for _, name := range seedDocs {
		dest := filepath.Join(root, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		for _, dir := range searchDirs {
			src := filepath.Join(dir, name)
			if dir == root {
				continue
			}
			data, err := os.ReadFile(src)
			if err != nil {
				continue
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				i.log.Warn("Could not copy seed doc %s: %v", name, err)
				break
			}
			i.log.Info("Copied seed doc %s from %s", name, src)
			break
		}
	}
}
