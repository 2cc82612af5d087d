package config

import (
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

// RepoInfo summarizes the target workspace repository for the health probe.
type RepoInfo struct {
	Path      string `json:"path"`
	Branch    string `json:"branch,omitempty"`
	HasSkills bool   `json:"has_skills"`
}

// CheckTargetRepo inspects the configured target repo. Degraded rather than
// fatal: builds run in the current directory when no repo is configured.
func (c *Config) CheckTargetRepo() (bool, string, *RepoInfo) {
	path := c.ResolvedTargetRepo()
	if path == "" {
		if c.Output.TargetRepo == "" {
			return false, "target repo not configured (set output.target_repo or BUILDER_TARGET_REPO)", nil
		}
		return false, fmt.Sprintf("target repo not found at %s", c.Output.TargetRepo), nil
	}

	info := &RepoInfo{Path: path}

	if _, err := os.Stat(filepath.Join(path, ".claude")); err == nil {
		info.HasSkills = true
	}

	if repo, err := git.PlainOpen(path); err == nil {
		if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
	}

	if info.HasSkills {
		return true, fmt.Sprintf("target repo at %s (with .claude skills)", path), info
	}
	return true, fmt.Sprintf("target repo at %s (no .claude directory)", path), info
}
