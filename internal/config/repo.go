package config

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// EnvRepoRoot pins the repository root.
const EnvRepoRoot = "REPO_ROOT"

// RepoRoot finds the repository that holds agents/. Inside a submodule the
// superproject wins so agents stay shared across nested checkouts.
func RepoRoot(ctx context.Context) string {
	if root := os.Getenv(EnvRepoRoot); root != "" {
		return root
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return repoRootFrom(ctx, cwd)
}

func repoRootFrom(ctx context.Context, dir string) string {
	for _, flag := range []string{"--show-superproject-working-tree", "--show-toplevel"} {
		if out := gitRevParse(ctx, dir, flag); out != "" {
			return out
		}
	}
	return dir
}

func gitRevParse(ctx context.Context, dir, flag string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", flag)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
