// Package vcs reads the Git revision of the source tree so built images can
// carry an org.opencontainers.image.revision label.
//
// It shells out to the git CLI. A source tree that is not a Git checkout is
// not an error for callers: the revision label is simply left out.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRepository is returned when dir is not inside a Git working tree.
var ErrNotRepository = errors.New("not inside a Git repository")

// Info describes the checkout a source tree belongs to.
type Info struct {
	// Root is the top-level directory of the working tree.
	Root string

	// Commit is the full SHA of HEAD.
	Commit string

	// Dirty is true when tracked files have uncommitted changes.
	Dirty bool
}

// Revision returns the value used for the revision label: the commit SHA,
// suffixed with "-dirty" when the working tree has local modifications.
func (i Info) Revision() string {
	if i.Commit == "" {
		return ""
	}
	if i.Dirty {
		return i.Commit + "-dirty"
	}
	return i.Commit
}

// IsRepository reports whether dir contains a .git entry. Both the
// directory form and the "gitdir:" file form used by worktrees count.
func IsRepository(dir string) bool {
	info, err := os.Lstat(filepath.Join(dir, ".git"))
	if err != nil {
		return false
	}
	if info.IsDir() {
		return true
	}
	content, err := os.ReadFile(filepath.Join(dir, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Describe inspects the working tree containing dir.
func Describe(ctx context.Context, dir string) (Info, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return Info{}, fmt.Errorf("git not found: %w", err)
	}

	root, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return Info{}, ErrNotRepository
	}

	commit, err := runGit(ctx, dir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		// A freshly initialised repository has no HEAD commit yet.
		return Info{Root: root}, nil
	}

	status, err := runGit(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return Info{}, err
	}

	return Info{Root: root, Commit: commit, Dirty: status != ""}, nil
}

// runGit executes git with -C dir and returns trimmed stdout. stderr is
// folded into the error for diagnostics.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 -- args are constructed internally
	cmd := exec.CommandContext(ctx, "git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return "", fmt.Errorf("%s: %w", message, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
