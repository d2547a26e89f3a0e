// Package gitexec implements resource.GitHost with real `git` invocations
// via os/exec, grounded directly on the teacher's internal/git/executor_impl.go
// RealExecutor: the same runGit/runGitOutput shape and parseGitError
// stderr-classification style, reused nearly verbatim for worktree add/
// remove since that plumbing is generic. Rebase, ApplyDiff, UpdateRefCAS,
// and RunTests are new methods the teacher never needed, built in the same
// idiom.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
)

// Git-specific errors, classified from stderr the same way the teacher's
// parseGitError does.
var (
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")
	ErrPathAlreadyExists       = errors.New("worktree path already exists")
	ErrWorktreeLocked          = errors.New("worktree is locked")
	ErrNotGitRepo              = errors.New("not a git repository")
)

// Compile-time check that Host implements resource.GitHost.
var _ resource.GitHost = (*Host)(nil)

// Host is the real, os/exec-backed GitHost bound to one repo's main
// checkout. Worktree operations run with that repo as cwd; methods that
// take an explicit path (Rebase happens inside a worktree) use the path
// the caller supplies instead.
type Host struct {
	mainRepo string
	timeout  time.Duration
}

// DefaultCommandTimeout bounds any single git invocation except RunTests,
// which honors its own caller-supplied command timeout.
const DefaultCommandTimeout = 30 * time.Second

// New constructs a Host rooted at a repo's main checkout path.
func New(mainRepo string) *Host {
	return &Host{mainRepo: mainRepo, timeout: DefaultCommandTimeout}
}

func (h *Host) runGit(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.runGitContext(ctx, dir, args...)
}

func (h *Host) runGitContext(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args are constructed from internal callers, not raw user input
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: git %s timed out", errs.ErrTimeout, strings.Join(args, " "))
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "is already checked out"), strings.Contains(lower, "already checked out at"):
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "is locked"):
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	case strings.Contains(lower, "lock") || strings.Contains(lower, "index.lock") || strings.Contains(lower, "resource temporarily unavailable"):
		return fmt.Errorf("%w: %s", errs.ErrTransientGit, stderr)
	default:
		return fmt.Errorf("git error: %s: %w", stderr, originalErr)
	}
}

// WorktreeAdd creates a worktree at path on a new branch rooted at base.
func (h *Host) WorktreeAdd(path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := h.runGit(h.mainRepo, args...)
	return err
}

// WorktreeRemove removes a worktree, forcing if the plain remove fails
// (dirty working tree left behind by a killed agent process).
func (h *Host) WorktreeRemove(path string) error {
	if _, err := h.runGit(h.mainRepo, "worktree", "remove", path); err != nil {
		_, err = h.runGit(h.mainRepo, "worktree", "remove", "--force", path)
		return err
	}
	return nil
}

// FetchHead returns the current HEAD sha of the repo or worktree at path —
// a local snapshot, not a network fetch, used to stamp base_sha at worktree
// creation time (see DESIGN.md for this naming decision).
func (h *Host) FetchHead(repo string) (string, error) {
	return h.runGit(repo, "rev-parse", "HEAD")
}

// Rebase rebases branch onto the given ref inside the worktree named by
// branch's checkout path (the caller passes the worktree path as onto's
// directory is resolved by the worktree registered for that branch; here
// branch is actually the worktree path, matching how MergeWorker invokes
// it — see internal/core/merge).
func (h *Host) Rebase(branch, onto string) (resource.Outcome, error) {
	_, err := h.runGit(branch, "rebase", onto)
	if err == nil {
		return resource.Clean, nil
	}
	if isConflict(err) {
		_, _ = h.runGit(branch, "rebase", "--abort")
		return resource.Conflicted, err
	}
	if errors.Is(err, errs.ErrTransientGit) || errors.Is(err, errs.ErrTimeout) {
		return resource.Transient, err
	}
	return resource.Fatal, err
}

func isConflict(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "conflict")
}

// ApplyDiff applies a patch onto the worktree at path (onto names the
// worktree's path, matching Rebase's convention).
func (h *Host) ApplyDiff(diff []byte, onto string) (resource.Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	//nolint:gosec // G204: fixed argv, diff content goes to stdin
	cmd := exec.CommandContext(ctx, "git", "apply", "--3way", "-")
	cmd.Dir = onto
	cmd.Stdin = bytes.NewReader(diff)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(stderrStr), "conflict") || strings.Contains(strings.ToLower(stderrStr), "patch does not apply") {
			return resource.Conflicted, fmt.Errorf("%w: %s", errs.ErrContentConflict, stderrStr)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return resource.Transient, fmt.Errorf("%w: git apply timed out", errs.ErrTimeout)
		}
		return resource.Fatal, fmt.Errorf("git apply: %s: %w", stderrStr, err)
	}
	return resource.Clean, nil
}

// UpdateRefCAS advances ref to next only if it currently points at expected,
// the compare-and-swap primitive multi-repo merges use to hold every repo's
// ref at its rebased tip before committing any of them (spec §9).
func (h *Host) UpdateRefCAS(ref, expected, next string) error {
	_, err := h.runGit(h.mainRepo, "update-ref", ref, next, expected)
	if err != nil {
		return fmt.Errorf("%w: ref-cas %s %s->%s: %v", errs.ErrStaleTransition, ref, expected, next, err)
	}
	return nil
}

// RunTests runs cmd in path with a 600-second default ceiling; the caller
// (MergeWorker) may wrap with its own shorter context via the exported
// RunTestsContext variant.
func (h *Host) RunTests(path, cmd string) (resource.Outcome, error) {
	return h.RunTestsContext(context.Background(), path, cmd, 600*time.Second)
}

// RunTestsContext runs the configured test command with an explicit
// timeout, classifying a non-zero exit as Conflicted (tests genuinely
// failed) rather than Fatal, since merge retry may still succeed after a
// rebase resolves the underlying cause.
func (h *Host) RunTestsContext(ctx context.Context, path, cmdline string, timeout time.Duration) (resource.Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: cmdline is operator-configured in internal/config, not request input
	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdline)
	cmd.Dir = path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return resource.Clean, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return resource.Transient, fmt.Errorf("%w: test command timed out", errs.ErrTimeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return resource.Conflicted, fmt.Errorf("%w: tests failed: %s", errs.ErrContentConflict, strings.TrimSpace(stderr.String()))
	}
	return resource.Fatal, fmt.Errorf("running test command: %w", err)
}
