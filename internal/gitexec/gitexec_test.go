package gitexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
)

func runGitCmds(t *testing.T, dir string, cmds [][]string) {
	t.Helper()
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git command %v failed: %s", args, out)
	}
}

// newRepo initializes a git repo with one commit and returns its path.
func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmds(t, dir, [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test User"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	runGitCmds(t, dir, [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	})
	return dir
}

func TestInterfaceCompliance(t *testing.T) {
	var _ resource.GitHost = (*Host)(nil)
}

func TestWorktreeAddAndFetchHeadAndRemove(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	worktreeDir := t.TempDir()
	path := filepath.Join(worktreeDir, "wt")

	require.NoError(t, host.WorktreeAdd(path, "feature-x", "HEAD"))
	_, err := os.Stat(path)
	require.NoError(t, err, "worktree directory should exist after WorktreeAdd")

	sha, err := host.FetchHead(path)
	require.NoError(t, err)
	require.Len(t, sha, 40)

	mainSHA, err := host.FetchHead(repo)
	require.NoError(t, err)
	require.Equal(t, mainSHA, sha, "a freshly created worktree should share main's HEAD")

	require.NoError(t, host.WorktreeRemove(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "worktree directory should be gone after WorktreeRemove")
}

func TestRebaseCleanWhenNoDivergence(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	worktreeDir := t.TempDir()
	path := filepath.Join(worktreeDir, "wt")
	require.NoError(t, host.WorktreeAdd(path, "feature-clean", "HEAD"))

	outcome, err := host.Rebase(path, "HEAD")
	require.NoError(t, err)
	require.Equal(t, resource.Clean, outcome)
}

func TestRebaseConflictedAbortsAndReportsOutcome(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	worktreeDir := t.TempDir()
	path := filepath.Join(worktreeDir, "wt")
	require.NoError(t, host.WorktreeAdd(path, "feature-conflict", "HEAD"))

	readme := filepath.Join(repo, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("main branch change\n"), 0o644))
	runGitCmds(t, repo, [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "main diverges"},
	})

	wtReadme := filepath.Join(path, "README.md")
	require.NoError(t, os.WriteFile(wtReadme, []byte("worktree conflicting change\n"), 0o644))
	runGitCmds(t, path, [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "worktree diverges"},
	})

	outcome, err := host.Rebase(path, "main")
	require.Error(t, err)
	require.Equal(t, resource.Conflicted, outcome)

	status, err := exec.Command("git", "-C", path, "status", "--porcelain=v1", "--ignore-submodules").CombinedOutput()
	require.NoError(t, err)
	require.Empty(t, status, "rebase --abort should leave the worktree clean")
}

func TestUpdateRefCASSucceedsOnMatchAndFailsOnStale(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	head, err := host.FetchHead(repo)
	require.NoError(t, err)

	readme := filepath.Join(repo, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("second\n"), 0o644))
	runGitCmds(t, repo, [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "second"},
	})
	newHead, err := host.FetchHead(repo)
	require.NoError(t, err)

	require.Error(t, host.UpdateRefCAS("refs/heads/main-or-master", head, newHead),
		"CAS against a ref that does not exist under that name should fail")

	branch, err := exec.Command("git", "-C", repo, "rev-parse", "--abbrev-ref", "HEAD").CombinedOutput()
	require.NoError(t, err)
	ref := "refs/heads/" + trimNewline(string(branch))

	require.NoError(t, host.UpdateRefCAS(ref, newHead, newHead))

	err = host.UpdateRefCAS(ref, head, newHead)
	require.Error(t, err, "CAS must fail when expected no longer matches current")
	require.ErrorIs(t, err, errs.ErrStaleTransition)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestRunTestsCleanOnSuccessAndConflictedOnFailure(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	outcome, err := host.RunTests(repo, "true")
	require.NoError(t, err)
	require.Equal(t, resource.Clean, outcome)

	outcome, err = host.RunTests(repo, "false")
	require.Error(t, err)
	require.Equal(t, resource.Conflicted, outcome)
	require.ErrorIs(t, err, errs.ErrContentConflict)
}

func TestRunTestsContextTimeout(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	outcome, err := host.RunTestsContext(context.Background(), repo, "sleep 2", 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, resource.Transient, outcome)
	require.ErrorIs(t, err, errs.ErrTimeout)
}

func TestApplyDiffAppliesCleanPatch(t *testing.T) {
	repo := newRepo(t)
	host := New(repo)

	diff, err := exec.Command("git", "-C", repo, "diff").CombinedOutput()
	require.NoError(t, err)
	require.Empty(t, diff)

	readme := filepath.Join(repo, "README.md")
	original, err := os.ReadFile(readme)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(readme, append(original, []byte("one more line\n")...), 0o644))

	patch, err := exec.Command("git", "-C", repo, "diff").CombinedOutput()
	require.NoError(t, err)
	require.NotEmpty(t, patch)

	runGitCmds(t, repo, [][]string{{"git", "checkout", "--", "README.md"}})

	outcome, err := host.ApplyDiff(patch, repo)
	require.NoError(t, err)
	require.Equal(t, resource.Clean, outcome)

	applied, err := os.ReadFile(readme)
	require.NoError(t, err)
	require.Contains(t, string(applied), "one more line")
}

func TestParseGitError(t *testing.T) {
	originalErr := errors.New("exit status 128")

	tests := []struct {
		name      string
		stderr    string
		wantError error
	}{
		{"branch already checked out", "fatal: 'feature' is already checked out at '/path/to/worktree'", ErrBranchAlreadyCheckedOut},
		{"path already exists", "fatal: '/path/to/worktree' already exists", ErrPathAlreadyExists},
		{"worktree locked", "fatal: '/path/to/worktree' is locked", ErrWorktreeLocked},
		{"not a git repository", "fatal: not a git repository (or any of the parent directories): .git", ErrNotGitRepo},
		{"index lock contention", "fatal: Unable to create '/repo/.git/index.lock': File exists.", errs.ErrTransientGit},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseGitError(tc.stderr, originalErr)
			require.ErrorIs(t, err, tc.wantError)
		})
	}
}

func TestParseGitErrorUnknownFallsThroughWithStderr(t *testing.T) {
	err := parseGitError("fatal: some other error", errors.New("exit status 128"))
	require.Contains(t, err.Error(), "some other error")
}

func TestWorktreeAddNotGitRepoFails(t *testing.T) {
	dir := t.TempDir()
	host := New(dir)

	err := host.WorktreeAdd(filepath.Join(t.TempDir(), "wt"), "branch", "HEAD")
	require.Error(t, err)
}
