package behavior

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init")
	runGitCmd(t, dir, "config", "user.email", "test@test.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in test environment")
	}
}

func TestGitSyncCommitsAndToleratesPushFailure(t *testing.T) {
	requireGit(t)

	repo := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "hello.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "notes.md"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGitSync(settings{"repo_path": repo, "remote": "nowhere"}, NewPool(1))
	g.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 0, 0, time.UTC) }
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	ctrl := newFakeControl()
	if err := g.Execute(ctrl); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	subject := strings.TrimSpace(runGitCmd(t, repo, "log", "-1", "--format=%s"))
	if want := "Auto: 1 modified, 1 added (md, txt files) - 2024-05-06 07:08"; subject != want {
		t.Fatalf("commit subject = %q, want %q", subject, want)
	}
	if !ctrl.logged("Push failed") || !ctrl.logged("Changes are committed locally") {
		t.Fatalf("push failure not reported: %v", ctrl.logs)
	}
	if status := runGitCmd(t, repo, "status", "--porcelain"); status != "" {
		t.Fatalf("tree still dirty: %q", status)
	}
}

func TestGitSyncPushesToRemote(t *testing.T) {
	requireGit(t)

	remote := t.TempDir()
	runGitCmd(t, remote, "init", "--bare")
	repo := initTestRepo(t)
	runGitCmd(t, repo, "remote", "add", "origin", remote)
	if err := os.WriteFile(filepath.Join(repo, "data.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGitSync(settings{"repo_path": repo, "commit_message": "nightly"}, nil)
	ctrl := newFakeControl()
	if err := g.Execute(ctrl); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ctrl.lastProgress() != 100 {
		t.Fatalf("last progress = %v, want 100", ctrl.lastProgress())
	}
	branch := strings.TrimSpace(runGitCmd(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))
	subject := strings.TrimSpace(runGitCmd(t, remote, "log", "-1", "--format=%s", branch))
	if subject != "nightly" {
		t.Fatalf("remote subject = %q, want nightly", subject)
	}
}

func TestGitSyncCleanTree(t *testing.T) {
	requireGit(t)

	repo := initTestRepo(t)
	ctrl := newFakeControl()
	if err := newGitSync(settings{"repo_path": repo}, nil).Execute(ctrl); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ctrl.logged("No changes to commit") {
		t.Fatalf("logs = %v", ctrl.logs)
	}
}

func TestGitSyncValidate(t *testing.T) {
	requireGit(t)
	t.Parallel()

	plain := t.TempDir()
	if err := newGitSync(settings{}, nil).Validate(); err == nil {
		t.Fatal("Validate without repo_path succeeded")
	}
	err := newGitSync(settings{"repo_path": plain}, nil).Validate()
	if err == nil || !strings.Contains(err.Error(), "not a git repository") {
		t.Fatalf("Validate err = %v", err)
	}
}

func TestParsePorcelain(t *testing.T) {
	t.Parallel()

	out := " M src/main.go\n?? docs/readme.md\nA  new.txt\nR  old.go -> renamed.go\n D gone\n"
	c := parsePorcelain(out)
	if c.modified != 3 || c.added != 2 {
		t.Fatalf("modified=%d added=%d, want 3 and 2", c.modified, c.added)
	}
	if got := strings.Join(c.extensions, ","); got != "go,md,txt" {
		t.Fatalf("extensions = %q", got)
	}
}

func TestGitSyncMessageFallbacks(t *testing.T) {
	t.Parallel()

	g := newGitSync(settings{"smart_message": false}, nil)
	g.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC) }
	if got := g.message(gitChanges{modified: 1}); got != "Auto backup - 2024-01-02 03:04" {
		t.Fatalf("message = %q", got)
	}
}
