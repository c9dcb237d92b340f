package behavior

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taskhub/internal/core"
)

// GitSync stages, commits and pushes local changes of a repository using the
// git CLI.
type GitSync struct {
	repoPath      string
	autoAdd       bool
	autoCommit    bool
	autoPush      bool
	smartMessage  bool
	commitMessage string
	remote        string
	branch        string

	pool *Pool
	now  func() time.Time
}

func newGitSync(cfg settings, pool *Pool) *GitSync {
	return &GitSync{
		repoPath:      cfg.str("repo_path", ""),
		autoAdd:       cfg.boolean("auto_add", true),
		autoCommit:    cfg.boolean("auto_commit", true),
		autoPush:      cfg.boolean("auto_push", true),
		smartMessage:  cfg.boolean("smart_message", true),
		commitMessage: cfg.str("commit_message", ""),
		remote:        cfg.str("remote", "origin"),
		branch:        cfg.str("branch", ""),
		pool:          pool,
		now:           time.Now,
	}
}

func (g *GitSync) Validate() error {
	if _, err := exec.LookPath("git"); err != nil {
		return errors.New("git executable not found in PATH")
	}
	if g.repoPath == "" {
		return errors.New("repository path is required")
	}
	if _, err := os.Stat(g.repoPath); err != nil {
		return fmt.Errorf("repository not found: %s", g.repoPath)
	}
	if _, err := os.Stat(filepath.Join(g.repoPath, ".git")); err != nil {
		return fmt.Errorf("not a git repository: %s", g.repoPath)
	}
	return nil
}

func (g *GitSync) Execute(ctrl core.Control) error {
	ctx := ctrl.Context()
	return g.pool.Run(ctx, func() error {
		return g.sync(ctx, ctrl)
	})
}

func (g *GitSync) sync(ctx context.Context, ctrl core.Control) error {
	ctrl.Log(fmt.Sprintf("Checking repository: %s", g.repoPath), core.LevelInfo)
	ctrl.UpdateProgress(10)

	porcelain, err := runGit(ctx, g.repoPath, "status", "--porcelain", "-uall")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	changes := parsePorcelain(porcelain)
	if changes.empty() {
		ctrl.Log("No changes to commit", core.LevelInfo)
		return nil
	}
	ctrl.Log("Changes detected", core.LevelInfo)
	ctrl.UpdateProgress(20)

	if !ctrl.WaitIfPaused() {
		return errors.New("git sync stopped")
	}
	if g.autoAdd {
		ctrl.Log("Staging changes...", core.LevelInfo)
		if _, err := runGit(ctx, g.repoPath, "add", "-A"); err != nil {
			return fmt.Errorf("git add: %w", err)
		}
		ctrl.UpdateProgress(40)
	}

	if g.autoCommit {
		msg := g.message(changes)
		ctrl.Log(fmt.Sprintf("Committing: %s", msg), core.LevelInfo)
		if out, err := runGit(ctx, g.repoPath, "commit", "-m", msg); err != nil {
			if nothingToCommit(out + err.Error()) {
				ctrl.Log("Nothing to commit (already committed)", core.LevelInfo)
				return nil
			}
			return fmt.Errorf("git commit: %w", err)
		}
		ctrl.UpdateProgress(70)
	}

	if !g.autoPush {
		return nil
	}
	if !ctrl.WaitIfPaused() {
		return errors.New("git sync stopped")
	}
	branch := g.branch
	if branch == "" {
		out, err := runGit(ctx, g.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return fmt.Errorf("git current branch: %w", err)
		}
		branch = strings.TrimSpace(out)
	}
	ctrl.Log(fmt.Sprintf("Pushing to %s...", g.remote), core.LevelInfo)
	if _, err := runGit(ctx, g.repoPath, "push", g.remote, branch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ctrl.Log(fmt.Sprintf("Push failed: %v", err), core.LevelWarning)
		ctrl.Log("Changes are committed locally", core.LevelInfo)
		return nil
	}
	ctrl.Log(fmt.Sprintf("Successfully pushed to %s/%s", g.remote, branch), core.LevelSuccess)
	ctrl.UpdateProgress(100)
	return nil
}

// message picks the custom message, the smart summary or a timestamped default.
func (g *GitSync) message(c gitChanges) string {
	stamp := g.now().Format("2006-01-02 15:04")
	switch {
	case g.commitMessage != "":
		return g.commitMessage
	case !g.smartMessage:
		return "Auto backup - " + stamp
	}
	var parts []string
	if c.modified > 0 {
		parts = append(parts, fmt.Sprintf("%d modified", c.modified))
	}
	if c.added > 0 {
		parts = append(parts, fmt.Sprintf("%d added", c.added))
	}
	msg := "Auto: " + strings.Join(parts, ", ")
	if len(c.extensions) > 0 {
		msg += fmt.Sprintf(" (%s files)", strings.Join(c.extensions, ", "))
	}
	return msg + " - " + stamp
}

type gitChanges struct {
	modified   int
	added      int
	extensions []string
}

func (c gitChanges) empty() bool { return c.modified == 0 && c.added == 0 }

// parsePorcelain counts `git status --porcelain` entries. Untracked and newly
// added paths count as added, everything else as modified.
func parsePorcelain(out string) gitChanges {
	var c gitChanges
	exts := map[string]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		indicator := line[:2]
		file := strings.TrimSpace(line[3:])
		if i := strings.Index(file, " -> "); i >= 0 {
			file = file[i+4:]
		}
		file = strings.Trim(file, `"`)
		if indicator == "??" || indicator[0] == 'A' {
			c.added++
		} else {
			c.modified++
		}
		if ext := strings.TrimPrefix(filepath.Ext(file), "."); ext != "" {
			exts[ext] = struct{}{}
		}
	}
	for ext := range exts {
		c.extensions = append(c.extensions, ext)
	}
	sort.Strings(c.extensions)
	return c
}

func nothingToCommit(out string) bool {
	out = strings.ToLower(out)
	return strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit")
}

// runGit runs git in dir and returns stdout. Failures carry stderr.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
