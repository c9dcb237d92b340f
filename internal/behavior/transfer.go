package behavior

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"taskhub/internal/core"
)

var errTransferStopped = errors.New("transfer stopped by user")

// FileTransfer copies or moves a file or a directory tree.
type FileTransfer struct {
	source    string
	dest      string
	operation string
	overwrite bool
	mirror    bool
	include   []string
	exclude   []string
}

func newFileTransfer(cfg settings) *FileTransfer {
	return &FileTransfer{
		source:    cfg.str("source", ""),
		dest:      cfg.str("destination", ""),
		operation: strings.ToLower(cfg.str("operation", "copy")),
		overwrite: cfg.boolean("overwrite", true),
		mirror:    cfg.boolean("mirror", false),
		include:   cfg.list("file_patterns"),
		exclude:   cfg.list("exclude_patterns"),
	}
}

func (f *FileTransfer) Validate() error {
	if f.source == "" {
		return errors.New("source path is required")
	}
	if _, err := os.Stat(f.source); err != nil {
		return fmt.Errorf("source not found: %s", f.source)
	}
	if f.dest == "" {
		return errors.New("destination path is required")
	}
	if f.operation != "copy" && f.operation != "move" {
		return fmt.Errorf("invalid operation: %s (must be 'copy' or 'move')", f.operation)
	}
	for _, p := range append(append([]string{}, f.include...), f.exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

func (f *FileTransfer) Execute(ctrl core.Control) error {
	info, err := os.Stat(f.source)
	if err != nil {
		return err
	}
	ctrl.Log(fmt.Sprintf("Starting %s from %s to %s", f.operation, f.source, f.dest), core.LevelInfo)
	if info.IsDir() {
		return f.transferDir(ctrl)
	}
	return f.transferFile(ctrl)
}

func (f *FileTransfer) transferFile(ctrl core.Control) error {
	ctrl.Log("Found 1 file(s) to process", core.LevelInfo)
	ctrl.UpdateProgress(5)
	if !f.selected(filepath.Base(f.source)) {
		ctrl.Log("File excluded by pattern", core.LevelInfo)
		return nil
	}

	dst := f.dest
	if st, err := os.Stat(dst); (err == nil && st.IsDir()) || filepath.Ext(dst) == "" {
		dst = filepath.Join(dst, filepath.Base(f.source))
	}
	if _, err := os.Stat(dst); err == nil && !f.overwrite {
		ctrl.Log("File exists and overwrite is disabled", core.LevelWarning)
		return nil
	}
	ctrl.UpdateProgress(50)
	if err := f.transfer(f.source, dst); err != nil {
		ctrl.Log(fmt.Sprintf("Failed to %s %s: %v", f.operation, filepath.Base(f.source), err), core.LevelWarning)
		return err
	}
	ctrl.Log(fmt.Sprintf("Successfully %s file", pastTense(f.operation)), core.LevelSuccess)
	return nil
}

func (f *FileTransfer) transferDir(ctrl core.Control) error {
	files, err := f.collect()
	if err != nil {
		return err
	}
	ctrl.Log(fmt.Sprintf("Found %d file(s) to process", len(files)), core.LevelInfo)
	ctrl.UpdateProgress(5)
	if err := os.MkdirAll(f.dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	var ok, failed int
	for i, rel := range files {
		if ctrl.IsStopped() || !ctrl.WaitIfPaused() {
			ctrl.Log("Transfer stopped by user", core.LevelWarning)
			return errTransferStopped
		}
		progress := float64(i+1)/float64(len(files))*90 + 5
		dst := filepath.Join(f.dest, rel)
		if _, err := os.Stat(dst); err == nil && !f.overwrite {
			ctrl.UpdateProgress(progress)
			continue
		}
		if err := f.transfer(filepath.Join(f.source, rel), dst); err != nil {
			ctrl.Log(fmt.Sprintf("Failed to %s %s: %v", f.operation, rel, err), core.LevelWarning)
			failed++
		} else {
			ok++
		}
		ctrl.UpdateProgress(progress)
	}

	if f.mirror && f.operation == "copy" {
		ctrl.Log("Mirror mode: removing extra files", core.LevelInfo)
		f.prune(ctrl)
	}
	ctrl.Log(fmt.Sprintf("Transfer complete: %d success, %d failed", ok, failed), core.LevelSuccess)
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed to %s", failed, f.operation)
	}
	return nil
}

// collect lists selected regular files relative to the source root.
func (f *FileTransfer) collect() ([]string, error) {
	var files []string
	err := filepath.WalkDir(f.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(f.source, path)
		if err != nil {
			return err
		}
		if f.selected(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	return files, nil
}

// prune deletes destination files that have no counterpart in the source.
func (f *FileTransfer) prune(ctrl core.Control) {
	_ = filepath.WalkDir(f.dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.dest, path)
		if err != nil {
			return nil
		}
		if _, err := os.Lstat(filepath.Join(f.source, rel)); errors.Is(err, fs.ErrNotExist) {
			if err := os.Remove(path); err != nil {
				ctrl.Log(fmt.Sprintf("Failed to remove %s: %v", rel, err), core.LevelWarning)
			} else {
				ctrl.Log(fmt.Sprintf("Removed: %s", rel), core.LevelInfo)
			}
		}
		return nil
	})
}

// selected applies exclude patterns first, then include patterns. Patterns
// without a separator match the base name; others match trailing components.
func (f *FileTransfer) selected(rel string) bool {
	for _, p := range f.exclude {
		if matchTail(p, rel) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if matchTail(p, rel) {
			return true
		}
	}
	return false
}

func matchTail(pattern, rel string) bool {
	pattern = filepath.ToSlash(pattern)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	want := strings.Count(pattern, "/") + 1
	if want > len(parts) {
		return false
	}
	ok, _ := filepath.Match(pattern, strings.Join(parts[len(parts)-want:], "/"))
	return ok
}

func (f *FileTransfer) transfer(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if f.operation == "move" {
		return moveFile(src, dst)
	}
	return copyFile(src, dst)
}

// copyFile copies contents, permissions and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// rename fails across devices
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func pastTense(op string) string {
	if op == "move" {
		return "moved"
	}
	return "copied"
}
