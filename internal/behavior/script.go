package behavior

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskhub/internal/core"
)

const (
	defaultScriptTimeout = 300 * time.Second
	outputPreview        = 500
	terminationGrace     = 5 * time.Second
)

// Script runs a python script, a shell/batch file or a free-form command.
type Script struct {
	scriptType    string
	scriptPath    string
	command       string
	arguments     []string
	workingDir    string
	timeout       time.Duration
	captureOutput bool
	pythonBin     string
	logFile       string
}

func newScript(cfg settings) *Script {
	timeout := time.Duration(cfg.integer("timeout", int(defaultScriptTimeout/time.Second))) * time.Second
	return &Script{
		scriptType:    strings.ToLower(cfg.str("script_type", "python")),
		scriptPath:    cfg.str("script_path", ""),
		command:       cfg.str("command", ""),
		arguments:     cfg.list("arguments"),
		workingDir:    cfg.str("working_dir", ""),
		timeout:       timeout,
		captureOutput: cfg.boolean("capture_output", true),
		pythonBin:     cfg.str("python_bin", "python3"),
		logFile:       cfg.str("log_file", ""),
	}
}

func (s *Script) Validate() error {
	switch s.scriptType {
	case "python", "batch":
		if s.scriptPath == "" {
			return errors.New("script path is required")
		}
		info, err := os.Stat(s.scriptPath)
		if err != nil {
			return fmt.Errorf("script not found: %s", s.scriptPath)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("not a file: %s", s.scriptPath)
		}
	case "command":
		if strings.TrimSpace(s.command) == "" {
			return errors.New("command is required")
		}
	default:
		return fmt.Errorf("invalid script type: %s", s.scriptType)
	}
	if s.workingDir != "" {
		if info, err := os.Stat(s.workingDir); err != nil || !info.IsDir() {
			return fmt.Errorf("working directory not found: %s", s.workingDir)
		}
	}
	return nil
}

func (s *Script) Execute(ctrl core.Control) error {
	ctx := ctrl.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := s.buildCmd(ctx)
	cmd.Dir = s.workingDir
	cmd.Cancel = func() error { return sendTermination(cmd.Process) }
	cmd.WaitDelay = terminationGrace

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = io.Discard, io.Discard
	if s.captureOutput {
		outW, errW = &stdout, &stderr
	}
	if s.logFile != "" {
		f, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		shared := &syncWriter{w: f}
		outW = io.MultiWriter(outW, shared)
		errW = io.MultiWriter(errW, shared)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	ctrl.Log(fmt.Sprintf("Executing: %s", strings.Join(cmd.Args, " ")), core.LevelInfo)
	ctrl.UpdateProgress(10)

	runErr := cmd.Run()
	ctrl.UpdateProgress(90)

	if s.captureOutput && stdout.Len() > 0 {
		ctrl.Log(fmt.Sprintf("Output: %s", truncate(stdout.String(), outputPreview)), core.LevelInfo)
	}

	switch {
	case ctrl.IsStopped():
		return errors.New("script interrupted by stop")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("Script timeout after %d seconds", int(s.timeout/time.Second))
		ctrl.Log(msg, core.LevelError)
		return errors.New(msg)
	case runErr == nil:
		ctrl.Log("Script completed with exit code 0", core.LevelSuccess)
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		ctrl.Log(fmt.Sprintf("Script execution error: %v", runErr), core.LevelError)
		return runErr
	}
	msg := fmt.Sprintf("Exit code: %d", exitErr.ExitCode())
	if s.captureOutput && stderr.Len() > 0 {
		msg += "\n" + truncate(stderr.String(), outputPreview)
	}
	ctrl.Log(fmt.Sprintf("Script failed: %s", msg), core.LevelError)
	return errors.New(msg)
}

// buildCmd builds the process for the configured script type.
func (s *Script) buildCmd(ctx context.Context) *exec.Cmd {
	switch s.scriptType {
	case "python":
		return exec.CommandContext(ctx, s.pythonBin, append([]string{s.scriptPath}, s.arguments...)...) // #nosec G204
	case "batch":
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "cmd", append([]string{"/C", s.scriptPath}, s.arguments...)...) // #nosec G204
		}
		return exec.CommandContext(ctx, "/bin/sh", append([]string{s.scriptPath}, s.arguments...)...) // #nosec G204
	default:
		return shellCommand(ctx, s.command, s.arguments)
	}
}

func shellCommand(ctx context.Context, command string, args []string) *exec.Cmd {
	line := command
	for _, a := range args {
		line += " " + shellQuote(a)
	}
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", line) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", line) // #nosec G204
}

func shellQuote(v string) string {
	if runtime.GOOS == "windows" {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// sendTermination asks the process to exit; exec kills it after WaitDelay.
func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
