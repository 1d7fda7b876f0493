package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/pkg/safego"
)

const (
	bashOutputLimit = 10_000
	bashKeepHead    = 4_000
	bashKeepTail    = 4_000
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// Bash runs shell commands in the working directory. Foreground runs capture
// combined output; background runs detach and log to a file.
type Bash struct {
	WorkDir string
	// LogDir receives background run logs; defaults to the OS temp dir.
	LogDir string
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Execute a shell command. Set run_in_background for long-running processes; " +
		"their output goes to a log file whose path is returned immediately."
}

func (b *Bash) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds (default 60, max 600)",
			},
			"run_in_background": map[string]any{
				"type":        "boolean",
				"description": "Detach the command and return a log file path",
			},
		},
		"required": []any{"command"},
	}
}

func (b *Bash) ReadOnly() bool { return false }

func (b *Bash) Execute(ctx context.Context, args map[string]any) entity.ToolResult {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Failure(entity.CodeCommandRequired, "bash requires a non-empty command")
	}

	if boolArg(args, "run_in_background") {
		return b.runBackground(command)
	}
	return b.runForeground(ctx, command)
}

func (b *Bash) runForeground(ctx context.Context, command string) entity.ToolResult {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = b.WorkDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := truncateMiddle(stripANSI(buf.String()), bashOutputLimit, bashKeepHead, bashKeepTail)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return Failure(entity.CodeExecutionFailed, "command interrupted: %v\n%s", ctx.Err(), output)
		} else {
			return Failure(entity.CodeExecutionFailed, "command failed to start: %v", err)
		}
	}

	meta := map[string]any{"exit_code": exitCode}
	if exitCode != 0 {
		meta["error"] = fmt.Sprintf("EXIT_CODE_%d", exitCode)
		return entity.ToolResult{
			Success:  false,
			Output:   fmt.Sprintf("%s\nEXIT_CODE_%d", output, exitCode),
			Metadata: meta,
		}
	}
	return entity.ToolResult{Success: true, Output: output, Metadata: meta}
}

// runBackground starts the command detached from the call's context and
// returns immediately. Output streams to a uniquely named log file.
func (b *Bash) runBackground(command string) entity.ToolResult {
	logDir := b.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("loom-bash-%s.log", uuid.NewString()))
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "create background log: %v", err)
	}

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = b.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.Remove(logPath)
		return Failure(entity.CodeExecutionFailed, "start background command: %v", err)
	}
	pid := cmd.Process.Pid

	// Reap the process so it never zombies; the log file closes when the
	// command finishes.
	safego.Go(nil, "bash-reaper", func() {
		_ = cmd.Wait()
		logFile.Close()
	})

	return Success(
		fmt.Sprintf("Started in background (pid %d). Output: %s", pid, logPath),
		map[string]any{"pid": pid, "log_file": logPath, "started_at": time.Now().UTC().Format(time.RFC3339)},
	)
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// truncateMiddle keeps the head and tail of oversized output, marking how
// much was dropped. Both ends usually matter: the head shows what ran, the
// tail shows how it ended.
func truncateMiddle(s string, limit, head, tail int) string {
	if len(s) <= limit {
		return s
	}
	dropped := len(s) - head - tail
	return fmt.Sprintf("%s\n... [%d chars truncated] ...\n%s", s[:head], dropped, s[len(s)-tail:])
}
