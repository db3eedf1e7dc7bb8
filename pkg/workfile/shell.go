package workfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
)

// LastRunLog is the file in the unit's workspace holding the output of the
// most recent run
const LastRunLog = "last-run.log"

// maxErrorLines bounds how much command output is attached to a failure
const maxErrorLines = 20

// ShellAction runs command from the project root. Output goes to the
// invocation's writer and to LastRunLog in the unit's workspace.
func ShellAction(command string, env map[string]string) types.Action {
	return func(ctx context.Context, ec *types.ExecContext) error {
		start := time.Now()
		log := ec.Logger

		logFile, err := os.Create(filepath.Join(ec.WorkspaceDir, LastRunLog))
		if err != nil {
			log.Warn("Failed to create run log", logger.WithError(err))
		} else {
			defer logFile.Close()
		}

		logToFile(logFile, fmt.Sprintf("=== Run started at %s (invocation %s) ===\n",
			start.Format("2006-01-02 15:04:05"), ec.InvocationID))
		logToFile(logFile, fmt.Sprintf("Executing: %s\n", command))

		cmd := createCommand(ctx, command)
		cmd.Dir = ec.ProjectRoot
		cmd.Env = append(os.Environ(),
			"SPECTRE_UNIT="+ec.Unit.ID,
			"SPECTRE_WORKSPACE="+ec.WorkspaceDir,
			"SPECTRE_INVOCATION="+ec.InvocationID,
		)
		for _, k := range sortedKeys(env) {
			cmd.Env = append(cmd.Env, k+"="+env[k])
		}

		var output bytes.Buffer
		writers := []io.Writer{&output}
		if ec.Output != nil {
			writers = append(writers, ec.Output)
		}
		if logFile != nil {
			writers = append(writers, logFile)
		}
		cmd.Stdout = io.MultiWriter(writers...)
		cmd.Stderr = cmd.Stdout

		err = cmd.Run()
		duration := time.Since(start).Round(time.Millisecond)
		if err != nil {
			logToFile(logFile, fmt.Sprintf("\n=== Run FAILED after %s ===\nError: %v\n", duration, err))
			return fmt.Errorf("command failed: %w\n%s", err, tail(output.String(), maxErrorLines))
		}

		logToFile(logFile, fmt.Sprintf("\n=== Run SUCCEEDED after %s ===\n", duration))
		if output.Len() > 0 {
			log.Debug("Command output", logger.WithField("output", output.String()))
		}
		return nil
	}
}

// createCommand runs simple command lines directly and anything using shell
// operators through sh
func createCommand(ctx context.Context, command string) *exec.Cmd {
	if strings.ContainsAny(command, "&|;<>$`'\"*?") {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// actionKey identifies the command and environment for fingerprinting
func actionKey(command string, env map[string]string) string {
	var b strings.Builder
	b.WriteString(command)
	for _, k := range sortedKeys(env) {
		b.WriteString("\n")
		b.WriteString(k + "=" + env[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func logToFile(f *os.File, message string) {
	if f != nil {
		_, _ = f.WriteString(message)
	}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
