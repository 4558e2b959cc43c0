// Package restart implements the Restart & Recovery component: on-exit
// snapshotting and a boot-time verification/fix-injection hook that lets
// the operator ask "did the restart actually fix it?" and have the answer
// fed back into the primary Session's next turn.
package restart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// VerificationTask is the command to run after a restart to confirm the
// fix that prompted it actually worked (boot protocol, scenario: restart
// with verification).
type VerificationTask struct {
	Command     string `json:"command"`
	BDTaskID    string `json:"bdTaskId"`
	Description string `json:"description"`
}

const verificationFence = "```relaygate-verification-task\n"
const fenceClose = "```"

// Manager tracks the operator-set VerificationTask across a graceful
// shutdown/boot cycle and builds/parses the restart-context markdown that
// carries it.
type Manager struct {
	logger *logger.Logger
	task   *VerificationTask
}

// New creates a restart Manager.
func New(log *logger.Logger) *Manager {
	return &Manager{logger: log.With(zap.String("component", "restart"))}
}

// SetVerificationTask records the task a subsequent boot should run. A
// nil task clears any previously set one.
func (m *Manager) SetVerificationTask(task *VerificationTask) {
	m.task = task
}

// BuildShutdownContext renders the restart-context markdown: free-form
// context text (e.g. a summary of in-flight work) followed by a fenced
// JSON block carrying the pending VerificationTask, if any.
func (m *Manager) BuildShutdownContext(summary string) (string, error) {
	var b strings.Builder
	b.WriteString(summary)
	if m.task != nil {
		data, err := json.Marshal(m.task)
		if err != nil {
			return "", fmt.Errorf("marshal verification task: %w", err)
		}
		b.WriteString("\n\n")
		b.WriteString(verificationFence)
		b.Write(data)
		b.WriteString("\n")
		b.WriteString(fenceClose)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ParseShutdownContext splits a restart-context markdown back into its
// free-form summary and an optional embedded VerificationTask.
func ParseShutdownContext(markdown string) (summary string, task *VerificationTask, err error) {
	idx := strings.Index(markdown, verificationFence)
	if idx < 0 {
		return markdown, nil, nil
	}
	summary = strings.TrimRight(markdown[:idx], "\n")
	rest := markdown[idx+len(verificationFence):]
	end := strings.Index(rest, fenceClose)
	if end < 0 {
		return summary, nil, fmt.Errorf("restart context: unterminated verification fence")
	}
	var t VerificationTask
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &t); err != nil {
		return summary, nil, fmt.Errorf("unmarshal verification task: %w", err)
	}
	return summary, &t, nil
}

// RunVerification executes a VerificationTask's command and turns the
// outcome into boot-time nextQueryContext text: on exit code 0 a terse
// success note naming the task, on failure a fix-request referencing the
// task id and truncated command output.
func RunVerification(ctx context.Context, task VerificationTask, timeout time.Duration) string {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", task.Command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	if err == nil {
		return fmt.Sprintf("Verification for task %s passed: %s", task.BDTaskID, task.Description)
	}

	output := truncate(out.String(), 2000)
	return fmt.Sprintf(
		"Verification for task %s failed (%s). Output:\n%s\nPlease fix and confirm.",
		task.BDTaskID, task.Description, output,
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
