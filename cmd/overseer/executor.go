package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"overseer/internal/dispatch"
	"overseer/internal/logging"
)

// shellExecutor runs a worker's configured shell command once per assignment.
// The task description arrives on stdin; task id and accumulated reviewer
// feedback arrive in the environment so retry attempts can react to it.
type shellExecutor struct {
	workerID string
	command  string
	logger   *zap.Logger
}

func newShellExecutor(workerID, command string) *shellExecutor {
	return &shellExecutor{
		workerID: workerID,
		command:  command,
		logger:   logging.Get(logging.CategoryDispatch),
	}
}

func (e *shellExecutor) Execute(ctx context.Context, a dispatch.Assignment) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Stdin = strings.NewReader(a.Description)
	cmd.Env = append(os.Environ(),
		"OVERSEER_TASK_ID="+a.TaskID,
		"OVERSEER_FEEDBACK="+strings.Join(a.Feedback, "\n"),
		fmt.Sprintf("OVERSEER_ATTEMPT=%d", len(a.Feedback)+1),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		e.logger.Warn("worker command failed",
			zap.String("worker", e.workerID),
			zap.String("task", a.TaskID),
			zap.Error(err))
		return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
