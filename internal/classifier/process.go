package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/your-org/cricket/internal/models"
)

// maxLoggedOutput caps how much raw classifier output goes into a log line.
const maxLoggedOutput = 4096

// ProcessClassifier runs an external program once per request as
// `Command Args... <image path>` and reads a JSON detection list from stdout.
// The program only receives the path; Mode is not forwarded.
type ProcessClassifier struct {
	Command string
	Args    []string
	// Timeout of zero lets the program run until ctx is done.
	Timeout time.Duration
}

func NewProcessClassifier(command string, args []string, timeout time.Duration) *ProcessClassifier {
	return &ProcessClassifier{Command: command, Args: args, Timeout: timeout}
}

func (p *ProcessClassifier) Name() string { return "process" }

func (p *ProcessClassifier) Classify(ctx context.Context, req Request) ([]models.Detection, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(p.Args)+1)
	args = append(args, p.Args...)
	args = append(args, req.ImagePath)

	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		execErr := &ExecutionError{ExitCode: -1, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
			execErr.Err = nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			execErr.Err = ctxErr
		}
		slog.Error("classifier process failed",
			"command", p.Command,
			"image", req.ImagePath,
			"exit_code", execErr.ExitCode,
			"stderr", truncate(execErr.Stderr),
		)
		return nil, execErr
	}

	dets, err := ParseOutput(stdout.Bytes())
	if err != nil {
		slog.Error("classifier output rejected",
			"error", err,
			"image", req.ImagePath,
			"raw", truncate(stdout.String()),
		)
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}
	return dets, nil
}

func truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput] + "...(truncated)"
}
