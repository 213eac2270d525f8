package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/observability"
)

var (
	// ErrExecution marks a classifier that failed to run to completion.
	ErrExecution = errors.New("classifier execution failed")
	// ErrInvalidOutput marks classifier output that is not a detection list.
	ErrInvalidOutput = errors.New("invalid classifier output")
)

const (
	ModeYOLO      = "yolo"
	ModeMediapipe = "mediapipe"
)

type Request struct {
	ImagePath string
	// Mode selects the model family on backends that support more than one.
	Mode string
}

// Classifier turns a stored image into detections.
type Classifier interface {
	Classify(ctx context.Context, req Request) ([]models.Detection, error)
	Name() string
}

// ExecutionError carries the diagnostics of a failed classifier run.
type ExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classifier exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("classifier exited with code %d", e.ExitCode)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

func (e *ExecutionError) Unwrap() error { return e.Err }

// OutputError keeps the raw payload that failed validation.
type OutputError struct {
	Raw    string
	Reason string
}

func (e *OutputError) Error() string {
	return "invalid classifier output: " + e.Reason
}

func (e *OutputError) Is(target error) bool { return target == ErrInvalidOutput }

// Instrumented records classifier latency per backend.
type Instrumented struct {
	Classifier
}

func (i Instrumented) Classify(ctx context.Context, req Request) ([]models.Detection, error) {
	start := time.Now()
	dets, err := i.Classifier.Classify(ctx, req)
	observability.ClassifierDuration.WithLabelValues(i.Classifier.Name()).Observe(time.Since(start).Seconds())
	return dets, err
}
