// Package analysis runs an upload through the classifier and records the
// outcome.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/ingest"
	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/observability"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/internal/upload"
)

var ErrVideoDisabled = errors.New("video analysis is not configured")

// Archive copies analysed uploads to long-term storage.
type Archive interface {
	PutFile(ctx context.Context, key, path, contentType string) error
}

// Publisher announces persisted analyses.
type Publisher interface {
	PublishDetection(ctx context.Context, event models.DetectionEvent) error
}

type FrameSource interface {
	Extract(ctx context.Context, videoPath string, fps, width, maxFrames int, cb ingest.FrameCallback) (int, error)
}

type VideoOptions struct {
	FPS        int
	FrameWidth int
	MaxFrames  int
}

type Result struct {
	Path       string
	Detections []models.Detection
	// DBID is nil when the record could not be persisted.
	DBID *int64
}

type FrameResult struct {
	Frame int
	Result
}

type Service struct {
	receiver   *upload.Receiver
	classifier classifier.Classifier
	store      storage.DetectionStore

	// Optional collaborators; nil disables the step.
	Archive   Archive
	Publisher Publisher
	Frames    FrameSource
	Video     VideoOptions

	now func() time.Time
}

func NewService(receiver *upload.Receiver, cls classifier.Classifier, store storage.DetectionStore) *Service {
	return &Service{
		receiver:   receiver,
		classifier: cls,
		store:      store,
		now:        time.Now,
	}
}

// Analyze stores the upload, classifies it and persists the detections.
// A persistence failure is logged and the result is still returned with a
// nil DBID. Cancellation of ctx does not stop the analysis; only the
// classifier timeout bounds it.
func (s *Service) Analyze(ctx context.Context, fh *multipart.FileHeader, mode string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	path, err := s.receiver.Save(fh)
	if err != nil {
		return nil, err
	}
	return s.analyzePath(ctx, path, mode)
}

// AnalyzeVideo samples frames from an uploaded video and analyzes each one
// as if it had been uploaded as an image.
func (s *Service) AnalyzeVideo(ctx context.Context, fh *multipart.FileHeader, mode string) ([]FrameResult, error) {
	if s.Frames == nil {
		return nil, ErrVideoDisabled
	}
	ctx = context.WithoutCancel(ctx)

	videoPath, err := s.receiver.Save(fh)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	var results []FrameResult
	_, err = s.Frames.Extract(ctx, videoPath, s.Video.FPS, s.Video.FrameWidth, s.Video.MaxFrames,
		func(index int, frame []byte) error {
			framePath, err := s.receiver.SaveBytes(fmt.Sprintf("%s-frame%03d.jpg", stem, index), frame)
			if err != nil {
				return fmt.Errorf("store frame %d: %w", index, err)
			}
			res, err := s.analyzePath(ctx, framePath, mode)
			if err != nil {
				return err
			}
			results = append(results, FrameResult{Frame: index, Result: *res})
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("analyze video: %w", err)
	}
	return results, nil
}

func (s *Service) analyzePath(ctx context.Context, path, mode string) (*Result, error) {
	dets, err := s.classifier.Classify(ctx, classifier.Request{ImagePath: path, Mode: mode})
	if err != nil {
		observability.AnalysesTotal.WithLabelValues(failureOutcome(err)).Inc()
		return nil, err
	}
	if dets == nil {
		dets = []models.Detection{}
	}
	observability.DetectionsReturned.Add(float64(len(dets)))

	res := &Result{Path: path, Detections: dets}

	payload, err := json.Marshal(dets)
	if err != nil {
		return nil, fmt.Errorf("marshal detections: %w", err)
	}

	id, err := s.store.SaveDetection(ctx, path, payload)
	if err != nil {
		slog.Error("save detection", "error", err, "path", path)
		observability.AnalysesTotal.WithLabelValues("persist_error").Inc()
		return res, nil
	}
	res.DBID = &id

	s.archive(ctx, path)
	s.publish(ctx, models.DetectionEvent{
		ID:         id,
		ImagePath:  path,
		Mode:       mode,
		Detections: dets,
		Timestamp:  s.now().UTC(),
	})

	observability.AnalysesTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (s *Service) archive(ctx context.Context, path string) {
	if s.Archive == nil {
		return
	}
	key := storage.ArchiveKey(s.now(), path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.Archive.PutFile(ctx, key, path, contentType); err != nil {
		slog.Warn("archive upload", "error", err, "path", path, "key", key)
	}
}

func (s *Service) publish(ctx context.Context, event models.DetectionEvent) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishDetection(ctx, event); err != nil {
		slog.Warn("publish detection", "error", err, "id", event.ID)
	}
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, classifier.ErrInvalidOutput):
		return "invalid_output"
	case errors.Is(err, classifier.ErrExecution):
		return "classifier_error"
	default:
		return "error"
	}
}
