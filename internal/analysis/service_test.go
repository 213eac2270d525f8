package analysis

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/ingest"
	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/internal/upload"
)

type stubClassifier struct {
	mu    sync.Mutex
	dets  []models.Detection
	err   error
	calls []classifier.Request
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(_ context.Context, req classifier.Request) ([]models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.dets, s.err
}

type failingStore struct{}

func (failingStore) SaveDetection(context.Context, string, []byte) (int64, error) {
	return 0, errors.New("disk full")
}

func (failingStore) ListDetections(context.Context) ([]models.DetectionRecord, error) {
	return nil, nil
}

type recordingPublisher struct {
	events []models.DetectionEvent
}

func (r *recordingPublisher) PublishDetection(_ context.Context, e models.DetectionEvent) error {
	r.events = append(r.events, e)
	return nil
}

type recordingArchive struct {
	keys []string
	err  error
}

func (r *recordingArchive) PutFile(_ context.Context, key, _, _ string) error {
	r.keys = append(r.keys, key)
	return r.err
}

type fakeFrames struct {
	frames [][]byte
}

func (f fakeFrames) Extract(_ context.Context, _ string, _, _, maxFrames int, cb ingest.FrameCallback) (int, error) {
	n := 0
	for i, frame := range f.frames {
		if maxFrames > 0 && n >= maxFrames {
			break
		}
		if err := cb(i, frame); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func fileHeader(t *testing.T, field, name, content string) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	t.Cleanup(func() { req.MultipartForm.RemoveAll() })
	return req.MultipartForm.File[field][0]
}

func newSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAnalyzePersistsAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newSQLite(t)
	cls := &stubClassifier{dets: []models.Detection{{Type: "classification", ClassName: "Drive", Conf: 0.9}}}
	pub := &recordingPublisher{}
	arc := &recordingArchive{}

	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, store)
	svc.Publisher = pub
	svc.Archive = arc

	res, err := svc.Analyze(ctx, fileHeader(t, "image", "shot.jpg", "img"), classifier.ModeYOLO)
	require.NoError(t, err)
	require.NotNil(t, res.DBID)
	assert.Equal(t, cls.dets, res.Detections)
	assert.True(t, strings.HasSuffix(res.Path, "-shot.jpg"))

	require.Len(t, cls.calls, 1)
	assert.Equal(t, res.Path, cls.calls[0].ImagePath)
	assert.Equal(t, classifier.ModeYOLO, cls.calls[0].Mode)

	records, err := store.ListDetections(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, *res.DBID, records[0].ID)
	assert.Equal(t, res.Path, records[0].ImagePath)
	assert.JSONEq(t, `[{"type":"classification","class_name":"Drive","conf":0.9}]`, records[0].Results)

	require.Len(t, pub.events, 1)
	assert.Equal(t, *res.DBID, pub.events[0].ID)
	require.Len(t, arc.keys, 1)
	assert.True(t, strings.HasPrefix(arc.keys[0], "uploads/"))
}

func TestAnalyzeEmptyDetectionsStillPersisted(t *testing.T) {
	t.Parallel()

	store := newSQLite(t)
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), &stubClassifier{dets: []models.Detection{}}, store)

	res, err := svc.Analyze(context.Background(), fileHeader(t, "image", "x.png", "img"), "")
	require.NoError(t, err)
	require.NotNil(t, res.DBID)

	records, err := store.ListDetections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[]", records[0].Results)
}

func TestAnalyzePersistFailureStillReturnsResult(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	cls := &stubClassifier{dets: []models.Detection{{Type: "box", Conf: 0.5}}}
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, failingStore{})
	svc.Publisher = pub

	res, err := svc.Analyze(context.Background(), fileHeader(t, "image", "x.jpg", "img"), "")
	require.NoError(t, err)
	assert.Nil(t, res.DBID)
	assert.Len(t, res.Detections, 1)
	assert.Empty(t, pub.events, "unpersisted analyses are not announced")
}

func TestAnalyzeClassifierFailureWritesNothing(t *testing.T) {
	t.Parallel()

	store := newSQLite(t)
	cls := &stubClassifier{err: &classifier.ExecutionError{ExitCode: 1, Stderr: "boom"}}
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, store)

	_, err := svc.Analyze(context.Background(), fileHeader(t, "image", "x.jpg", "img"), "")
	assert.ErrorIs(t, err, classifier.ErrExecution)

	records, err := store.ListDetections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAnalyzeMissingFile(t *testing.T) {
	t.Parallel()

	cls := &stubClassifier{}
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, newSQLite(t))

	_, err := svc.Analyze(context.Background(), nil, "")
	assert.ErrorIs(t, err, upload.ErrMissingFile)
	assert.Empty(t, cls.calls)
}

func TestAnalyzeArchiveFailureIsIgnored(t *testing.T) {
	t.Parallel()

	svc := NewService(upload.NewReceiver(t.TempDir(), 0), &stubClassifier{dets: []models.Detection{}}, newSQLite(t))
	svc.Archive = &recordingArchive{err: errors.New("minio down")}

	res, err := svc.Analyze(context.Background(), fileHeader(t, "image", "x.jpg", "img"), "")
	require.NoError(t, err)
	assert.NotNil(t, res.DBID)
}

func TestAnalyzeVideo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newSQLite(t)
	cls := &stubClassifier{dets: []models.Detection{{Type: "classification", ClassName: "Sweep", Conf: 0.8}}}
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, store)
	svc.Frames = fakeFrames{frames: [][]byte{[]byte("f0"), []byte("f1"), []byte("f2")}}
	svc.Video = VideoOptions{FPS: 2, FrameWidth: 640, MaxFrames: 2}

	frames, err := svc.AnalyzeVideo(ctx, fileHeader(t, "video", "net-session.mp4", "vid"), classifier.ModeMediapipe)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].Frame)
	assert.Equal(t, 1, frames[1].Frame)
	assert.True(t, strings.HasSuffix(frames[1].Path, "-net-session-frame001.jpg"))

	records, err := store.ListDetections(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestAnalyzeVideoDisabled(t *testing.T) {
	t.Parallel()

	svc := NewService(upload.NewReceiver(t.TempDir(), 0), &stubClassifier{}, newSQLite(t))
	_, err := svc.AnalyzeVideo(context.Background(), fileHeader(t, "video", "v.mp4", "v"), "")
	assert.ErrorIs(t, err, ErrVideoDisabled)
}

func TestAnalyzeVideoStopsOnClassifierError(t *testing.T) {
	t.Parallel()

	cls := &stubClassifier{err: &classifier.OutputError{Raw: "{}", Reason: "expected a JSON array"}}
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), cls, newSQLite(t))
	svc.Frames = fakeFrames{frames: [][]byte{[]byte("f0"), []byte("f1")}}

	_, err := svc.AnalyzeVideo(context.Background(), fileHeader(t, "video", "v.mp4", "v"), "")
	assert.ErrorIs(t, err, classifier.ErrInvalidOutput)
	assert.Len(t, cls.calls, 1)
}

func TestAnalyzeSurvivesCallerCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	t.Parallel()

	script := filepath.Join(t.TempDir(), "classify.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\nsleep 0.5\necho '[{\"type\":\"classification\",\"class_name\":\"Drive\",\"conf\":0.8}]'\n"), 0o755))

	store := newSQLite(t)
	svc := NewService(upload.NewReceiver(t.TempDir(), 0), classifier.NewProcessClassifier(script, nil, 0), store)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	defer cancel()

	res, err := svc.Analyze(ctx, fileHeader(t, "image", "shot.jpg", "img"), "")
	require.NoError(t, err)
	require.NotNil(t, res.DBID)
	require.Len(t, res.Detections, 1)

	records, err := store.ListDetections(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, *res.DBID, records[0].ID)
}
