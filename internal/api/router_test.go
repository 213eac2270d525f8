package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/internal/auth"
	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/internal/upload"
	"github.com/your-org/cricket/pkg/dto"
)

type stubClassifier struct {
	dets []models.Detection
	err  error
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(context.Context, classifier.Request) ([]models.Detection, error) {
	return s.dets, s.err
}

type capturingMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *capturingMailer) SendPasswordReset(_ context.Context, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

func (m *capturingMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.links)
	link := m.links[len(m.links)-1]
	idx := strings.Index(link, "token=")
	require.GreaterOrEqual(t, idx, 0, link)
	return link[idx+len("token="):]
}

type testServer struct {
	router http.Handler
	cls    *stubClassifier
	mailer *capturingMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(context.Background(), filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cls := &stubClassifier{}
	mailer := &capturingMailer{}

	svc := analysis.NewService(upload.NewReceiver(filepath.Join(dir, "uploads"), 1<<20), cls, store)
	authSvc := auth.NewService(store, mailer, auth.Config{
		JWTSecret:    "test-secret",
		ResetURLBase: "http://localhost:5173/reset-password",
		BcryptCost:   bcrypt.MinCost,
	})

	router := NewRouter(RouterConfig{
		Analysis: svc,
		Store:    store,
		Auth:     authSvc,
	})
	return &testServer{router: router, cls: cls, mailer: mailer}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func multipartRequest(t *testing.T, path, field, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		fw, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func classID(i int) *int { return &i }

func TestAnalyzeStoresAndListsHistory(t *testing.T) {
	s := newTestServer(t)
	s.cls.dets = []models.Detection{
		{Type: "detection", ClassID: classID(1), ClassName: "Drive", Conf: 0.91, XYXY: []float64{1, 2, 3, 4}},
	}

	rec := s.do(t, multipartRequest(t, "/api/analyze", "image", "shot.jpg", []byte("jpeg"), map[string]string{"mode": "yolo"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[dto.AnalyzeResponse](t, rec)
	assert.Equal(t, "Analysis complete", resp.Message)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Drive", resp.Data[0].ClassName)
	require.NotNil(t, resp.DBID)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]dto.HistoryItem](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, *resp.DBID, history[0].ID)
	assert.True(t, strings.HasSuffix(history[0].ImagePath, "-shot.jpg"), history[0].ImagePath)
	assert.Contains(t, history[0].Results, `"class_name":"Drive"`)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[dto.AnalyticsResponse](t, rec)
	assert.Equal(t, 1, stats.TotalShots)
	assert.Equal(t, 1, stats.Hits)
	assert.InDelta(t, 1.0, stats.HitRate, 1e-9)
}

func TestAnalyzeEmptyDetections(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, multipartRequest(t, "/api/analyze", "image", "shot.jpg", []byte("jpeg"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		clsErr   error
		wantCode int
		wantErr  string
	}{
		{
			name: "missing file",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze", "", "", nil, map[string]string{"mode": "yolo"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "No image file provided",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("{}"))
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "No image file provided",
		},
		{
			name: "unknown mode",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze", "image", "a.jpg", []byte("x"), map[string]string{"mode": "sam"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "Invalid mode",
		},
		{
			name: "classifier crashed",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze", "image", "a.jpg", []byte("x"), nil)
			},
			clsErr:   &classifier.ExecutionError{ExitCode: 1, Stderr: "Traceback: boom"},
			wantCode: http.StatusInternalServerError,
			wantErr:  "Failed to process image",
		},
		{
			name: "classifier garbage",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze", "image", "a.jpg", []byte("x"), nil)
			},
			clsErr:   &classifier.OutputError{Raw: "nope", Reason: "not json"},
			wantCode: http.StatusInternalServerError,
			wantErr:  "Invalid response from model",
		},
		{
			name: "video without extractor",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze-video", "video", "a.mp4", []byte("x"), nil)
			},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "Video analysis is not configured",
		},
		{
			name: "video missing file",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/analyze-video", "", "", nil, nil)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "No video file provided",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.cls.err = tt.clsErr

			rec := s.do(t, tt.req(t))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decode[dto.ErrorResponse](t, rec).Error)
		})
	}
}

func TestAnalyzeExecutionErrorCarriesStderr(t *testing.T) {
	s := newTestServer(t)
	s.cls.err = &classifier.ExecutionError{ExitCode: 1, Stderr: "Traceback: boom"}

	rec := s.do(t, multipartRequest(t, "/api/analyze", "image", "a.jpg", []byte("x"), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Traceback: boom", decode[dto.ErrorResponse](t, rec).Details)
}

func TestEmptyHistory(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[dto.AnalyticsResponse](t, rec)
	assert.Zero(t, stats.TotalShots)
	assert.Zero(t, stats.HitRate)
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.postJSON(t, "/api/signup", `{"name":"Ada","email":"ada@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	signup := decode[dto.SignupResponse](t, rec)
	assert.Equal(t, "User created successfully", signup.Message)
	assert.Positive(t, signup.UserID)

	rec = s.postJSON(t, "/api/signup", `{"name":"Ada","email":"ada@example.com","password":"other"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Email already exists", decode[dto.ErrorResponse](t, rec).Error)

	rec = s.postJSON(t, "/api/login", `{"email":"ada@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid credentials", decode[dto.ErrorResponse](t, rec).Error)

	rec = s.postJSON(t, "/api/login", `{"email":"ada@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode[dto.LoginResponse](t, rec)
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, dto.UserResponse{ID: signup.UserID, Name: "Ada", Email: "ada@example.com"}, login.User)
	assert.NotContains(t, rec.Body.String(), "password")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = s.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, login.User, decode[dto.UserResponse](t, rec))

	rec = s.postJSON(t, "/api/forgot-password", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Password reset link has been sent per email.", decode[dto.MessageResponse](t, rec).Message)
	token := s.mailer.lastToken(t)

	rec = s.postJSON(t, "/api/reset-password", `{"token":"`+token+`","newPassword":"s3cure"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Password updated successfully", decode[dto.MessageResponse](t, rec).Message)

	// The token is single use.
	rec = s.postJSON(t, "/api/reset-password", `{"token":"`+token+`","newPassword":"again"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired token", decode[dto.ErrorResponse](t, rec).Error)

	rec = s.postJSON(t, "/api/login", `{"email":"ada@example.com","password":"s3cure"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountValidationMessages(t *testing.T) {
	tests := []struct {
		path    string
		body    string
		wantErr string
		code    int
	}{
		{"/api/signup", `{"name":"","email":"a@b.c","password":"x"}`, "All fields are required", http.StatusBadRequest},
		{"/api/login", `{"email":"a@b.c"}`, "Email and password required", http.StatusBadRequest},
		{"/api/forgot-password", `{"email":""}`, "Email is required", http.StatusBadRequest},
		{"/api/forgot-password", `{"email":"ghost@example.com"}`, "User not found", http.StatusNotFound},
		{"/api/reset-password", `{"token":"abc"}`, "Token and new password are required", http.StatusBadRequest},
		{"/api/reset-password", `{"token":"abc","newPassword":"x"}`, "Invalid or expired token", http.StatusBadRequest},
		{"/api/login", `{"email":`, "Invalid request body", http.StatusBadRequest},
		{"/api/login", `{"email":"a@b.c","password":"x","admin":true}`, "Invalid request body", http.StatusBadRequest},
	}

	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.path+" "+tt.wantErr, func(t *testing.T) {
			rec := s.postJSON(t, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decode[dto.ErrorResponse](t, rec).Error)
		})
	}
}

func TestMeRequiresSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSystemEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = s.do(t, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cricket_")
}
