package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/your-org/cricket/internal/models"
)

// maxResponseBytes bounds how much of a classifier service response is read.
const maxResponseBytes = 8 << 20

// HTTPClassifier posts the image to a remote prediction service that accepts
// multipart field "file" plus "mode" and answers {message, data, db_id}.
type HTTPClassifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPClassifier) Name() string { return "http" }

type predictResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *HTTPClassifier) Classify(ctx context.Context, req Request) ([]models.Detection, error) {
	body, contentType, err := buildPredictForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create predict request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &ExecutionError{ExitCode: -1, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ExecutionError{ExitCode: resp.StatusCode, Err: fmt.Errorf("read predict response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("classifier service failed",
			"url", h.URL,
			"status", resp.StatusCode,
			"body", truncate(string(raw)),
		)
		return nil, &ExecutionError{ExitCode: resp.StatusCode, Stderr: string(raw)}
	}

	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, &OutputError{Raw: string(raw), Reason: err.Error()}
	}

	dets, err := ParseOutput(pr.Data)
	if err != nil {
		slog.Error("classifier output rejected", "error", err, "image", req.ImagePath, "raw", truncate(string(raw)))
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}
	return dets, nil
}

func buildPredictForm(req Request) (io.Reader, string, error) {
	f, err := os.Open(req.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(req.ImagePath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy image: %w", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeYOLO
	}
	if err := w.WriteField("mode", mode); err != nil {
		return nil, "", fmt.Errorf("write mode field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
