package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/internal/auth"
	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/upload"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"missing file", upload.ErrMissingFile, http.StatusBadRequest, "No image file provided"},
		{"too large", fmt.Errorf("save: %w", upload.ErrTooLarge), http.StatusBadRequest, "File too large"},
		{"wrapped execution", fmt.Errorf("analyze video: %w", &classifier.ExecutionError{ExitCode: 2}), http.StatusInternalServerError, "Failed to process image"},
		{"invalid output", &classifier.OutputError{Reason: "x"}, http.StatusInternalServerError, "Invalid response from model"},
		{"video disabled", analysis.ErrVideoDisabled, http.StatusServiceUnavailable, "Video analysis is not configured"},
		{"validation", &auth.ValidationError{Message: "Email is required"}, http.StatusBadRequest, "Email is required"},
		{"duplicate", auth.ErrDuplicateEmail, http.StatusBadRequest, "Email already exists"},
		{"credentials", auth.ErrInvalidCredentials, http.StatusBadRequest, "Invalid credentials"},
		{"not found", auth.ErrAccountNotFound, http.StatusNotFound, "User not found"},
		{"token", auth.ErrInvalidOrExpiredToken, http.StatusBadRequest, "Invalid or expired token"},
		{"delivery", fmt.Errorf("send: %w", auth.ErrDeliveryFailed), http.StatusInternalServerError, "Failed to send email. Check server logs."},
		{"bad body", &badBody{cause: errors.New("unexpected EOF")}, http.StatusBadRequest, "Invalid request body"},
		{"unknown", errors.New("database is locked"), http.StatusInternalServerError, "Server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMessage, body.Error)
		})
	}
}

func TestClassifyExecutionDetails(t *testing.T) {
	_, body := classify(&classifier.ExecutionError{ExitCode: 1, Stderr: "ModuleNotFoundError: ultralytics"})
	assert.Equal(t, "ModuleNotFoundError: ultralytics", body.Details)

	_, body = classify(&classifier.ExecutionError{ExitCode: -1, Err: errors.New("exec: not found")})
	assert.NotEmpty(t, body.Details)
}

func TestClassifyHidesInternalErrors(t *testing.T) {
	_, body := classify(errors.New("pq: password authentication failed"))
	assert.Empty(t, body.Details)
}
