package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/internal/auth"
	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/upload"
	"github.com/your-org/cricket/pkg/dto"
)

// respondError translates a failure into its HTTP status and JSON body.
func respondError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"error", err,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"request_id", c.GetString(RequestIDKey),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, dto.ErrorResponse) {
	var (
		validation *auth.ValidationError
		execErr    *classifier.ExecutionError
	)

	switch {
	case errors.Is(err, upload.ErrMissingFile):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "No image file provided"}
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "File too large"}

	case errors.As(err, &execErr):
		details := execErr.Stderr
		if details == "" {
			details = execErr.Error()
		}
		return http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process image", Details: details}
	case errors.Is(err, classifier.ErrInvalidOutput):
		return http.StatusInternalServerError, dto.ErrorResponse{Error: "Invalid response from model"}
	case errors.Is(err, analysis.ErrVideoDisabled):
		return http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Video analysis is not configured"}

	case errors.As(err, &validation):
		return http.StatusBadRequest, dto.ErrorResponse{Error: validation.Message}
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "Email already exists"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid credentials"}
	case errors.Is(err, auth.ErrAccountNotFound):
		return http.StatusNotFound, dto.ErrorResponse{Error: "User not found"}
	case errors.Is(err, auth.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid or expired token"}
	case errors.Is(err, auth.ErrDeliveryFailed):
		return http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to send email. Check server logs."}
	case errors.Is(err, errBadRequestBody):
		return http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Details: errors.Unwrap(err).Error()}
	}

	return http.StatusInternalServerError, dto.ErrorResponse{Error: "Server error"}
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"
