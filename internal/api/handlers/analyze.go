package handlers

import (
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/pkg/dto"
)

type AnalyzeHandler struct {
	svc *analysis.Service
}

func NewAnalyzeHandler(svc *analysis.Service) *AnalyzeHandler {
	return &AnalyzeHandler{svc: svc}
}

func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	fh := formFile(c, "image")
	if fh == nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "No image file provided"})
		return
	}
	mode, ok := bindMode(c)
	if !ok {
		return
	}

	res, err := h.svc.Analyze(c.Request.Context(), fh, mode)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.AnalyzeResponse{
		Message: "Analysis complete",
		Data:    res.Detections,
		DBID:    res.DBID,
	})
}

func (h *AnalyzeHandler) AnalyzeVideo(c *gin.Context) {
	fh := formFile(c, "video")
	if fh == nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "No video file provided"})
		return
	}
	mode, ok := bindMode(c)
	if !ok {
		return
	}

	frames, err := h.svc.AnalyzeVideo(c.Request.Context(), fh, mode)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.AnalyzeVideoResponse{
		Message: "Analysis complete",
		Frames:  make([]dto.FrameAnalysis, 0, len(frames)),
	}
	for _, f := range frames {
		resp.Frames = append(resp.Frames, dto.FrameAnalysis{
			Frame: f.Frame,
			Data:  f.Detections,
			DBID:  f.DBID,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// formFile returns nil when the request carries no usable file under field.
func formFile(c *gin.Context, field string) *multipart.FileHeader {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil
	}
	return fh
}

func bindMode(c *gin.Context) (string, bool) {
	var form dto.AnalyzeForm
	if err := c.ShouldBindWith(&form, binding.FormMultipart); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid mode",
			Details: "mode must be one of yolo, mediapipe",
		})
		return "", false
	}
	return form.Mode, true
}
