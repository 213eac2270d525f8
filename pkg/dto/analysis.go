package dto

import (
	"time"

	"github.com/your-org/cricket/internal/models"
)

// AnalyzeForm is the multipart body of POST /api/analyze and
// POST /api/analyze-video next to the file field.
type AnalyzeForm struct {
	Mode string `form:"mode" binding:"omitempty,oneof=yolo mediapipe"`
}

type AnalyzeResponse struct {
	Message string             `json:"message"`
	Data    []models.Detection `json:"data"`
	DBID    *int64             `json:"db_id"`
}

type FrameAnalysis struct {
	Frame int                `json:"frame"`
	Data  []models.Detection `json:"data"`
	DBID  *int64             `json:"db_id"`
}

type AnalyzeVideoResponse struct {
	Message string          `json:"message"`
	Frames  []FrameAnalysis `json:"frames"`
}

// HistoryItem mirrors a stored detection row; Results is the raw
// serialized detection list.
type HistoryItem struct {
	ID        int64     `json:"id"`
	ImagePath string    `json:"image_path"`
	Results   string    `json:"results"`
	Timestamp time.Time `json:"timestamp"`
}

type ShotCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type AnalyticsResponse struct {
	TotalShots       int         `json:"total_shots"`
	Hits             int         `json:"hits"`
	HitRate          float64     `json:"hit_rate"`
	ShotDistribution []ShotCount `json:"shot_distribution"`
}

// WSEvent is pushed to websocket clients for every persisted analysis.
type WSEvent struct {
	Type       string             `json:"type"`
	ID         int64              `json:"id"`
	ImagePath  string             `json:"image_path"`
	Mode       string             `json:"mode,omitempty"`
	Detections []models.Detection `json:"detections"`
	Timestamp  time.Time          `json:"timestamp"`
}

func NewWSEvent(e models.DetectionEvent) *WSEvent {
	return &WSEvent{
		Type:       "detection",
		ID:         e.ID,
		ImagePath:  e.ImagePath,
		Mode:       e.Mode,
		Detections: e.Detections,
		Timestamp:  e.Timestamp,
	}
}
