package models

import (
	"encoding/json"
	"time"
)

// Detection is one classifier finding for an analysed image.
type Detection struct {
	Type      string          `json:"type"`
	ClassID   *int            `json:"class_id,omitempty"`
	ClassName string          `json:"class_name,omitempty"`
	Conf      float64         `json:"conf"`
	XYXY      []float64       `json:"xyxy,omitempty"` // x1, y1, x2, y2
	Keypoints json.RawMessage `json:"keypoints,omitempty"`
	Model     string          `json:"model,omitempty"`
}

// DetectionRecord is a persisted analysis. Results holds the serialized
// detection list exactly as stored.
type DetectionRecord struct {
	ID        int64     `json:"id" db:"id"`
	ImagePath string    `json:"image_path" db:"image_path"`
	Results   string    `json:"results" db:"results"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Detections decodes the stored results.
func (r DetectionRecord) Detections() ([]Detection, error) {
	var out []Detection
	if err := json.Unmarshal([]byte(r.Results), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DetectionEvent is published after an analysis has been persisted.
type DetectionEvent struct {
	ID         int64       `json:"id"`
	ImagePath  string      `json:"image_path"`
	Mode       string      `json:"mode,omitempty"`
	Detections []Detection `json:"detections"`
	Timestamp  time.Time   `json:"timestamp"`
}
