package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/your-org/cricket/internal/models"
)

// ParseOutput validates classifier stdout and decodes it into detections.
// Anything other than a JSON array of well-formed detections is rejected,
// including the {"error": ...} object some scripts print with exit code 0.
func ParseOutput(raw []byte) ([]models.Detection, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &OutputError{Raw: string(raw), Reason: "empty output"}
	}
	if trimmed[0] != '[' {
		return nil, &OutputError{Raw: string(raw), Reason: "expected a JSON array"}
	}

	var dets []models.Detection
	if err := json.Unmarshal(trimmed, &dets); err != nil {
		return nil, &OutputError{Raw: string(raw), Reason: err.Error()}
	}
	if err := ValidateDetections(dets); err != nil {
		return nil, &OutputError{Raw: string(raw), Reason: err.Error()}
	}
	if dets == nil {
		dets = []models.Detection{}
	}
	return dets, nil
}

// ValidateDetections checks the fields every consumer relies on.
func ValidateDetections(dets []models.Detection) error {
	for i, d := range dets {
		if d.Type == "" {
			return fmt.Errorf("detection %d: missing type", i)
		}
		if math.IsNaN(d.Conf) || d.Conf < 0 || d.Conf > 1 {
			return fmt.Errorf("detection %d: conf %v out of range", i, d.Conf)
		}
		if d.XYXY != nil && len(d.XYXY) != 4 {
			return fmt.Errorf("detection %d: xyxy has %d values", i, len(d.XYXY))
		}
	}
	return nil
}
