// Package analytics derives shot statistics from the detection history.
package analytics

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/your-org/cricket/internal/models"
)

// HitThreshold is the confidence a record's first detection must exceed to
// count as a hit.
const HitThreshold = 0.7

// DefaultShotTypes are always present in the distribution, in this order.
var DefaultShotTypes = []string{"Sweep", "Drive", "Pullshot", "Leg Glance-Flick"}

const unknownShot = "Unknown"

type ShotCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Summary struct {
	TotalShots       int         `json:"total_shots"`
	Hits             int         `json:"hits"`
	HitRate          float64     `json:"hit_rate"`
	ShotDistribution []ShotCount `json:"shot_distribution"`
}

// firstDetection is the subset of a stored detection analytics reads.
type firstDetection struct {
	ClassID   *int    `json:"class_id"`
	ClassName string  `json:"class_name"`
	Conf      float64 `json:"conf"`
}

// Summarize counts every record toward TotalShots; records whose results
// cannot be decoded or hold no detections add nothing else.
func Summarize(records []models.DetectionRecord) Summary {
	counts := make(map[string]int, len(DefaultShotTypes))
	for _, name := range DefaultShotTypes {
		counts[name] = 0
	}

	hits := 0
	for _, r := range records {
		var dets []firstDetection
		if err := json.Unmarshal([]byte(r.Results), &dets); err != nil || len(dets) == 0 {
			continue
		}
		first := dets[0]
		counts[ShotName(first.ClassName, first.ClassID)]++
		if first.Conf > HitThreshold {
			hits++
		}
	}

	s := Summary{
		TotalShots:       len(records),
		Hits:             hits,
		ShotDistribution: distribution(counts),
	}
	if s.TotalShots > 0 {
		s.HitRate = float64(hits) / float64(s.TotalShots)
	}
	return s
}

// ShotName resolves a detection's display name from its class name, then
// its class id, falling back to "Unknown".
func ShotName(className string, classID *int) string {
	if name := strings.TrimSpace(className); name != "" {
		return name
	}
	if classID != nil && *classID >= 0 && *classID < len(DefaultShotTypes) {
		return DefaultShotTypes[*classID]
	}
	return unknownShot
}

func distribution(counts map[string]int) []ShotCount {
	out := make([]ShotCount, 0, len(counts))
	seen := make(map[string]bool, len(DefaultShotTypes))
	for _, name := range DefaultShotTypes {
		out = append(out, ShotCount{Name: name, Count: counts[name]})
		seen[name] = true
	}

	var rest []string
	for name := range counts {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, ShotCount{Name: name, Count: counts[name]})
	}
	return out
}
