// Package events - Detection events: a SQLite history and a websocket feed.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nvr-ai/go-detect/detector"
)

// Event is one served prediction.
type Event struct {
	ID         string               `json:"id"`
	Time       time.Time            `json:"time"`
	Source     string               `json:"source"`
	ImageSize  [2]int               `json:"img_size"`
	Duration   time.Duration        `json:"duration_ns"`
	Detections []detector.Detection `json:"detections"`
}

// New stamps an event for detections made on an image of size [height, width]
// coming from source.
func New(source string, size [2]int, took time.Duration, detections []detector.Detection) Event {
	if detections == nil {
		detections = []detector.Detection{}
	}
	return Event{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		Source:     source,
		ImageSize:  size,
		Duration:   took,
		Detections: detections,
	}
}

// Classes returns the distinct class names in the event, in first-seen order.
func (e Event) Classes() []string {
	seen := make(map[string]bool, len(e.Detections))
	classes := make([]string, 0, len(e.Detections))
	for _, d := range e.Detections {
		if !seen[d.Class] {
			seen[d.Class] = true
			classes = append(classes, d.Class)
		}
	}
	return classes
}
