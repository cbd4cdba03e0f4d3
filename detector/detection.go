package detector

import (
	"image"
	"time"
)

// Box is a pixel-space bounding box ordered (y1, x1, y2, x2).
type Box [4]int

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b[1], b[0], b[3], b[2])
}

// Detection is one labeled box that passed the score threshold.
type Detection struct {
	Score     float32 `json:"score"`
	Box       Box     `json:"bb_o"`
	ImageSize [2]int  `json:"img_size"`
	Class     string  `json:"class"`
	ClassID   int     `json:"class_id"`
}

// Stats summarizes the forward passes a Detector has run.
type Stats struct {
	Inferences int64         `json:"inferences"`
	Failures   int64         `json:"failures"`
	Total      time.Duration `json:"total_ns"`
	Last       time.Duration `json:"last_ns"`
	Average    time.Duration `json:"average_ns"`
}

func (s *Stats) record(d time.Duration, err error) {
	s.Inferences++
	if err != nil {
		s.Failures++
	}
	s.Total += d
	s.Last = d
	s.Average = s.Total / time.Duration(s.Inferences)
}
