package cv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/detector"
)

// BoxColor is the default outline color, green in BGR order.
var BoxColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// DrawDetections outlines each detection on mat and writes its class and
// score above the box, or inside it when the box touches the top edge.
func DrawDetections(mat *gocv.Mat, detections []detector.Detection, c color.RGBA) {
	for _, det := range detections {
		rect := det.Box.Rect()
		gocv.Rectangle(mat, rect, c, 2)

		label := fmt.Sprintf("%s %.2f", det.Class, det.Score)
		origin := image.Pt(rect.Min.X, rect.Min.Y-4)
		if origin.Y < 12 {
			origin.Y = rect.Min.Y + 14
		}
		gocv.PutText(mat, label, origin, gocv.FontHersheySimplex, 0.5, c, 1)
	}
}
