package images

import (
	"image"

	"github.com/nfnt/resize"
)

// Fit downscales img so neither side exceeds maxSide, keeping the aspect
// ratio. Images that already fit, and a maxSide <= 0, are returned as is.
func Fit(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	return resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
}
