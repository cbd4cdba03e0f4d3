// Package cv adapts OpenCV Mats and camera streams to the detector.
//
// Everything that links against OpenCV lives here so the detector itself
// builds without it.
package cv

import (
	"crypto/md5"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/images"
)

// FromMat converts an OpenCV BGR Mat (as returned by gocv.IMRead,
// gocv.IMDecode or a VideoCapture) into an RGB image array. The Mat is left
// untouched.
//
// Arguments:
//   - mat: A non-empty 8-bit, 3-channel BGR Mat.
//
// Returns:
//   - *tensor.Dense: The RGB image array.
//   - error: images.ErrShape if the Mat is empty or not CV8UC3.
func FromMat(mat gocv.Mat) (*tensor.Dense, error) {
	if mat.Empty() {
		return nil, errors.Wrap(images.ErrShape, "empty mat")
	}
	if mat.Type() != gocv.MatTypeCV8UC3 {
		return nil, errors.Wrapf(images.ErrShape, "mat type %v", mat.Type())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	// ToBytes copies out of the native buffer, so the array outlives rgb.
	return images.New(rgb.Rows(), rgb.Cols(), rgb.ToBytes())
}

// FitMat shrinks mat in place so its longer side is at most maxSide. A
// maxSide <= 0 leaves it alone.
func FitMat(mat *gocv.Mat, maxSide int) {
	if maxSide <= 0 {
		return
	}
	longest := mat.Cols()
	if mat.Rows() > longest {
		longest = mat.Rows()
	}
	if longest <= maxSide {
		return
	}
	scale := float64(maxSide) / float64(longest)

	resized := gocv.NewMat()
	gocv.Resize(*mat, &resized, image.Point{}, scale, scale, gocv.InterpolationArea)
	mat.Close()
	*mat = resized
}

// Checksum returns a hex digest of the Mat's pixels, used to skip frames a
// stalled stream repeats.
func Checksum(mat gocv.Mat) string {
	if mat.Empty() {
		return "empty"
	}
	sum := md5.Sum(mat.ToBytes())
	return fmt.Sprintf("%x", sum)
}
