// Package images - Image arrays handed to the detector and the conversions around them.
//
// An image array is a *tensor.Dense of shape (height, width, 3) backed by
// []uint8, channels in red-green-blue order unless stated otherwise.
package images

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Channels is the number of color channels in an image array.
const Channels = 3

// ErrShape is returned when an array is not a (height, width, 3) uint8 array.
var ErrShape = errors.New("image array must be (height, width, 3) uint8")

// New wraps interleaved pixel bytes in an image array without copying.
//
// Arguments:
//   - height: The image height in pixels.
//   - width: The image width in pixels.
//   - pix: height*width*3 bytes in row-major, channel-interleaved order.
//
// Returns:
//   - *tensor.Dense: The image array.
//   - error: ErrShape if the byte count does not match the dimensions.
func New(height, width int, pix []uint8) (*tensor.Dense, error) {
	if height <= 0 || width <= 0 || len(pix) != height*width*Channels {
		return nil, errors.Wrapf(ErrShape, "got %d bytes for %dx%d", len(pix), width, height)
	}
	return tensor.New(tensor.WithShape(height, width, Channels), tensor.WithBacking(pix)), nil
}

// Dims returns the height and width of an image array.
func Dims(t *tensor.Dense) (height, width int, err error) {
	if t == nil {
		return 0, 0, errors.Wrap(ErrShape, "nil array")
	}
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != Channels {
		return 0, 0, errors.Wrapf(ErrShape, "got shape %v", shape)
	}
	if t.Dtype() != tensor.Uint8 {
		return 0, 0, errors.Wrapf(ErrShape, "got dtype %v", t.Dtype())
	}
	return shape[0], shape[1], nil
}

// Pixels returns the backing bytes of an image array.
func Pixels(t *tensor.Dense) ([]uint8, error) {
	if _, _, err := Dims(t); err != nil {
		return nil, err
	}
	pix, ok := t.Data().([]uint8)
	if !ok {
		return nil, errors.Wrapf(ErrShape, "unexpected backing %T", t.Data())
	}
	return pix, nil
}

// ToBGR returns the pixels of an RGB image array with the first and third
// channels swapped. The input array is not modified.
//
// Arguments:
//   - t: An RGB image array.
//
// Returns:
//   - []uint8: BGR bytes, same layout as the input.
//   - int: The height.
//   - int: The width.
//   - error: ErrShape if t is not an image array.
func ToBGR(t *tensor.Dense) ([]uint8, int, int, error) {
	height, width, err := Dims(t)
	if err != nil {
		return nil, 0, 0, err
	}
	pix, err := Pixels(t)
	if err != nil {
		return nil, 0, 0, err
	}

	out := make([]uint8, len(pix))
	for i := 0; i+2 < len(pix); i += Channels {
		out[i] = pix[i+2]
		out[i+1] = pix[i+1]
		out[i+2] = pix[i]
	}
	return out, height, width, nil
}

// FromImage converts any image.Image into an RGB image array. Alpha is dropped.
func FromImage(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	pix := make([]uint8, height*width*Channels)

	if rgba, ok := img.(*image.RGBA); ok {
		i := 0
		for y := 0; y < height; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+width*4]
			for x := 0; x < width; x++ {
				pix[i], pix[i+1], pix[i+2] = row[x*4], row[x*4+1], row[x*4+2]
				i += Channels
			}
		}
	} else {
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				pix[i], pix[i+1], pix[i+2] = uint8(r>>8), uint8(g>>8), uint8(b>>8)
				i += Channels
			}
		}
	}

	return tensor.New(tensor.WithShape(height, width, Channels), tensor.WithBacking(pix))
}
