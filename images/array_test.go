package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestNew(t *testing.T) {
	arr, err := New(2, 3, make([]uint8, 2*3*3))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 3}, arr.Shape())

	_, err = New(2, 3, make([]uint8, 5))
	assert.Equal(t, ErrShape, errors.Cause(err))

	_, err = New(0, 3, nil)
	assert.Equal(t, ErrShape, errors.Cause(err))
}

func TestDims(t *testing.T) {
	tests := []struct {
		name    string
		arr     *tensor.Dense
		wantErr bool
	}{
		{name: "valid", arr: tensor.New(tensor.WithShape(4, 5, 3), tensor.WithBacking(make([]uint8, 60)))},
		{name: "two channels", arr: tensor.New(tensor.WithShape(4, 5, 2), tensor.WithBacking(make([]uint8, 40))), wantErr: true},
		{name: "flat", arr: tensor.New(tensor.WithShape(60), tensor.WithBacking(make([]uint8, 60))), wantErr: true},
		{name: "float pixels", arr: tensor.New(tensor.WithShape(4, 5, 3), tensor.WithBacking(make([]float32, 60))), wantErr: true},
		{name: "nil", arr: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, w, err := Dims(tt.arr)
			if tt.wantErr {
				assert.Equal(t, ErrShape, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 4, h)
			assert.Equal(t, 5, w)
		})
	}
}

func TestToBGR(t *testing.T) {
	pix := []uint8{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	arr, err := New(2, 2, pix)
	require.NoError(t, err)

	bgr, h, w, err := ToBGR(arr)
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, w)
	assert.Equal(t, []uint8{
		3, 2, 1, 6, 5, 4,
		9, 8, 7, 12, 11, 10,
	}, bgr)

	// the caller's array is left in RGB order
	assert.Equal(t, uint8(1), pix[0])
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{R: 255, G: 10, B: 20, A: 255})
	img.Set(2, 1, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	arr := FromImage(img)
	assert.Equal(t, tensor.Shape{2, 3, 3}, arr.Shape())

	pix, err := Pixels(arr)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 10, 20}, pix[0:3])
	assert.Equal(t, []uint8{1, 2, 3}, pix[len(pix)-3:])

	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	gray.Set(1, 1, color.Gray{Y: 200})
	pix, err = Pixels(FromImage(gray))
	require.NoError(t, err)
	assert.Equal(t, []uint8{200, 200, 200}, pix[9:12])
}

func TestFit(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))

	assert.Same(t, img, Fit(img, 0))
	assert.Same(t, img, Fit(img, 800))

	fitted := Fit(img, 200)
	assert.Equal(t, 200, fitted.Bounds().Dx())
	assert.Equal(t, 100, fitted.Bounds().Dy())
}
