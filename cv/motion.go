package cv

import (
	"image"

	"gocv.io/x/gocv"
)

// MotionConfig tunes the motion gate.
type MotionConfig struct {
	// MinArea is the contour area, in pixels, that counts as motion.
	MinArea float64 `json:"min_area" yaml:"min_area"`
	// Threshold is the foreground mask cutoff in [0, 255].
	Threshold float32 `json:"threshold" yaml:"threshold"`
	// KernelSize is the side of the square dilation kernel.
	KernelSize int `json:"kernel_size" yaml:"kernel_size"`
}

// DefaultMotionConfig returns settings that ignore sensor noise on a 720p stream.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		MinArea:    3000,
		Threshold:  25,
		KernelSize: 3,
	}
}

// MotionSegmenter finds moving regions in consecutive frames with MOG2
// background subtraction, thresholding, dilation and external contours.
//
// It keeps a background model across frames, so use one per stream. Always
// call Close to release native resources.
type MotionSegmenter struct {
	cfg        MotionConfig
	delta      gocv.Mat
	mask       gocv.Mat
	kernel     gocv.Mat
	background gocv.BackgroundSubtractorMOG2
}

// NewMotionSegmenter builds a segmenter. Zero config fields take the defaults.
func NewMotionSegmenter(cfg MotionConfig) *MotionSegmenter {
	def := DefaultMotionConfig()
	if cfg.MinArea <= 0 {
		cfg.MinArea = def.MinArea
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.KernelSize <= 0 {
		cfg.KernelSize = def.KernelSize
	}

	return &MotionSegmenter{
		cfg:        cfg,
		delta:      gocv.NewMat(),
		mask:       gocv.NewMat(),
		kernel:     gocv.GetStructuringElement(gocv.MorphRect, image.Pt(cfg.KernelSize, cfg.KernelSize)),
		background: gocv.NewBackgroundSubtractorMOG2(),
	}
}

// Regions feeds frame into the background model and returns the bounding
// rectangles of moving regions at least MinArea large.
func (m *MotionSegmenter) Regions(frame gocv.Mat) ([]image.Rectangle, error) {
	if err := m.background.Apply(frame, &m.delta); err != nil {
		return nil, err
	}
	gocv.Threshold(m.delta, &m.mask, m.cfg.Threshold, 255, gocv.ThresholdBinary)
	if err := gocv.Dilate(m.mask, &m.mask, m.kernel); err != nil {
		return nil, err
	}

	contours := gocv.FindContours(m.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var regions []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) >= m.cfg.MinArea {
			regions = append(regions, gocv.BoundingRect(contours.At(i)))
		}
	}
	return regions, nil
}

// Close releases the segmenter's native resources.
func (m *MotionSegmenter) Close() {
	m.delta.Close()
	m.mask.Close()
	m.kernel.Close()
	m.background.Close()
}
