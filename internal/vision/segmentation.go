package vision

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

var ErrEmptyFrame = errors.New("empty frame")

// SegmentationParams tune the road-surface heuristic. HSV bounds follow
// OpenCV ranges (H 0-180, S and V 0-255).
type SegmentationParams struct {
	HSVLower   gocv.Scalar
	HSVUpper   gocv.Scalar
	KernelSize int
}

// DefaultSegmentationParams select low-saturation, mid-brightness pixels,
// which is what asphalt looks like under daylight.
func DefaultSegmentationParams() SegmentationParams {
	return SegmentationParams{
		HSVLower:   gocv.NewScalar(0, 0, 50, 0),
		HSVUpper:   gocv.NewScalar(180, 50, 200, 0),
		KernelSize: 5,
	}
}

type RoadSegmenter struct {
	params SegmentationParams
}

func NewRoadSegmenter(params SegmentationParams) *RoadSegmenter {
	if params.KernelSize <= 0 {
		params.KernelSize = DefaultSegmentationParams().KernelSize
	}
	return &RoadSegmenter{params: params}
}

// Segment returns a single-channel mask the size of frame with 255 on
// plausible road pixels. Vehicle boxes are added to the colour heuristic and
// non-vehicle boxes are carved out before a morphological opening. With no
// detections the mask is the colour heuristic alone. The caller owns the
// returned Mat.
func (s *RoadSegmenter) Segment(frame gocv.Mat, vehicles, nonVehicles []violation.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), ErrEmptyFrame
	}
	if frame.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("segment: expected 3-channel BGR frame, got %d channels", frame.Channels())
	}
	rows, cols := frame.Rows(), frame.Cols()
	bounds := image.Rect(0, 0, cols, rows)

	vehicleMask := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	defer vehicleMask.Close()
	vehicleMask.SetTo(gocv.NewScalar(0, 0, 0, 0))
	for _, v := range vehicles {
		fillRegion(&vehicleMask, v.Box.Rect().Intersect(bounds), 255)
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(frame, &hsv, gocv.ColorBGRToHSV)

	colorMask := gocv.NewMat()
	defer colorMask.Close()
	gocv.InRangeWithScalar(hsv, s.params.HSVLower, s.params.HSVUpper, &colorMask)

	union := gocv.NewMat()
	defer union.Close()
	gocv.BitwiseOr(vehicleMask, colorMask, &union)

	for _, nv := range nonVehicles {
		fillRegion(&union, nv.Box.Rect().Intersect(bounds), 0)
	}

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(s.params.KernelSize, s.params.KernelSize))
	defer kernel.Close()

	mask := gocv.NewMat()
	gocv.MorphologyEx(union, &mask, gocv.MorphOpen, kernel)
	return mask, nil
}

func fillRegion(m *gocv.Mat, r image.Rectangle, value float64) {
	if r.Empty() {
		return
	}
	roi := m.Region(r)
	roi.SetTo(gocv.NewScalar(value, 0, 0, 0))
	roi.Close()
}
