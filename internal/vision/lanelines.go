package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

// LineParams configure edge detection and the probabilistic Hough transform.
// Defaults favour short, noisy segments.
type LineParams struct {
	BlurKernel    int
	CannyLow      float32
	CannyHigh     float32
	Rho           float32
	Theta         float32
	Threshold     int
	MinLineLength float32
	MaxLineGap    float32
	// MinExtent rejects segments whose horizontal and vertical extents are
	// both below it.
	MinExtent int
}

func DefaultLineParams() LineParams {
	return LineParams{
		BlurKernel:    5,
		CannyLow:      50,
		CannyHigh:     150,
		Rho:           1,
		Theta:         math.Pi / 180,
		Threshold:     30,
		MinLineLength: 20,
		MaxLineGap:    10,
		MinExtent:     10,
	}
}

type LaneLineExtractor struct {
	params LineParams
}

func NewLaneLineExtractor(params LineParams) *LaneLineExtractor {
	if params.BlurKernel <= 0 || params.BlurKernel%2 == 0 {
		params.BlurKernel = DefaultLineParams().BlurKernel
	}
	return &LaneLineExtractor{params: params}
}

// Extract finds candidate lane boundaries inside roadMask. Edges outside the
// mask are removed before line fitting, so no segment lies wholly off-road.
func (e *LaneLineExtractor) Extract(frame, roadMask gocv.Mat) ([]violation.LaneLine, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}
	if roadMask.Rows() != frame.Rows() || roadMask.Cols() != frame.Cols() {
		return nil, fmt.Errorf("lane lines: mask %dx%d does not match frame %dx%d",
			roadMask.Cols(), roadMask.Rows(), frame.Cols(), frame.Rows())
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() == 1 {
		frame.CopyTo(&gray)
	} else {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := e.params.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, e.params.CannyLow, e.params.CannyHigh)

	masked := gocv.NewMat()
	defer masked.Close()
	gocv.BitwiseAnd(edges, roadMask, &masked)

	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLinesPWithParams(masked, &lines, e.params.Rho, e.params.Theta,
		e.params.Threshold, e.params.MinLineLength, e.params.MaxLineGap)

	segments := make([]violation.LaneLine, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		v := lines.GetVeciAt(i, 0)
		if len(v) < 4 {
			continue
		}
		segments = append(segments, violation.LaneLine{
			X1: int(v[0]), Y1: int(v[1]), X2: int(v[2]), Y2: int(v[3]),
		})
	}
	return DropShortSegments(segments, e.params.MinExtent), nil
}

// DropShortSegments removes segments whose |dx| and |dy| are both below minExtent.
func DropShortSegments(segments []violation.LaneLine, minExtent int) []violation.LaneLine {
	out := segments[:0]
	for _, s := range segments {
		if abs(s.X2-s.X1) < minExtent && abs(s.Y2-s.Y1) < minExtent {
			continue
		}
		out = append(out, s)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
