package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

var (
	laneLineColor  = color.RGBA{R: 255, G: 255, B: 0, A: 0}
	neutralColor   = color.RGBA{R: 0, G: 200, B: 0, A: 0}
	violationColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}
)

// Annotate returns a copy of frame with lane lines drawn first and vehicle
// boxes on top, coloured by their violation outcome. The caller owns the result.
func Annotate(frame gocv.Mat, lines []violation.LaneLine, outcomes []violation.VehicleOutcome) gocv.Mat {
	out := frame.Clone()
	for _, l := range lines {
		gocv.Line(&out, image.Pt(l.X1, l.Y1), image.Pt(l.X2, l.Y2), laneLineColor, 2)
	}
	for _, o := range outcomes {
		c := neutralColor
		if o.Violating {
			c = violationColor
		}
		rect := o.Detection.Box.Rect()
		gocv.Rectangle(&out, rect, c, 2)

		label := fmt.Sprintf("%d %.2f", o.Detection.ClassID, o.Detection.Confidence)
		if o.LaneID > 0 {
			label = fmt.Sprintf("L%d %s", o.LaneID, label)
		}
		org := image.Pt(rect.Min.X, rect.Min.Y-5)
		if org.Y < 10 {
			org.Y = rect.Min.Y + 15
		}
		gocv.PutText(&out, label, org, gocv.FontHersheySimplex, 0.5, c, 1)
	}
	return out
}
