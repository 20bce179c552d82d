package detection

import (
	"context"
	"errors"

	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

var ErrModelNotLoaded = errors.New("detection model not loaded")

// Detector runs object detection on one BGR frame. Implementations must not
// retain frame after returning.
type Detector interface {
	Detect(ctx context.Context, frame gocv.Mat) ([]violation.Detection, error)
	Close() error
}
