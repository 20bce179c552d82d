package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"traffic-violation-service/internal/domain/violation"
)

// ColorFormat is the channel layout an Engine expects for its input crop.
type ColorFormat int

const (
	FormatBGR ColorFormat = iota
	FormatRGB
	FormatGray
)

// Fragment is one piece of text recognised in a crop.
type Fragment struct {
	Text       string
	Confidence float64
}

// Engine recognises text in a single cropped plate image. Recognize may be
// called concurrently; implementations guard any non-reentrant state.
type Engine interface {
	Recognize(ctx context.Context, crop gocv.Mat) ([]Fragment, error)
	InputFormat() ColorFormat
	Close() error
}

// PlateReader crops plate detections out of a frame and reads them through an
// Engine, one goroutine per plate up to the configured limit.
type PlateReader struct {
	engine      Engine
	concurrency int
	log         zerolog.Logger
}

func NewPlateReader(engine Engine, concurrency int, log zerolog.Logger) *PlateReader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PlateReader{
		engine:      engine,
		concurrency: concurrency,
		log:         log,
	}
}

// Read returns one reading per plate, in the order of plates. An empty Text
// means no legible characters. Any engine error fails the whole call.
func (r *PlateReader) Read(ctx context.Context, frame gocv.Mat, plates []violation.Detection) ([]violation.PlateReading, error) {
	if len(plates) == 0 {
		return nil, nil
	}

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	readings := make([]violation.PlateReading, len(plates))

	// Crops are cut sequentially; the frame is not shared with workers.
	crops := make([]gocv.Mat, len(plates))
	cropped := make([]bool, len(plates))
	for i, p := range plates {
		readings[i] = violation.PlateReading{Box: p.Box}
		rect := p.Box.Rect().Intersect(bounds)
		if rect.Empty() {
			continue
		}
		crops[i] = r.prepare(frame, rect)
		cropped[i] = true
	}
	defer func() {
		for i := range crops {
			if cropped[i] {
				crops[i].Close()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range plates {
		if !cropped[i] {
			continue
		}
		i := i
		g.Go(func() error {
			fragments, err := r.engine.Recognize(gctx, crops[i])
			if err != nil {
				return fmt.Errorf("plate %d: %w", i, err)
			}
			readings[i].Text, readings[i].Confidence = JoinFragments(fragments)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn().Err(err).Int("plates", len(plates)).Msg("plate recognition failed")
		return nil, err
	}
	return readings, nil
}

func (r *PlateReader) prepare(frame gocv.Mat, rect image.Rectangle) gocv.Mat {
	roi := frame.Region(rect)
	defer roi.Close()

	crop := gocv.NewMat()
	switch r.engine.InputFormat() {
	case FormatGray:
		gocv.CvtColor(roi, &crop, gocv.ColorBGRToGray)
	case FormatRGB:
		gocv.CvtColor(roi, &crop, gocv.ColorBGRToRGB)
	default:
		roi.CopyTo(&crop)
	}
	return crop
}

// JoinFragments concatenates trimmed fragment texts with single spaces and
// averages their confidence.
func JoinFragments(fragments []Fragment) (string, float64) {
	parts := make([]string, 0, len(fragments))
	var sum float64
	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		sum += f.Confidence
	}
	if len(parts) == 0 {
		return "", 0
	}
	return strings.Join(parts, " "), sum / float64(len(parts))
}
