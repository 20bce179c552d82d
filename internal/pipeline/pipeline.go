package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"traffic-violation-service/internal/detection"
	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/evaluator"
	"traffic-violation-service/internal/lanes"
	"traffic-violation-service/internal/vision"
)

// DefaultThreshold applies while no lane configuration has been published.
const DefaultThreshold = 0.5

var ErrFrameTimeout = errors.New("frame processing timed out")

// PlateReader reads the text of plate detections in a frame.
type PlateReader interface {
	Read(ctx context.Context, frame gocv.Mat, plates []violation.Detection) ([]violation.PlateReading, error)
}

// ConfigSource hands out the lane configuration in force. Nil means none.
type ConfigSource interface {
	Snapshot() *lanes.Configuration
}

// Result is the output of one frame. The caller owns Annotated and must
// Close the result.
type Result struct {
	Annotated  gocv.Mat
	Violations []violation.Record
	Outcomes   []violation.VehicleOutcome
	LaneLines  []violation.LaneLine
	Detections int
}

func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	return r.Annotated.Close()
}

type Components struct {
	Detector  detection.Detector
	Plates    PlateReader
	Lanes     ConfigSource
	Taxonomy  violation.Taxonomy
	Evaluator *evaluator.Evaluator
	Segmenter *vision.RoadSegmenter
	Extractor *vision.LaneLineExtractor
	// FrameTimeout bounds one frame. Zero disables the deadline.
	FrameTimeout time.Duration
}

// Pipeline turns one captured frame into an annotated frame plus the
// violations found in it.
type Pipeline struct {
	detector  detection.Detector
	plates    PlateReader
	lanes     ConfigSource
	filter    *detection.Filter
	evaluator *evaluator.Evaluator
	segmenter *vision.RoadSegmenter
	extractor *vision.LaneLineExtractor
	timeout   time.Duration
	log       zerolog.Logger
}

func New(c Components, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		detector:  c.Detector,
		plates:    c.Plates,
		lanes:     c.Lanes,
		filter:    detection.NewFilter(c.Taxonomy),
		evaluator: c.Evaluator,
		segmenter: c.Segmenter,
		extractor: c.Extractor,
		timeout:   c.FrameTimeout,
		log:       log,
	}
	if p.evaluator == nil {
		p.evaluator = evaluator.New(c.Taxonomy, evaluator.DefaultFramesDir)
	}
	if p.segmenter == nil {
		p.segmenter = vision.NewRoadSegmenter(vision.DefaultSegmentationParams())
	}
	if p.extractor == nil {
		p.extractor = vision.NewLaneLineExtractor(vision.DefaultLineParams())
	}
	return p
}

type outcome struct {
	res *Result
	err error
}

// Process runs one frame. With a frame timeout the work happens on a clone
// of frame; an abandoned frame finishes in the background and its result is
// discarded.
func (p *Pipeline) Process(ctx context.Context, frame gocv.Mat) (*Result, error) {
	if p.timeout <= 0 {
		return p.process(ctx, frame)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	owned := frame.Clone()
	done := make(chan outcome, 1)
	go func() {
		defer owned.Close()
		res, err := p.process(ctx, owned)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		go func() {
			o := <-done
			o.res.Close()
		}()
		return nil, fmt.Errorf("%w after %s", ErrFrameTimeout, p.timeout)
	}
}

func (p *Pipeline) process(ctx context.Context, frame gocv.Mat) (*Result, error) {
	if frame.Empty() {
		return nil, vision.ErrEmptyFrame
	}

	// Read once so the whole frame is judged against one configuration.
	var cfg *lanes.Configuration
	if p.lanes != nil {
		cfg = p.lanes.Snapshot()
	}
	threshold := DefaultThreshold
	if cfg != nil {
		threshold = cfg.DetectionThreshold
	}

	detections, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	parts := p.filter.Split(detections, threshold)

	mask, err := p.segmenter.Segment(frame, parts.Vehicles, parts.NonVehicles)
	if err != nil {
		return nil, fmt.Errorf("segment road: %w", err)
	}
	defer mask.Close()

	lines, err := p.extractor.Extract(frame, mask)
	if err != nil {
		return nil, fmt.Errorf("extract lane lines: %w", err)
	}

	readings, err := p.readPlates(ctx, frame, parts.Plates)
	if err != nil {
		return nil, fmt.Errorf("read plates: %w", err)
	}

	eval := p.evaluator.Evaluate(parts.Vehicles, cfg, readings)

	res := &Result{
		Annotated:  vision.Annotate(frame, lines, eval.Outcomes),
		Violations: eval.Violations,
		Outcomes:   eval.Outcomes,
		LaneLines:  lines,
		Detections: len(detections),
	}
	if len(res.Violations) > 0 {
		p.log.Debug().
			Int("violations", len(res.Violations)).
			Int("vehicles", len(parts.Vehicles)).
			Int("plates", len(parts.Plates)).
			Msg("frame produced violations")
	}
	return res, nil
}

func (p *Pipeline) readPlates(ctx context.Context, frame gocv.Mat, plates []violation.Detection) ([]violation.PlateReading, error) {
	if len(plates) == 0 {
		return nil, nil
	}
	if p.plates == nil {
		readings := make([]violation.PlateReading, len(plates))
		for i, pl := range plates {
			readings[i] = violation.PlateReading{Box: pl.Box}
		}
		return readings, nil
	}
	return p.plates.Read(ctx, frame, plates)
}
