package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/evaluator"
	"traffic-violation-service/internal/lanes"
)

type fakeDetector struct {
	detections []violation.Detection
	err        error
	delay      time.Duration
	calls      int
}

func (d *fakeDetector) Detect(ctx context.Context, frame gocv.Mat) ([]violation.Detection, error) {
	d.calls++
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.detections, d.err
}

func (d *fakeDetector) Close() error { return nil }

type fakePlates struct {
	text string
	err  error
}

func (f *fakePlates) Read(ctx context.Context, frame gocv.Mat, plates []violation.Detection) ([]violation.PlateReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]violation.PlateReading, len(plates))
	for i, p := range plates {
		out[i] = violation.PlateReading{Box: p.Box, Text: f.text}
	}
	return out, nil
}

type staticConfig struct{ cfg *lanes.Configuration }

func (s staticConfig) Snapshot() *lanes.Configuration { return s.cfg }

var frameTime = time.Date(2024, 5, 17, 8, 30, 15, 0, time.Local)

func laneOne(threshold float64) *lanes.Configuration {
	return &lanes.Configuration{
		DetectionThreshold: threshold,
		NumLanes:           1,
		Lanes: []lanes.Lane{
			{ID: 1, XMin: 0, XMax: 213, AllowedVehicles: []violation.ClassID{3, 5, 7}},
		},
	}
}

func detectionOf(class violation.ClassID, conf float64, x1, y1, x2, y2 int) violation.Detection {
	return violation.Detection{
		Box:        violation.Box{XMin: x1, YMin: y1, XMax: x2, YMax: y2},
		ClassID:    class,
		Confidence: conf,
	}
}

func newPipeline(det *fakeDetector, plates PlateReader, cfg *lanes.Configuration, timeout time.Duration) *Pipeline {
	tax := violation.DefaultTaxonomy()
	return New(Components{
		Detector:     det,
		Plates:       plates,
		Lanes:        staticConfig{cfg: cfg},
		Taxonomy:     tax,
		Evaluator:    evaluator.New(tax, "frames", evaluator.WithClock(func() time.Time { return frameTime })),
		FrameTimeout: timeout,
	}, zerolog.Nop())
}

func greyFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(110, 110, 110, 0), 240, 320, gocv.MatTypeCV8UC3)
}

func TestProcessEmptyConfigurationYieldsNothing(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.9, 50, 100, 150, 200),
		detectionOf(violation.ClassTruck, 0.9, 160, 20, 300, 120),
	}}
	p := newPipeline(det, nil, nil, 0)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()

	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0", len(res.Violations))
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(res.Outcomes))
	}
	if res.Annotated.Empty() {
		t.Fatal("annotated frame is empty")
	}
}

func TestProcessCarInMotorbikeLane(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.9, 50, 100, 150, 200),
		detectionOf(violation.ClassPlate, 0.8, 80, 170, 120, 190),
	}}
	p := newPipeline(det, &fakePlates{text: "51G-123.45"}, laneOne(0.5), 0)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()

	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
	v := res.Violations[0]
	if v.LaneID != 1 || v.VehicleType != "Ô tô" || v.LicensePlate != "51G-123.45" {
		t.Fatalf("violation = %+v", v)
	}
	if v.Timestamp != "2024-05-17 08:30:15" {
		t.Fatalf("timestamp = %q", v.Timestamp)
	}
	if res.Annotated.Cols() != frame.Cols() || res.Annotated.Rows() != frame.Rows() {
		t.Fatal("annotated frame size differs from input")
	}
}

func TestProcessFiltersLowConfidence(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.3, 50, 100, 150, 200),
	}}
	p := newPipeline(det, nil, laneOne(0.5), 0)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()

	if len(res.Violations) != 0 || len(res.Outcomes) != 0 {
		t.Fatalf("low-confidence detection reached evaluation: %+v", res.Outcomes)
	}
	if res.Detections != 1 {
		t.Fatalf("Detections = %d, want 1", res.Detections)
	}
}

func TestProcessDefaultThresholdWithoutConfiguration(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.49, 50, 100, 150, 200),
		detectionOf(violation.ClassCar, 0.5, 160, 100, 260, 200),
	}}
	p := newPipeline(det, nil, nil, 0)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()

	if len(res.Outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(res.Outcomes))
	}
}

func TestProcessWithoutPlateReaderMarksUnknown(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.9, 50, 100, 150, 200),
		detectionOf(violation.ClassPlate, 0.9, 80, 170, 120, 190),
	}}
	p := newPipeline(det, nil, laneOne(0.5), 0)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()

	if len(res.Violations) != 1 || res.Violations[0].LicensePlate != violation.UnknownPlate {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestProcessPropagatesFailures(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	boom := errors.New("inference failed")
	cases := []struct {
		name   string
		det    *fakeDetector
		plates PlateReader
	}{
		{"detector", &fakeDetector{err: boom}, nil},
		{"ocr", &fakeDetector{detections: []violation.Detection{
			detectionOf(violation.ClassPlate, 0.9, 10, 10, 40, 20),
		}}, &fakePlates{err: boom}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPipeline(tc.det, tc.plates, laneOne(0.5), 0)
			res, err := p.Process(context.Background(), frame)
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want %v", err, boom)
			}
			if res != nil {
				t.Fatal("result returned with error")
			}
		})
	}
}

func TestProcessEmptyFrame(t *testing.T) {
	frame := gocv.NewMat()
	defer frame.Close()

	det := &fakeDetector{}
	p := newPipeline(det, nil, laneOne(0.5), 0)
	if _, err := p.Process(context.Background(), frame); err == nil {
		t.Fatal("expected error for empty frame")
	}
	if det.calls != 0 {
		t.Fatal("detector called on empty frame")
	}
}

func TestProcessFrameTimeout(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{delay: 200 * time.Millisecond}
	p := newPipeline(det, nil, laneOne(0.5), 20*time.Millisecond)

	start := time.Now()
	res, err := p.Process(context.Background(), frame)
	if !errors.Is(err, ErrFrameTimeout) {
		t.Fatalf("err = %v, want ErrFrameTimeout", err)
	}
	if res != nil {
		t.Fatal("result returned on timeout")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("Process blocked for %s", elapsed)
	}
}

func TestProcessWithinTimeout(t *testing.T) {
	frame := greyFrame()
	defer frame.Close()

	det := &fakeDetector{detections: []violation.Detection{
		detectionOf(violation.ClassCar, 0.9, 50, 100, 150, 200),
	}}
	p := newPipeline(det, nil, laneOne(0.5), time.Second)

	res, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	defer res.Close()
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
}
