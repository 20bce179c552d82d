package evaluator

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/lanes"
)

const DefaultFramesDir = "frames"

// Evaluator decides, per vehicle, whether its class is permitted in the lane
// its horizontal centre falls into. It keeps no state between frames.
type Evaluator struct {
	taxonomy  violation.Taxonomy
	framesDir string
	now       func() time.Time
	newID     func() string
}

type Option func(*Evaluator)

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Evaluator) { e.newID = fn }
}

func New(taxonomy violation.Taxonomy, framesDir string, opts ...Option) *Evaluator {
	if framesDir == "" {
		framesDir = DefaultFramesDir
	}
	e := &Evaluator{
		taxonomy:  taxonomy,
		framesDir: framesDir,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the evaluation of one frame.
type Result struct {
	Violations []violation.Record
	Outcomes   []violation.VehicleOutcome
}

// Evaluate checks every vehicle against cfg. A nil or empty configuration
// yields no violations. Vehicles must already be filtered by class and
// confidence; plates are searched in the given order and the first one fully
// inside the vehicle box is attached.
func (e *Evaluator) Evaluate(vehicles []violation.Detection, cfg *lanes.Configuration, plates []violation.PlateReading) Result {
	res := Result{Outcomes: make([]violation.VehicleOutcome, 0, len(vehicles))}
	if cfg == nil || len(cfg.Lanes) == 0 {
		for _, v := range vehicles {
			res.Outcomes = append(res.Outcomes, violation.VehicleOutcome{Detection: v})
		}
		return res
	}

	detectedAt := e.now().Truncate(time.Second)
	timestamp := detectedAt.Format(violation.TimestampLayout)
	imagePath := ImagePath(e.framesDir, timestamp)

	for _, v := range vehicles {
		outcome := violation.VehicleOutcome{Detection: v}
		xCenter := v.Box.CenterX()

		lane, ok := cfg.Match(xCenter)
		if !ok {
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}
		outcome.LaneID = lane.ID

		if lane.Allows(v.ClassID) {
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}

		outcome.Violating = true
		res.Outcomes = append(res.Outcomes, outcome)
		res.Violations = append(res.Violations, violation.Record{
			ID:           e.newID(),
			Timestamp:    timestamp,
			DetectedAt:   detectedAt,
			VehicleClass: v.ClassID,
			VehicleType:  e.taxonomy.Label(v.ClassID),
			LaneID:       lane.ID,
			ImagePath:    imagePath,
			LicensePlate: AssociatePlate(v.Box, plates),
			XCenter:      xCenter,
			Box:          v.Box,
			Confidence:   v.Confidence,
		})
	}
	return res
}

// AssociatePlate returns the text of the first plate whose box lies within
// vehicle, or UnknownPlate. No ranking is applied when several plates qualify.
func AssociatePlate(vehicle violation.Box, plates []violation.PlateReading) string {
	for _, p := range plates {
		if !vehicle.Contains(p.Box) {
			continue
		}
		if p.Text == "" {
			return violation.UnknownPlate
		}
		return p.Text
	}
	return violation.UnknownPlate
}

// ImagePath derives the snapshot location from a ledger timestamp. Two
// violations in the same second share a path.
func ImagePath(framesDir, timestamp string) string {
	return filepath.Join(framesDir, "frame_"+strings.ReplaceAll(timestamp, ":", "-")+".jpg")
}
