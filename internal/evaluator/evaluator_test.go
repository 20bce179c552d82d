package evaluator

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/lanes"
)

var fixedNow = time.Date(2024, 5, 17, 8, 30, 15, 900_000_000, time.Local)

func newTestEvaluator() *Evaluator {
	n := 0
	return New(violation.DefaultTaxonomy(), "frames",
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("v-%d", n) }),
	)
}

func laneOneConfig() *lanes.Configuration {
	return &lanes.Configuration{
		DetectionThreshold: 0.5,
		NumLanes:           1,
		Lanes: []lanes.Lane{
			{ID: 1, XMin: 0, XMax: 213, AllowedVehicles: []violation.ClassID{3, 5, 7}},
		},
	}
}

func car(xMin, yMin, xMax, yMax int) violation.Detection {
	return violation.Detection{
		Box:        violation.Box{XMin: xMin, YMin: yMin, XMax: xMax, YMax: yMax},
		ClassID:    violation.ClassCar,
		Confidence: 0.9,
	}
}

func TestEmptyConfigurationYieldsNoViolations(t *testing.T) {
	e := newTestEvaluator()
	vehicles := []violation.Detection{car(50, 100, 150, 200), car(300, 100, 400, 200)}

	for _, cfg := range []*lanes.Configuration{nil, {}} {
		res := e.Evaluate(vehicles, cfg, nil)
		if len(res.Violations) != 0 {
			t.Fatalf("expected no violations, got %d", len(res.Violations))
		}
		if len(res.Outcomes) != len(vehicles) {
			t.Fatalf("expected %d neutral outcomes, got %d", len(vehicles), len(res.Outcomes))
		}
		for _, o := range res.Outcomes {
			if o.Violating {
				t.Fatal("vehicle marked violating without configuration")
			}
		}
	}
}

func TestCarInMotorbikeLaneIsViolation(t *testing.T) {
	e := newTestEvaluator()
	res := e.Evaluate([]violation.Detection{car(50, 100, 150, 200)}, laneOneConfig(), nil)

	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(res.Violations))
	}
	v := res.Violations[0]
	if v.LaneID != 1 {
		t.Errorf("lane = %d, want 1", v.LaneID)
	}
	if v.VehicleType != "Ô tô" {
		t.Errorf("vehicle type = %q", v.VehicleType)
	}
	if v.XCenter != 100 {
		t.Errorf("x_center = %v, want 100", v.XCenter)
	}
	if v.LicensePlate != violation.UnknownPlate {
		t.Errorf("plate = %q, want Unknown", v.LicensePlate)
	}
	if v.Timestamp != "2024-05-17 08:30:15" {
		t.Errorf("timestamp = %q", v.Timestamp)
	}
	if want := filepath.Join("frames", "frame_2024-05-17 08-30-15.jpg"); v.ImagePath != want {
		t.Errorf("image path = %q, want %q", v.ImagePath, want)
	}
	if !res.Outcomes[0].Violating || res.Outcomes[0].LaneID != 1 {
		t.Errorf("outcome = %+v", res.Outcomes[0])
	}
}

func TestAllowedVehicleNeverViolates(t *testing.T) {
	e := newTestEvaluator()
	for _, class := range []violation.ClassID{violation.ClassMotorbike, violation.ClassBus, violation.ClassTruck} {
		det := car(50, 100, 150, 200)
		det.ClassID = class
		res := e.Evaluate([]violation.Detection{det}, laneOneConfig(), nil)
		if len(res.Violations) != 0 {
			t.Errorf("class %d produced a violation in a lane that allows it", class)
		}
		if res.Outcomes[0].Violating {
			t.Errorf("class %d rendered as violating", class)
		}
	}
}

func TestVehicleOutsideAllLanesIsSkipped(t *testing.T) {
	e := newTestEvaluator()
	res := e.Evaluate([]violation.Detection{car(300, 100, 400, 200)}, laneOneConfig(), nil)
	if len(res.Violations) != 0 {
		t.Fatalf("vehicle outside lanes produced %d violations", len(res.Violations))
	}
	if res.Outcomes[0].LaneID != 0 {
		t.Fatalf("unmatched vehicle got lane %d", res.Outcomes[0].LaneID)
	}
}

func TestOneViolationPerDisallowedVehicle(t *testing.T) {
	e := newTestEvaluator()
	vehicles := []violation.Detection{car(10, 0, 30, 20), car(40, 0, 60, 20), car(100, 0, 120, 20)}
	res := e.Evaluate(vehicles, laneOneConfig(), nil)
	if len(res.Violations) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(res.Violations))
	}
	seen := map[string]bool{}
	for _, v := range res.Violations {
		if seen[v.ID] {
			t.Fatalf("duplicate violation id %s", v.ID)
		}
		seen[v.ID] = true
	}
}

func TestNonOverlappingLanesAssignDeterministically(t *testing.T) {
	cfg := &lanes.Configuration{
		DetectionThreshold: 0.5,
		NumLanes:           3,
		Lanes: []lanes.Lane{
			{ID: 1, XMin: 0, XMax: 200},
			{ID: 2, XMin: 200, XMax: 400},
			{ID: 3, XMin: 400, XMax: 600},
		},
	}
	e := newTestEvaluator()
	for x := 0; x < 600; x += 7 {
		det := car(x, 0, x+1, 10) // centre x+0.5
		res := e.Evaluate([]violation.Detection{det}, cfg, nil)
		want := x/200 + 1
		if got := res.Outcomes[0].LaneID; got != want {
			t.Fatalf("x=%d assigned lane %d, want %d", x, got, want)
		}
	}
}

func TestOverlapEarliestLaneWinsUnderAnyOrder(t *testing.T) {
	cfg := &lanes.Configuration{
		DetectionThreshold: 0.5,
		NumLanes:           2,
		Lanes: []lanes.Lane{
			{ID: 9, XMin: 0, XMax: 300, AllowedVehicles: []violation.ClassID{violation.ClassBus}},
			{ID: 2, XMin: 100, XMax: 400, AllowedVehicles: []violation.ClassID{violation.ClassCar}},
		},
	}
	vehicles := []violation.Detection{
		car(150, 0, 250, 50),  // centre 200, overlap region
		car(120, 0, 180, 50),  // centre 150, overlap region
		car(320, 0, 380, 50),  // centre 350, lane 2 only
		car(0, 0, 40, 50),     // centre 20, lane 9 only
		car(260, 10, 300, 90), // centre 280, overlap region
	}
	want := map[float64]int{200: 9, 150: 9, 350: 2, 20: 9, 280: 9}

	e := newTestEvaluator()
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		perm := append([]violation.Detection(nil), vehicles...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		res := e.Evaluate(perm, cfg, nil)
		for _, o := range res.Outcomes {
			if got := o.LaneID; got != want[o.Detection.Box.CenterX()] {
				t.Fatalf("trial %d: centre %v got lane %d, want %d", trial, o.Detection.Box.CenterX(), got, want[o.Detection.Box.CenterX()])
			}
		}
		if len(res.Violations) != 4 {
			t.Fatalf("trial %d: expected 4 violations (cars in bus lane 9), got %d", trial, len(res.Violations))
		}
	}
}

func TestPlateAssociation(t *testing.T) {
	vehicle := violation.Box{XMin: 50, YMin: 100, XMax: 150, YMax: 200}

	cases := []struct {
		name   string
		plates []violation.PlateReading
		want   string
	}{
		{"no plates", nil, violation.UnknownPlate},
		{"equal box is contained", []violation.PlateReading{{Box: vehicle, Text: "29A-12345"}}, "29A-12345"},
		{"one pixel outside", []violation.PlateReading{{Box: violation.Box{XMin: 50, YMin: 100, XMax: 151, YMax: 200}, Text: "X"}}, violation.UnknownPlate},
		{"inside", []violation.PlateReading{{Box: violation.Box{XMin: 80, YMin: 170, XMax: 120, YMax: 190}, Text: "51G-67890"}}, "51G-67890"},
		{"first contained wins", []violation.PlateReading{
			{Box: violation.Box{XMin: 0, YMin: 0, XMax: 10, YMax: 10}, Text: "FAR"},
			{Box: violation.Box{XMin: 60, YMin: 150, XMax: 140, YMax: 195}, Text: "OUTER"},
			{Box: violation.Box{XMin: 70, YMin: 160, XMax: 130, YMax: 190}, Text: "NESTED"},
		}, "OUTER"},
		{"empty text reads as unknown", []violation.PlateReading{{Box: vehicle, Text: ""}}, violation.UnknownPlate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AssociatePlate(vehicle, tc.plates); got != tc.want {
				t.Fatalf("AssociatePlate = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSameSecondViolationsShareImagePath(t *testing.T) {
	e := newTestEvaluator()
	first := e.Evaluate([]violation.Detection{car(50, 100, 150, 200)}, laneOneConfig(), nil)
	second := e.Evaluate([]violation.Detection{car(60, 100, 160, 200)}, laneOneConfig(), nil)
	if first.Violations[0].ImagePath != second.Violations[0].ImagePath {
		t.Fatal("violations in the same second should derive the same image path")
	}
	if first.Violations[0].ID == second.Violations[0].ID {
		t.Fatal("violation ids must stay unique even when paths collide")
	}
}
