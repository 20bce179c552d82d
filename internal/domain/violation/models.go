package violation

import (
	"image"
	"time"
)

// UnknownPlate is stored when no plate reading is contained in the vehicle box.
const UnknownPlate = "Unknown"

// TimestampLayout is the second-resolution local time format used in the ledger.
const TimestampLayout = "2006-01-02 15:04:05"

// Box is an axis-aligned pixel rectangle with inclusive bounds.
type Box struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

func BoxFromRect(r image.Rectangle) Box {
	return Box{XMin: r.Min.X, YMin: r.Min.Y, XMax: r.Max.X, YMax: r.Max.Y}
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(b.XMin, b.YMin, b.XMax, b.YMax)
}

func (b Box) Valid() bool {
	return b.XMin < b.XMax && b.YMin < b.YMax
}

// CenterX is the midpoint of the horizontal extent.
func (b Box) CenterX() float64 {
	return float64(b.XMin+b.XMax) / 2
}

// Contains reports whether inner lies entirely within b. Shared edges count as contained.
func (b Box) Contains(inner Box) bool {
	return inner.XMin >= b.XMin && inner.YMin >= b.YMin &&
		inner.XMax <= b.XMax && inner.YMax <= b.YMax
}

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	Box        Box     `json:"box"`
	ClassID    ClassID `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// PlateReading is the recognized text of one plate detection.
type PlateReading struct {
	Box        Box     `json:"box"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// LaneLine is a segment found by lane-line extraction. Visual only.
type LaneLine struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Record is a persisted violation event. It is never mutated after creation.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    string    `json:"timestamp"`
	DetectedAt   time.Time `json:"detected_at"`
	VehicleClass ClassID   `json:"vehicle_class"`
	VehicleType  string    `json:"vehicle_type"`
	LaneID       int       `json:"lane_id"`
	ImagePath    string    `json:"image_path"`
	LicensePlate string    `json:"license_plate"`
	XCenter      float64   `json:"x_center"`
	Box          Box       `json:"box"`
	Confidence   float64   `json:"confidence"`
}

// VehicleOutcome is the per-vehicle decision used when rendering the annotated frame.
type VehicleOutcome struct {
	Detection Detection `json:"detection"`
	LaneID    int       `json:"lane_id,omitempty"`
	Violating bool      `json:"violating"`
}
