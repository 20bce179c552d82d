package detection

import "traffic-violation-service/internal/domain/violation"

// Partition is the split of one frame's detections by role.
type Partition struct {
	Vehicles    []violation.Detection
	Plates      []violation.Detection
	NonVehicles []violation.Detection
}

// Filter sorts raw detections into vehicles, plates and road-excluding
// non-vehicles, dropping anything under the confidence floor.
type Filter struct {
	taxonomy violation.Taxonomy
}

func NewFilter(taxonomy violation.Taxonomy) *Filter {
	return &Filter{taxonomy: taxonomy}
}

// Split keeps detections with confidence >= threshold and a non-degenerate
// box. Input order is preserved within each group.
func (f *Filter) Split(detections []violation.Detection, threshold float64) Partition {
	var p Partition
	for _, d := range detections {
		if d.Confidence < threshold || !d.Box.Valid() {
			continue
		}
		switch f.taxonomy.KindOf(d.ClassID) {
		case violation.KindVehicle:
			p.Vehicles = append(p.Vehicles, d)
		case violation.KindPlate:
			p.Plates = append(p.Plates, d)
		case violation.KindNonVehicle:
			p.NonVehicles = append(p.NonVehicles, d)
		}
	}
	return p
}
