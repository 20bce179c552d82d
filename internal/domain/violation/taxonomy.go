package violation

import (
	"fmt"
	"sort"
)

// ClassID is a detector class index. Its meaning comes from the Taxonomy in use.
type ClassID int

// Class ids used by the default taxonomy: COCO ids plus one plate class.
const (
	ClassPerson    ClassID = 0
	ClassBicycle   ClassID = 1
	ClassCar       ClassID = 2
	ClassMotorbike ClassID = 3
	ClassBus       ClassID = 5
	ClassTruck     ClassID = 7
	ClassPlate     ClassID = 80
)

const unknownVehicleType = "Unknown"

// Kind partitions detector classes for the violation pipeline.
type Kind int

const (
	KindIgnored Kind = iota
	KindVehicle
	KindPlate
	KindNonVehicle
)

func (k Kind) String() string {
	switch k {
	case KindVehicle:
		return "vehicle"
	case KindPlate:
		return "plate"
	case KindNonVehicle:
		return "non_vehicle"
	default:
		return "ignored"
	}
}

// Taxonomy maps class ids to their role and human-readable label.
type Taxonomy struct {
	Vehicles    map[ClassID]string
	Plate       ClassID
	NonVehicles map[ClassID]struct{}
}

// DefaultTaxonomy returns the COCO vehicle set with Vietnamese labels and a
// dedicated plate class appended after the 80 COCO classes.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Vehicles: map[ClassID]string{
			ClassCar:       "Ô tô",
			ClassMotorbike: "Xe máy",
			ClassBus:       "Xe buýt",
			ClassTruck:     "Xe tải",
		},
		Plate: ClassPlate,
		NonVehicles: map[ClassID]struct{}{
			ClassPerson:  {},
			ClassBicycle: {},
		},
	}
}

// NewTaxonomy builds a taxonomy from configuration values and rejects
// overlapping roles.
func NewTaxonomy(vehicles map[int]string, plate int, nonVehicles []int) (Taxonomy, error) {
	if len(vehicles) == 0 {
		return Taxonomy{}, fmt.Errorf("taxonomy: at least one vehicle class is required")
	}
	t := Taxonomy{
		Vehicles:    make(map[ClassID]string, len(vehicles)),
		Plate:       ClassID(plate),
		NonVehicles: make(map[ClassID]struct{}, len(nonVehicles)),
	}
	for id, label := range vehicles {
		if ClassID(id) == t.Plate {
			return Taxonomy{}, fmt.Errorf("taxonomy: class %d is both vehicle and plate", id)
		}
		t.Vehicles[ClassID(id)] = label
	}
	for _, id := range nonVehicles {
		cid := ClassID(id)
		if _, ok := t.Vehicles[cid]; ok || cid == t.Plate {
			return Taxonomy{}, fmt.Errorf("taxonomy: class %d is listed as non-vehicle and another role", id)
		}
		t.NonVehicles[cid] = struct{}{}
	}
	return t, nil
}

func (t Taxonomy) KindOf(id ClassID) Kind {
	if _, ok := t.Vehicles[id]; ok {
		return KindVehicle
	}
	if id == t.Plate {
		return KindPlate
	}
	if _, ok := t.NonVehicles[id]; ok {
		return KindNonVehicle
	}
	return KindIgnored
}

// Label returns the vehicle label for id, or "Unknown" for classes outside the vehicle set.
func (t Taxonomy) Label(id ClassID) string {
	if label, ok := t.Vehicles[id]; ok {
		return label
	}
	return unknownVehicleType
}

// VehicleClasses returns the vehicle class ids in ascending order.
func (t Taxonomy) VehicleClasses() []ClassID {
	ids := make([]ClassID, 0, len(t.Vehicles))
	for id := range t.Vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
