package config

import (
	"fmt"
	"strconv"

	"traffic-violation-service/internal/domain/violation"
)

// BuildTaxonomy turns the configured class table into a violation.Taxonomy.
func (t TaxonomyConfig) BuildTaxonomy() (violation.Taxonomy, error) {
	if len(t.Vehicles) == 0 {
		return violation.DefaultTaxonomy(), nil
	}
	vehicles := make(map[int]string, len(t.Vehicles))
	for key, label := range t.Vehicles {
		id, err := strconv.Atoi(key)
		if err != nil {
			return violation.Taxonomy{}, fmt.Errorf("%w: taxonomy.vehicles key %q is not a class id", ErrInvalidConfig, key)
		}
		vehicles[id] = label
	}
	tax, err := violation.NewTaxonomy(vehicles, t.PlateClass, t.NonVehicles)
	if err != nil {
		return violation.Taxonomy{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return tax, nil
}
