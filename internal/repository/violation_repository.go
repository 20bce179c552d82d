package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

type Plate struct {
	ID         int64  `gorm:"primaryKey"`
	Number     string `gorm:"not null"`
	Normalized string `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time
}

type Violation struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlateID         *int64
	CameraID        string `gorm:"not null"`
	LaneID          int    `gorm:"not null"`
	VehicleClass    int    `gorm:"not null"`
	VehicleType     string `gorm:"not null"`
	RawPlate        string `gorm:"not null"`
	NormalizedPlate string `gorm:"not null"`
	Confidence      *float64
	XCenter         float64   `gorm:"not null"`
	ImagePath       string    `gorm:"not null"`
	DetectedAt      time.Time `gorm:"not null"`
	Detail          datatypes.JSON
	CreatedAt       time.Time
}

type LaneConfigRevision struct {
	ID        int64          `gorm:"primaryKey"`
	Config    datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
}

// ViolationFilter narrows FindViolations. Nil fields are ignored.
type ViolationFilter struct {
	NormalizedPlate *string
	VehicleType     *string
	LaneID          *int
	From            *time.Time
	To              *time.Time
	Limit           int
	Offset          int
}

type TypeCount struct {
	VehicleType string `json:"vehicle_type"`
	Count       int64  `json:"count"`
}

func (r *ViolationRepository) GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error) {
	var plate Plate
	err := r.db.WithContext(ctx).Where("normalized = ?", normalized).First(&plate).Error
	if err == nil {
		return plate.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	plate = Plate{
		Number:     original,
		Normalized: normalized,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&plate).Error; err != nil {
		return 0, err
	}
	return plate.ID, nil
}

// CreateViolation inserts v. A row with the same id is left untouched, so
// redelivery of an event is harmless.
func (r *ViolationRepository) CreateViolation(ctx context.Context, v *Violation) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(v).Error
}

func (r *ViolationRepository) GetViolation(ctx context.Context, id uuid.UUID) (*Violation, error) {
	var v Violation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *ViolationRepository) filtered(ctx context.Context, f ViolationFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&Violation{})

	if f.NormalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *f.NormalizedPlate)
	}
	if f.VehicleType != nil {
		query = query.Where("vehicle_type = ?", *f.VehicleType)
	}
	if f.LaneID != nil {
		query = query.Where("lane_id = ?", *f.LaneID)
	}
	if f.From != nil {
		query = query.Where("detected_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("detected_at <= ?", *f.To)
	}
	return query
}

func (r *ViolationRepository) FindViolations(ctx context.Context, f ViolationFilter) ([]Violation, error) {
	query := r.filtered(ctx, f).Order("detected_at DESC")

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var violations []Violation
	err := query.Find(&violations).Error
	return violations, err
}

func (r *ViolationRepository) CountByVehicleType(ctx context.Context, f ViolationFilter) ([]TypeCount, error) {
	var counts []TypeCount
	err := r.filtered(ctx, f).
		Select("vehicle_type, count(*) AS count").
		Group("vehicle_type").
		Order("count DESC").
		Scan(&counts).Error
	return counts, err
}

// DetectionTimes returns detected_at for every matching violation.
func (r *ViolationRepository) DetectionTimes(ctx context.Context, f ViolationFilter) ([]time.Time, error) {
	var times []time.Time
	err := r.filtered(ctx, f).Pluck("detected_at", &times).Error
	return times, err
}

func (r *ViolationRepository) DeleteOldViolations(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("detected_at < ?", cutoff).
		Delete(&Violation{})
	return res.RowsAffected, res.Error
}

func (r *ViolationRepository) SaveLaneConfigRevision(ctx context.Context, config []byte) error {
	rev := LaneConfigRevision{
		Config:    datatypes.JSON(config),
		CreatedAt: time.Now(),
	}
	return r.db.WithContext(ctx).Create(&rev).Error
}
