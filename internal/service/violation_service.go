package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/lanes"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ViolationStore is the persistence the service needs.
type ViolationStore interface {
	GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error)
	CreateViolation(ctx context.Context, v *repository.Violation) error
	GetViolation(ctx context.Context, id uuid.UUID) (*repository.Violation, error)
	FindViolations(ctx context.Context, f repository.ViolationFilter) ([]repository.Violation, error)
	CountByVehicleType(ctx context.Context, f repository.ViolationFilter) ([]repository.TypeCount, error)
	DetectionTimes(ctx context.Context, f repository.ViolationFilter) ([]time.Time, error)
	DeleteOldViolations(ctx context.Context, cutoff time.Time) (int64, error)
	SaveLaneConfigRevision(ctx context.Context, config []byte) error
}

type ViolationService struct {
	repo     ViolationStore
	cameraID string
	log      zerolog.Logger
	now      func() time.Time
}

func NewViolationService(repo ViolationStore, cameraID string, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		repo:     repo,
		cameraID: cameraID,
		log:      log,
		now:      time.Now,
	}
}

type violationDetail struct {
	Timestamp string        `json:"timestamp"`
	Box       violation.Box `json:"box"`
}

// RecordViolation stores rec in the query database. Plates read as Unknown
// are stored without a plate row.
func (s *ViolationService) RecordViolation(ctx context.Context, rec violation.Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("%w: violation id %q", ErrInvalidInput, rec.ID)
	}
	if rec.DetectedAt.IsZero() {
		return fmt.Errorf("%w: detected_at is required", ErrInvalidInput)
	}

	row := &repository.Violation{
		ID:           id,
		CameraID:     s.cameraID,
		LaneID:       rec.LaneID,
		VehicleClass: int(rec.VehicleClass),
		VehicleType:  rec.VehicleType,
		RawPlate:     rec.LicensePlate,
		XCenter:      rec.XCenter,
		ImagePath:    rec.ImagePath,
		DetectedAt:   rec.DetectedAt,
	}
	if rec.Confidence > 0 {
		conf := rec.Confidence
		row.Confidence = &conf
	}
	if detail, err := json.Marshal(violationDetail{Timestamp: rec.Timestamp, Box: rec.Box}); err == nil {
		row.Detail = detail
	}

	if rec.LicensePlate != violation.UnknownPlate {
		normalized := utils.NormalizePlate(rec.LicensePlate)
		if normalized != "" {
			plateID, err := s.repo.GetOrCreatePlate(ctx, normalized, rec.LicensePlate)
			if err != nil {
				s.log.Error().Err(err).Str("plate", normalized).Msg("failed to get or create plate")
				return fmt.Errorf("failed to get or create plate: %w", err)
			}
			row.PlateID = &plateID
			row.NormalizedPlate = normalized
		}
	}

	if err := s.repo.CreateViolation(ctx, row); err != nil {
		s.log.Error().
			Err(err).
			Str("violation_id", rec.ID).
			Int("lane_id", rec.LaneID).
			Msg("failed to save violation")
		return fmt.Errorf("failed to save violation: %w", err)
	}

	s.log.Debug().
		Str("violation_id", rec.ID).
		Str("plate", row.NormalizedPlate).
		Str("camera_id", s.cameraID).
		Time("detected_at", rec.DetectedAt).
		Msg("saved violation to database")
	return nil
}

func (s *ViolationService) Name() string { return "database" }

func (s *ViolationService) Publish(ctx context.Context, rec violation.Record) error {
	return s.RecordViolation(ctx, rec)
}

// ViolationQuery holds raw request parameters. Dates are RFC3339 or
// YYYY-MM-DD in local time; a bare "to" date covers the whole day.
type ViolationQuery struct {
	Plate       string
	VehicleType string
	LaneID      *int
	From        string
	To          string
	Limit       int
	Offset      int
}

func (s *ViolationService) filter(q ViolationQuery) (repository.ViolationFilter, error) {
	var f repository.ViolationFilter

	if plate := strings.TrimSpace(q.Plate); plate != "" {
		normalized := utils.NormalizePlate(plate)
		if normalized == "" {
			return f, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidInput)
		}
		f.NormalizedPlate = &normalized
	}
	if vt := strings.TrimSpace(q.VehicleType); vt != "" {
		f.VehicleType = &vt
	}
	if q.LaneID != nil {
		if *q.LaneID <= 0 {
			return f, fmt.Errorf("%w: lane_id must be positive", ErrInvalidInput)
		}
		f.LaneID = q.LaneID
	}

	from, err := parseTimeParam(q.From, false)
	if err != nil {
		return f, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
	}
	to, err := parseTimeParam(q.To, true)
	if err != nil {
		return f, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
	}
	if from != nil && to != nil && to.Before(*from) {
		return f, fmt.Errorf("%w: to is before from", ErrInvalidInput)
	}
	f.From, f.To = from, to

	f.Limit = q.Limit
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	f.Offset = q.Offset
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

func parseTimeParam(value string, endOfDay bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", value, time.Local)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

func (s *ViolationService) FindViolations(ctx context.Context, q ViolationQuery) ([]ViolationInfo, error) {
	f, err := s.filter(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.FindViolations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to find violations: %w", err)
	}

	result := make([]ViolationInfo, 0, len(rows))
	for _, row := range rows {
		result = append(result, toInfo(row))
	}
	return result, nil
}

func (s *ViolationService) GetViolation(ctx context.Context, id string) (*ViolationInfo, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid violation id", ErrInvalidInput)
	}
	row, err := s.repo.GetViolation(ctx, parsed)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: violation %s", ErrNotFound, parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	info := toInfo(*row)
	return &info, nil
}

type Stats struct {
	Total         int64                  `json:"total"`
	ByVehicleType []repository.TypeCount `json:"by_vehicle_type"`
	ByHour        [24]int64              `json:"by_hour"`
}

// Stats counts matching violations per vehicle type and per local hour of day.
func (s *ViolationService) Stats(ctx context.Context, q ViolationQuery) (*Stats, error) {
	f, err := s.filter(q)
	if err != nil {
		return nil, err
	}
	f.Limit, f.Offset = 0, 0

	byType, err := s.repo.CountByVehicleType(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to count by vehicle type: %w", err)
	}
	times, err := s.repo.DetectionTimes(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection times: %w", err)
	}

	stats := &Stats{
		ByVehicleType: byType,
		ByHour:        HourHistogram(times, time.Local),
	}
	for _, c := range byType {
		stats.Total += c.Count
	}
	return stats, nil
}

func HourHistogram(times []time.Time, loc *time.Location) [24]int64 {
	var hist [24]int64
	for _, t := range times {
		hist[t.In(loc).Hour()]++
	}
	return hist
}

// CleanupOldViolations deletes database rows older than days. The CSV ledger
// is never touched.
func (s *ViolationService) CleanupOldViolations(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidInput)
	}
	cutoff := s.now().AddDate(0, 0, -days)
	deleted, err := s.repo.DeleteOldViolations(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old violations")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old violations")
	}
	return deleted, nil
}

// RecordLaneConfig keeps an audit copy of a published lane configuration.
func (s *ViolationService) RecordLaneConfig(ctx context.Context, cfg lanes.Configuration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.repo.SaveLaneConfigRevision(ctx, data); err != nil {
		s.log.Warn().Err(err).Msg("failed to save lane config revision")
		return fmt.Errorf("failed to save lane config revision: %w", err)
	}
	return nil
}

type ViolationInfo struct {
	ID              string         `json:"id"`
	PlateID         *int64         `json:"plate_id,omitempty"`
	CameraID        string         `json:"camera_id"`
	LaneID          int            `json:"lane_id"`
	VehicleClass    int            `json:"vehicle_class"`
	VehicleType     string         `json:"vehicle_type"`
	RawPlate        string         `json:"raw_plate"`
	NormalizedPlate string         `json:"normalized_plate,omitempty"`
	Confidence      *float64       `json:"confidence,omitempty"`
	XCenter         float64        `json:"x_center"`
	ImagePath       string         `json:"image_path"`
	DetectedAt      time.Time      `json:"detected_at"`
	Box             *violation.Box `json:"box,omitempty"`
}

func toInfo(row repository.Violation) ViolationInfo {
	info := ViolationInfo{
		ID:              row.ID.String(),
		PlateID:         row.PlateID,
		CameraID:        row.CameraID,
		LaneID:          row.LaneID,
		VehicleClass:    row.VehicleClass,
		VehicleType:     row.VehicleType,
		RawPlate:        row.RawPlate,
		NormalizedPlate: row.NormalizedPlate,
		Confidence:      row.Confidence,
		XCenter:         row.XCenter,
		ImagePath:       row.ImagePath,
		DetectedAt:      row.DetectedAt,
	}
	var detail violationDetail
	if len(row.Detail) > 0 && json.Unmarshal(row.Detail, &detail) == nil {
		info.Box = &detail.Box
	}
	return info
}
