package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/lanes"
	"traffic-violation-service/internal/repository"
)

type fakeStore struct {
	plates     map[string]int64
	violations []repository.Violation
	filter     repository.ViolationFilter
	counts     []repository.TypeCount
	times      []time.Time
	cutoff     time.Time
	revisions  [][]byte
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{plates: map[string]int64{}}
}

func (f *fakeStore) GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error) {
	if id, ok := f.plates[normalized]; ok {
		return id, nil
	}
	id := int64(len(f.plates) + 1)
	f.plates[normalized] = id
	return id, nil
}

func (f *fakeStore) CreateViolation(ctx context.Context, v *repository.Violation) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.violations = append(f.violations, *v)
	return nil
}

func (f *fakeStore) GetViolation(ctx context.Context, id uuid.UUID) (*repository.Violation, error) {
	for i := range f.violations {
		if f.violations[i].ID == id {
			return &f.violations[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) FindViolations(ctx context.Context, filter repository.ViolationFilter) ([]repository.Violation, error) {
	f.filter = filter
	return f.violations, nil
}

func (f *fakeStore) CountByVehicleType(ctx context.Context, filter repository.ViolationFilter) ([]repository.TypeCount, error) {
	f.filter = filter
	return f.counts, nil
}

func (f *fakeStore) DetectionTimes(ctx context.Context, filter repository.ViolationFilter) ([]time.Time, error) {
	return f.times, nil
}

func (f *fakeStore) DeleteOldViolations(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func (f *fakeStore) SaveLaneConfigRevision(ctx context.Context, config []byte) error {
	f.revisions = append(f.revisions, config)
	return nil
}

func sampleRecord(plate string) violation.Record {
	return violation.Record{
		ID:           uuid.NewString(),
		Timestamp:    "2024-05-17 08:30:15",
		DetectedAt:   time.Date(2024, 5, 17, 8, 30, 15, 0, time.Local),
		VehicleClass: violation.ClassCar,
		VehicleType:  "Ô tô",
		LaneID:       1,
		ImagePath:    "frames/frame_2024-05-17 08-30-15.jpg",
		LicensePlate: plate,
		XCenter:      100,
		Box:          violation.Box{XMin: 50, YMin: 100, XMax: 150, YMax: 200},
		Confidence:   0.9,
	}
}

func TestRecordViolationWithPlate(t *testing.T) {
	store := newFakeStore()
	svc := NewViolationService(store, "cam-1", zerolog.Nop())

	rec := sampleRecord("51g-123.45")
	if err := svc.RecordViolation(context.Background(), rec); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if len(store.violations) != 1 {
		t.Fatalf("stored %d violations", len(store.violations))
	}
	row := store.violations[0]
	if row.PlateID == nil || row.NormalizedPlate != "51G12345" || row.RawPlate != "51g-123.45" {
		t.Fatalf("row = %+v", row)
	}
	if row.CameraID != "cam-1" || row.ID.String() != rec.ID {
		t.Fatalf("row = %+v", row)
	}

	info := toInfo(row)
	if info.Box == nil || *info.Box != rec.Box {
		t.Fatalf("box not kept in detail: %+v", info.Box)
	}
}

func TestRecordViolationUnknownPlateHasNoPlateRow(t *testing.T) {
	store := newFakeStore()
	svc := NewViolationService(store, "cam-1", zerolog.Nop())

	if err := svc.Publish(context.Background(), sampleRecord(violation.UnknownPlate)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(store.plates) != 0 {
		t.Fatal("plate row created for unknown plate")
	}
	if row := store.violations[0]; row.PlateID != nil || row.RawPlate != violation.UnknownPlate {
		t.Fatalf("row = %+v", row)
	}
}

func TestRecordViolationRejectsBadInput(t *testing.T) {
	svc := NewViolationService(newFakeStore(), "cam-1", zerolog.Nop())

	bad := sampleRecord("A")
	bad.ID = "not-a-uuid"
	if err := svc.RecordViolation(context.Background(), bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	noTime := sampleRecord("A")
	noTime.DetectedAt = time.Time{}
	if err := svc.RecordViolation(context.Background(), noTime); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRecordViolationStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("connection reset")
	svc := NewViolationService(store, "cam-1", zerolog.Nop())

	if err := svc.RecordViolation(context.Background(), sampleRecord("A1")); !errors.Is(err, store.createErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestFindViolationsFilter(t *testing.T) {
	lane := 2
	cases := []struct {
		name      string
		query     ViolationQuery
		wantErr   bool
		wantLimit int
		check     func(t *testing.T, f repository.ViolationFilter)
	}{
		{name: "defaults", query: ViolationQuery{}, wantLimit: 50},
		{name: "limit clamp", query: ViolationQuery{Limit: 500}, wantLimit: 100},
		{
			name:      "plate and type",
			query:     ViolationQuery{Plate: "51g 123", VehicleType: "Ô tô", LaneID: &lane},
			wantLimit: 50,
			check: func(t *testing.T, f repository.ViolationFilter) {
				if *f.NormalizedPlate != "51G123" || *f.VehicleType != "Ô tô" || *f.LaneID != 2 {
					t.Fatalf("filter = %+v", f)
				}
			},
		},
		{
			name:      "date range",
			query:     ViolationQuery{From: "2024-05-17", To: "2024-05-17"},
			wantLimit: 50,
			check: func(t *testing.T, f repository.ViolationFilter) {
				if f.From.Hour() != 0 || f.To.Hour() != 23 || f.To.Minute() != 59 {
					t.Fatalf("range = %v .. %v", f.From, f.To)
				}
				if f.From.Day() != 17 || f.To.Day() != 17 {
					t.Fatalf("range = %v .. %v", f.From, f.To)
				}
			},
		},
		{name: "rfc3339", query: ViolationQuery{From: "2024-05-17T08:00:00Z"}, wantLimit: 50},
		{name: "bad from", query: ViolationQuery{From: "yesterday"}, wantErr: true},
		{name: "inverted", query: ViolationQuery{From: "2024-05-18", To: "2024-05-17"}, wantErr: true},
		{name: "bad plate", query: ViolationQuery{Plate: "--"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			svc := NewViolationService(store, "cam-1", zerolog.Nop())
			_, err := svc.FindViolations(context.Background(), tc.query)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("err = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindViolations: %v", err)
			}
			if store.filter.Limit != tc.wantLimit {
				t.Fatalf("limit = %d, want %d", store.filter.Limit, tc.wantLimit)
			}
			if tc.check != nil {
				tc.check(t, store.filter)
			}
		})
	}
}

func TestGetViolation(t *testing.T) {
	store := newFakeStore()
	svc := NewViolationService(store, "cam-1", zerolog.Nop())
	rec := sampleRecord("A1")
	if err := svc.RecordViolation(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	info, err := svc.GetViolation(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetViolation: %v", err)
	}
	if info.ID != rec.ID || info.LaneID != 1 {
		t.Fatalf("info = %+v", info)
	}

	if _, err := svc.GetViolation(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetViolation(context.Background(), "42"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestStats(t *testing.T) {
	store := newFakeStore()
	store.counts = []repository.TypeCount{{VehicleType: "Ô tô", Count: 3}, {VehicleType: "Xe tải", Count: 1}}
	day := time.Date(2024, 5, 17, 0, 0, 0, 0, time.Local)
	store.times = []time.Time{
		day.Add(8 * time.Hour),
		day.Add(8*time.Hour + 30*time.Minute),
		day.Add(17 * time.Hour),
		day.Add(23*time.Hour + 59*time.Minute),
	}
	svc := NewViolationService(store, "cam-1", zerolog.Nop())

	stats, err := svc.Stats(context.Background(), ViolationQuery{Limit: 10})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("total = %d", stats.Total)
	}
	if stats.ByHour[8] != 2 || stats.ByHour[17] != 1 || stats.ByHour[23] != 1 {
		t.Fatalf("by hour = %v", stats.ByHour)
	}
	if store.filter.Limit != 0 {
		t.Fatal("stats query must not be paged")
	}
}

func TestCleanupOldViolations(t *testing.T) {
	store := newFakeStore()
	svc := NewViolationService(store, "cam-1", zerolog.Nop())
	now := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	deleted, err := svc.CleanupOldViolations(context.Background(), 30)
	if err != nil || deleted != 3 {
		t.Fatalf("CleanupOldViolations = %d, %v", deleted, err)
	}
	if want := now.AddDate(0, 0, -30); !store.cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.cutoff, want)
	}
	if _, err := svc.CleanupOldViolations(context.Background(), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRecordLaneConfig(t *testing.T) {
	store := newFakeStore()
	svc := NewViolationService(store, "cam-1", zerolog.Nop())
	cfg := lanes.Configuration{
		DetectionThreshold: 0.5,
		NumLanes:           1,
		Lanes:              []lanes.Lane{{ID: 1, XMin: 0, XMax: 213, AllowedVehicles: []violation.ClassID{3}}},
	}
	if err := svc.RecordLaneConfig(context.Background(), cfg); err != nil {
		t.Fatalf("RecordLaneConfig: %v", err)
	}
	if len(store.revisions) != 1 || !strings.Contains(string(store.revisions[0]), `"allowed_vehicles":[3]`) {
		t.Fatalf("revisions = %q", store.revisions)
	}
}
