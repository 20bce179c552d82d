package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

const recentIDs = 4096

// Observer is told about every persisted violation: the live feed, the
// pub/sub channel and the query store.
type Observer interface {
	Name() string
	Publish(ctx context.Context, rec violation.Record) error
}

// Sink persists the violations of one frame. The ledger, the snapshot and
// each observer fail independently; a failure is logged and the remaining
// steps still run. Records already delivered (by ID) are skipped.
type Sink struct {
	ledger    *Ledger
	snapshots *SnapshotWriter
	observers []Observer
	log       zerolog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func New(ledger *Ledger, snapshots *SnapshotWriter, log zerolog.Logger, observers ...Observer) *Sink {
	return &Sink{
		ledger:    ledger,
		snapshots: snapshots,
		observers: observers,
		log:       log,
		seen:      make(map[string]struct{}),
	}
}

// Deliver handles the violations found in frame. The returned error joins
// every step that failed; callers only log it.
func (s *Sink) Deliver(ctx context.Context, frame gocv.Mat, records []violation.Record) error {
	fresh := s.dedupe(records)
	if len(fresh) == 0 {
		return nil
	}

	var errs []error

	if s.ledger != nil {
		if err := s.ledger.Append(fresh...); err != nil {
			s.log.Error().Err(err).Str("ledger", s.ledger.Path()).Int("records", len(fresh)).Msg("ledger append failed")
			errs = append(errs, err)
		}
	}

	if s.snapshots != nil {
		written := make(map[string]struct{}, 1)
		for _, r := range fresh {
			if _, ok := written[r.ImagePath]; ok {
				continue
			}
			written[r.ImagePath] = struct{}{}
			if err := s.snapshots.Write(ctx, r.ImagePath, frame); err != nil {
				s.log.Error().Err(err).Str("image_path", r.ImagePath).Msg("snapshot write failed")
				errs = append(errs, err)
			}
		}
	}

	for _, r := range fresh {
		for _, o := range s.observers {
			if err := o.Publish(ctx, r); err != nil {
				s.log.Warn().Err(err).Str("observer", o.Name()).Str("violation_id", r.ID).Msg("observer publish failed")
				errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
			}
		}
		s.log.Info().
			Str("violation_id", r.ID).
			Str("vehicle_type", r.VehicleType).
			Int("lane_id", r.LaneID).
			Str("plate", r.LicensePlate).
			Msg("violation recorded")
	}

	return errors.Join(errs...)
}

// dedupe drops records whose ID was already delivered. Only the most recent
// IDs are remembered.
func (s *Sink) dedupe(records []violation.Record) []violation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]violation.Record, 0, len(records))
	for _, r := range records {
		if r.ID != "" {
			if _, ok := s.seen[r.ID]; ok {
				continue
			}
			s.remember(r.ID)
		}
		fresh = append(fresh, r)
	}
	return fresh
}

func (s *Sink) remember(id string) {
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > recentIDs {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}
