package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"traffic-violation-service/internal/capture"
	"traffic-violation-service/internal/domain/violation"
	"traffic-violation-service/internal/pipeline"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Processor runs the per-frame pipeline.
type Processor interface {
	Process(ctx context.Context, frame gocv.Mat) (*pipeline.Result, error)
}

// Sink persists the violations of one frame.
type Sink interface {
	Deliver(ctx context.Context, frame gocv.Mat, records []violation.Record) error
}

// FrameEvent carries one processed frame. A nil Result is the terminal event
// sent once when the worker exits. The receiver owns Result and closes it.
type FrameEvent struct {
	Result *pipeline.Result
}

func (e FrameEvent) Terminal() bool { return e.Result == nil }

// ErrorEvent is a failure reported to the presentation layer.
type ErrorEvent struct {
	Message string
	Err     error
	Fatal   bool
}

type Config struct {
	// SkipFailedFrames keeps the session alive when a frame fails to process.
	SkipFailedFrames bool
	ViolationBuffer  int
	ErrorBuffer      int
}

type Status struct {
	State      State        `json:"state"`
	Source     capture.Spec `json:"source"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	Frames     int64        `json:"frames"`
	Violations int64        `json:"violations"`
	Skipped    int64        `json:"skipped"`
	LastError  string       `json:"last_error,omitempty"`
}

// Session owns at most one capture worker. The worker owns the capture
// handle from Start until it exits.
type Session struct {
	open capture.Opener
	proc Processor
	sink Sink
	cfg  Config
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	spec      capture.Spec
	startedAt time.Time
	lastErr   string
	done      chan struct{}
	cancel    context.CancelFunc

	keepRunning atomic.Bool
	frames      atomic.Int64
	violations  atomic.Int64
	skipped     atomic.Int64

	frameCh     chan FrameEvent
	violationCh chan violation.Record
	errorCh     chan ErrorEvent
}

func New(open capture.Opener, proc Processor, sink Sink, cfg Config, log zerolog.Logger) *Session {
	if cfg.ViolationBuffer <= 0 {
		cfg.ViolationBuffer = 64
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = 16
	}
	return &Session{
		open:        open,
		proc:        proc,
		sink:        sink,
		cfg:         cfg,
		log:         log,
		frameCh:     make(chan FrameEvent, 1),
		violationCh: make(chan violation.Record, cfg.ViolationBuffer),
		errorCh:     make(chan ErrorEvent, cfg.ErrorBuffer),
	}
}

// Frames delivers processed frames. Only the latest undelivered frame is
// kept; older ones are dropped.
func (s *Session) Frames() <-chan FrameEvent { return s.frameCh }

func (s *Session) Violations() <-chan violation.Record { return s.violationCh }

func (s *Session) Errors() <-chan ErrorEvent { return s.errorCh }

// Start opens spec and launches the worker. It is a no-op while a worker is
// active. An open failure is reported on the error channel and returned.
func (s *Session) Start(spec capture.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		s.log.Info().Str("state", s.state.String()).Str("source", spec.String()).Msg("session already active, start ignored")
		return nil
	}

	src, err := s.open(spec)
	if err != nil {
		s.lastErr = err.Error()
		s.emitError(ErrorEvent{Message: "cannot open " + spec.String(), Err: err, Fatal: true})
		s.log.Error().Err(err).Str("source", spec.String()).Msg("session start failed")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.state = StateRunning
	s.spec = spec
	s.startedAt = time.Now()
	s.lastErr = ""
	s.done = make(chan struct{})
	s.cancel = cancel
	s.frames.Store(0)
	s.violations.Store(0)
	s.skipped.Store(0)
	s.keepRunning.Store(true)

	s.log.Info().Str("source", spec.String()).Msg("session started")
	go s.run(ctx, src, s.done)
	return nil
}

// Stop asks the worker to exit after the frame in progress. It does not wait.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return
	}
	s.state = StateStopping
	s.keepRunning.Store(false)
	s.log.Info().Str("source", s.spec.String()).Msg("session stopping")
}

// Wait blocks until no worker is active or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker and waits for it. If ctx ends first, in-flight
// calls are cancelled and Shutdown returns ctx's error.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Stop()
	err := s.Wait(ctx)
	if err != nil {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.state,
		Source:     s.spec,
		StartedAt:  s.startedAt,
		Frames:     s.frames.Load(),
		Violations: s.violations.Load(),
		Skipped:    s.skipped.Load(),
		LastError:  s.lastErr,
	}
}

func (s *Session) run(ctx context.Context, src capture.Source, done chan struct{}) {
	frame := gocv.NewMat()
	defer func() {
		frame.Close()
		if err := src.Close(); err != nil {
			s.log.Warn().Err(err).Msg("release capture")
		}
		s.publishFrame(FrameEvent{})

		s.mu.Lock()
		s.state = StateIdle
		s.cancel()
		s.cancel = nil
		s.mu.Unlock()
		close(done)

		s.log.Info().
			Int64("frames", s.frames.Load()).
			Int64("violations", s.violations.Load()).
			Int64("skipped", s.skipped.Load()).
			Msg("session finished")
	}()

	for s.keepRunning.Load() {
		if err := src.Read(&frame); err != nil {
			if !errors.Is(err, capture.ErrEndOfStream) {
				s.log.Warn().Err(err).Msg("capture read failed, ending session")
			} else {
				s.log.Info().Msg("end of stream")
			}
			return
		}

		res, err := s.proc.Process(ctx, frame)
		if err != nil {
			if s.frameFailed(err) {
				continue
			}
			return
		}
		s.frames.Add(1)

		// Violations are persisted before the next frame is read.
		if len(res.Violations) > 0 {
			if err := s.sink.Deliver(ctx, res.Annotated, res.Violations); err != nil {
				s.log.Warn().Err(err).Int("violations", len(res.Violations)).Msg("violation persistence incomplete")
			}
			for _, v := range res.Violations {
				s.violations.Add(1)
				s.emitViolation(v)
			}
		}
		s.publishFrame(FrameEvent{Result: res})
	}
}

// frameFailed reports the failure and returns true if the worker continues.
func (s *Session) frameFailed(err error) bool {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()

	skip := s.cfg.SkipFailedFrames || errors.Is(err, pipeline.ErrFrameTimeout)
	s.emitError(ErrorEvent{Message: "frame processing failed", Err: err, Fatal: !skip})
	if skip {
		s.skipped.Add(1)
		s.log.Warn().Err(err).Msg("frame skipped")
		return true
	}
	s.log.Error().Err(err).Msg("frame processing failed, ending session")
	return false
}

// publishFrame replaces any undelivered frame with ev.
func (s *Session) publishFrame(ev FrameEvent) {
	for {
		select {
		case s.frameCh <- ev:
			return
		default:
		}
		select {
		case stale := <-s.frameCh:
			stale.Result.Close()
		default:
		}
	}
}

func (s *Session) emitViolation(v violation.Record) {
	select {
	case s.violationCh <- v:
	default:
		s.log.Warn().Str("violation_id", v.ID).Msg("violation channel full, event dropped")
	}
}

func (s *Session) emitError(ev ErrorEvent) {
	select {
	case s.errorCh <- ev:
	default:
		s.log.Warn().Err(ev.Err).Msg("error channel full, event dropped")
	}
}

func (e ErrorEvent) String() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}
