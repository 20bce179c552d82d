package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Presenter consumes a session's event channels on behalf of the HTTP layer.
// It keeps the latest annotated frame as JPEG and the recent errors.
type Presenter struct {
	log zerolog.Logger

	mu       sync.RWMutex
	jpeg     []byte
	frameAt  time.Time
	errors   []string
	maxError int
}

func NewPresenter(log zerolog.Logger) *Presenter {
	return &Presenter{log: log, maxError: 20}
}

// Run drains s until ctx is done.
func (p *Presenter) Run(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Frames():
			p.handleFrame(ev)
		case v := <-s.Violations():
			p.log.Debug().
				Str("violation_id", v.ID).
				Int("lane_id", v.LaneID).
				Float64("x_center", v.XCenter).
				Msg("violation ready")
		case ev := <-s.Errors():
			p.handleError(ev)
		}
	}
}

func (p *Presenter) handleFrame(ev FrameEvent) {
	if ev.Terminal() {
		p.mu.Lock()
		p.jpeg = nil
		p.frameAt = time.Time{}
		p.mu.Unlock()
		return
	}
	defer ev.Result.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, ev.Result.Annotated)
	if err != nil {
		p.log.Warn().Err(err).Msg("encode annotated frame")
		return
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	p.mu.Lock()
	p.jpeg = data
	p.frameAt = time.Now()
	p.mu.Unlock()
}

func (p *Presenter) handleError(ev ErrorEvent) {
	p.log.Warn().Err(ev.Err).Bool("fatal", ev.Fatal).Msg(ev.Message)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, ev.String())
	if len(p.errors) > p.maxError {
		p.errors = p.errors[len(p.errors)-p.maxError:]
	}
}

// Latest returns the most recent annotated frame as JPEG. ok is false when
// no session is producing frames.
func (p *Presenter) Latest() (jpeg []byte, at time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.jpeg, p.frameAt, p.jpeg != nil
}

func (p *Presenter) RecentErrors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.errors...)
}
