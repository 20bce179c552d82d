package capture

import (
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrOpen means the device or file could not be opened.
	ErrOpen = errors.New("capture open failed")
	// ErrEndOfStream means no further frames are available. It ends a session normally.
	ErrEndOfStream = errors.New("end of stream")
)

type Kind string

const (
	KindCamera Kind = "camera"
	KindFile   Kind = "file"
)

// Spec names what to open: the camera at Device or the video at Path.
type Spec struct {
	Kind   Kind   `json:"source" binding:"required,oneof=camera file"`
	Device int    `json:"device"`
	Path   string `json:"path"`
}

func (s Spec) String() string {
	if s.Kind == KindFile {
		return "file:" + s.Path
	}
	return fmt.Sprintf("camera:%d", s.Device)
}

// Source yields frames in capture order. It is owned by a single goroutine.
type Source interface {
	// Read fills dst with the next frame or returns ErrEndOfStream.
	Read(dst *gocv.Mat) error
	Close() error
}

// Opener opens a Source; sessions take one so tests can substitute fakes.
type Opener func(spec Spec) (Source, error)

type VideoSource struct {
	cap  *gocv.VideoCapture
	spec Spec
}

// Open opens a camera or a video file through OpenCV.
func Open(spec Spec) (Source, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	switch spec.Kind {
	case KindCamera:
		vc, err = gocv.OpenVideoCapture(spec.Device)
	case KindFile:
		if strings.TrimSpace(spec.Path) == "" {
			return nil, fmt.Errorf("%w: empty file path", ErrOpen)
		}
		vc, err = gocv.VideoCaptureFile(spec.Path)
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrOpen, spec.Kind)
	}
	if err != nil {
		if vc != nil {
			vc.Close()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, spec, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, spec)
	}
	if spec.Kind == KindCamera {
		// Keep latency low: only the newest frame is buffered.
		vc.Set(gocv.VideoCaptureBufferSize, 1)
	}
	return &VideoSource{cap: vc, spec: spec}, nil
}

func (s *VideoSource) Read(dst *gocv.Mat) error {
	if ok := s.cap.Read(dst); !ok || dst.Empty() {
		return ErrEndOfStream
	}
	return nil
}

func (s *VideoSource) Close() error {
	return s.cap.Close()
}
