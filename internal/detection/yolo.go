package detection

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"traffic-violation-service/internal/domain/violation"
)

type YOLOConfig struct {
	ModelPath      string
	InputSize      int
	ScoreThreshold float32
	NMSThreshold   float32
	Backend        string // "cpu" or "cuda"
}

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module. The
// network output is [1, 4+classes, candidates] with boxes in input pixels.
type YOLODetector struct {
	net gocv.Net
	cfg YOLOConfig
	mu  sync.Mutex
	log zerolog.Logger
}

func NewYOLODetector(cfg YOLOConfig, log zerolog.Logger) (*YOLODetector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("%w: failed to load network from %s", ErrModelNotLoaded, cfg.ModelPath)
	}

	switch strings.ToLower(cfg.Backend) {
	case "cuda":
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	default:
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	log.Info().
		Str("model", cfg.ModelPath).
		Str("backend", cfg.Backend).
		Int("input_size", cfg.InputSize).
		Msg("detector initialized")

	return &YOLODetector{net: net, cfg: cfg, log: log}, nil
}

func (d *YOLODetector) Detect(ctx context.Context, frame gocv.Mat) ([]violation.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}
	attrs, candidates := dims[1], dims[2]

	plane := output.Reshape(1, attrs)
	defer plane.Close()
	preds := gocv.NewMat()
	defer preds.Close()
	gocv.Transpose(plane, &preds)

	data, err := preds.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read detector output: %w", err)
	}

	xScale := float32(frame.Cols()) / float32(size)
	yScale := float32(frame.Rows()) / float32(size)
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())

	var (
		rects   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < candidates; i++ {
		row := data[i*attrs : (i+1)*attrs]
		classID, best := -1, float32(0)
		for c, s := range row[4:] {
			if s > best {
				classID, best = c, s
			}
		}
		if classID < 0 || best < d.cfg.ScoreThreshold {
			continue
		}

		cx, cy, w, h := row[0]*xScale, row[1]*yScale, row[2]*xScale, row[3]*yScale
		rect := image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		rects = append(rects, rect)
		scores = append(scores, best)
		classes = append(classes, classID)
	}
	if len(rects) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(rects, scores, d.cfg.ScoreThreshold, d.cfg.NMSThreshold)
	detections := make([]violation.Detection, 0, len(keep))
	for _, idx := range keep {
		detections = append(detections, violation.Detection{
			Box:        violation.BoxFromRect(rects[idx]),
			ClassID:    violation.ClassID(classes[idx]),
			Confidence: float64(scores[idx]),
		})
	}

	d.log.Debug().Int("candidates", len(rects)).Int("kept", len(detections)).Msg("detector pass")
	return detections, nil
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
