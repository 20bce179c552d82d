package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

type TesseractConfig struct {
	Language  string
	Whitelist string
	Workers   int
}

// TesseractEngine keeps a fixed set of gosseract clients. A client is not
// safe for concurrent use, so each Recognize call checks one out.
type TesseractEngine struct {
	clients chan *gosseract.Client
	all     []*gosseract.Client
}

func NewTesseractEngine(cfg TesseractConfig) (*TesseractEngine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}

	e := &TesseractEngine{clients: make(chan *gosseract.Client, cfg.Workers)}
	for i := 0; i < cfg.Workers; i++ {
		client := gosseract.NewClient()
		if err := configureClient(client, cfg); err != nil {
			client.Close()
			e.Close()
			return nil, err
		}
		e.all = append(e.all, client)
		e.clients <- client
	}
	return e, nil
}

func configureClient(client *gosseract.Client, cfg TesseractConfig) error {
	if err := client.SetLanguage(cfg.Language); err != nil {
		return fmt.Errorf("set ocr language: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			return fmt.Errorf("set ocr whitelist: %w", err)
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return fmt.Errorf("set page segmentation mode: %w", err)
	}
	return nil
}

func (e *TesseractEngine) InputFormat() ColorFormat { return FormatGray }

func (e *TesseractEngine) Recognize(ctx context.Context, crop gocv.Mat) ([]Fragment, error) {
	if crop.Empty() {
		return nil, nil
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, crop)
	if err != nil {
		return nil, fmt.Errorf("encode plate crop: %w", err)
	}
	defer buf.Close()

	var client *gosseract.Client
	select {
	case client = <-e.clients:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.clients <- client }()

	if err := client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, fmt.Errorf("load plate crop: %w", err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("read plate text: %w", err)
	}

	fragments := make([]Fragment, 0, len(boxes))
	for _, box := range boxes {
		fragments = append(fragments, Fragment{
			Text:       box.Word,
			Confidence: box.Confidence / 100,
		})
	}
	return fragments, nil
}

func (e *TesseractEngine) Close() error {
	for _, client := range e.all {
		client.Close()
	}
	e.all = nil
	return nil
}
