package ocr

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"gocv.io/x/gocv"
)

// TextDetector is the part of the Rekognition client the engine uses.
type TextDetector interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// RekognitionEngine reads plates with AWS Rekognition DetectText. Only LINE
// detections are kept; WORD detections repeat the same characters.
type RekognitionEngine struct {
	client TextDetector
}

func NewRekognitionEngine(client TextDetector) *RekognitionEngine {
	return &RekognitionEngine{client: client}
}

func NewRekognitionEngineFromConfig(cfg aws.Config) *RekognitionEngine {
	return NewRekognitionEngine(rekognition.NewFromConfig(cfg))
}

func (e *RekognitionEngine) InputFormat() ColorFormat { return FormatBGR }

func (e *RekognitionEngine) Recognize(ctx context.Context, crop gocv.Mat) ([]Fragment, error) {
	if crop.Empty() {
		return nil, nil
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, crop)
	if err != nil {
		return nil, fmt.Errorf("encode plate crop: %w", err)
	}
	defer buf.Close()

	// The SDK may retain the slice past this call; copy out of C memory.
	data := append([]byte(nil), buf.GetBytes()...)
	out, err := e.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: data},
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition detect text: %w", err)
	}
	return lineFragments(out.TextDetections), nil
}

func lineFragments(detections []types.TextDetection) []Fragment {
	var fragments []Fragment
	for _, d := range detections {
		if d.Type != types.TextTypesLine || d.DetectedText == nil {
			continue
		}
		f := Fragment{Text: aws.ToString(d.DetectedText)}
		if d.Confidence != nil {
			f.Confidence = float64(*d.Confidence) / 100
		}
		fragments = append(fragments, f)
	}
	return fragments
}

func (e *RekognitionEngine) Close() error { return nil }
