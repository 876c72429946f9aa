package camsim

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/lightning-sagar/LMS/internal/detection"
)

// Detector finds the simulated target in an encoded still.
type Detector struct {
	Class   string
	ClassID int
}

// Detect decodes data and returns zero or one prediction. The result is
// never nil so it serializes as an empty JSON array.
func (d Detector) Detect(ctx context.Context, data []byte) ([]detection.Prediction, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.predict(img), nil
}

func (d Detector) predict(img image.Image) []detection.Prediction {
	box, fill, ok := Locate(img)
	if !ok {
		return []detection.Prediction{}
	}
	return []detection.Prediction{{
		X:           float64(box.Min.X) + float64(box.Dx())/2,
		Y:           float64(box.Min.Y) + float64(box.Dy())/2,
		Width:       float64(box.Dx()),
		Height:      float64(box.Dy()),
		Confidence:  math.Round(fill*1000) / 1000,
		Class:       d.Class,
		ClassID:     d.ClassID,
		DetectionID: uuid.NewString(),
	}}
}

type detectorService struct {
	d Detector
}

func (s detectorService) Detect(ctx context.Context, req *detection.DetectRequest) (*detection.DetectResponse, error) {
	if len(req.Image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}
	preds, err := s.d.Detect(ctx, req.Image)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	log.Debug("detect %s: %d predictions", req.RequestID, len(preds))
	return &detection.DetectResponse{Predictions: preds}, nil
}

// KeepaliveEnforcement accepts the idle pings detector clients send.
var KeepaliveEnforcement = keepalive.EnforcementPolicy{
	MinTime:             5 * time.Second,
	PermitWithoutStream: true,
}

// ServerOptions returns the options a detector gRPC server should use.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(KeepaliveEnforcement),
	}
}

// RegisterDetector serves d as the detector gRPC service on s.
func RegisterDetector(s *grpc.Server, d Detector) {
	detection.RegisterDetectorServer(s, detectorService{d: d})
}
