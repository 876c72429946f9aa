package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Detector runs object detection on one encoded still.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Prediction, error)
}

type requestIDKey struct{}

// WithRequestID attaches the pipeline's request id to ctx so detectors can
// forward it to the backend.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, image []byte) ([]Prediction, error)

func (f DetectorFunc) Detect(ctx context.Context, image []byte) ([]Prediction, error) {
	return f(ctx, image)
}

// ErrBusy is reported when a sampled frame is skipped because the maximum
// number of inference requests is already pending.
var ErrBusy = errors.New("detection: inference requests pending")

const maxResponseBytes = 4 << 20

// HTTPDetector posts the base64 image to a hosted inference endpoint with
// the API key as a query parameter.
type HTTPDetector struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPDetector returns a detector for endpoint. The API key is injected
// here and nowhere else.
func NewHTTPDetector(endpoint, apiKey string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]Prediction, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if d.apiKey != "" {
		q := u.Query()
		q.Set("api_key", d.apiKey)
		u.RawQuery = q.Encode()
	}

	body := base64.StdEncoding.EncodeToString(image)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}
	return ParsePredictions(data)
}
