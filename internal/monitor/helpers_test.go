package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightning-sagar/LMS/internal/control"
	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/render"
	"github.com/lightning-sagar/LMS/internal/viewer"
)

// fakeView is a View whose detections are pushed by the test.
type fakeView struct {
	camera  *render.Surface
	overlay *render.Surface
	results chan detection.Result

	mu       sync.Mutex
	status   viewer.Status
	commands []string
	err      error
}

func newFakeView() *fakeView {
	return &fakeView{
		camera:  render.NewSurface(64, 48),
		overlay: render.NewSurface(64, 48),
		results: make(chan detection.Result, 4),
		status: viewer.Status{
			Camera:      viewer.StatusCameraConnected,
			CameraState: "open",
			Backend:     "http",
			Detection:   detection.StatusWaiting,
			Mounted:     true,
			Control:     viewer.ControlStatus{Enabled: true, Mode: "repeat"},
		},
	}
}

func (v *fakeView) Status() viewer.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *fakeView) Surfaces() (*render.Surface, *render.Surface) { return v.camera, v.overlay }

func (v *fakeView) Detections() (<-chan detection.Result, func()) {
	return v.results, func() {}
}

func (v *fakeView) StartDirection(dir control.Direction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.commands = append(v.commands, "start:"+string(dir))
	v.status.Control.Active = true
	v.status.Control.Direction = string(dir)
	return nil
}

func (v *fakeView) StopDirection() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.commands = append(v.commands, "stop")
	v.status.Control.Active = false
	v.status.Control.Direction = ""
	return nil
}

func (v *fakeView) setErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func (v *fakeView) recorded() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.commands...)
}

type testServer struct {
	*httptest.Server
	view    *fakeView
	metrics *metrics.Metrics
	srv     *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	view := newFakeView()
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.StatusInterval = 50 * time.Millisecond
	cfg.MJPEGKeepalive = 100 * time.Millisecond
	cfg.PlaceholderWidth, cfg.PlaceholderHeight = 64, 48

	srv, err := NewServer(cfg, view, m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testServer{Server: ts, view: view, metrics: m, srv: srv}
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.Client().Get(s.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (s *testServer) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := s.Client().Post(s.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// readSSEEvent returns the first complete SSE event that is not a comment.
func readSSEEvent(url string, header http.Header, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if !strings.HasPrefix(event, ":") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return payload
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetectionPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["frame_number"], "frame_number")
	requireNumber(t, payload["timestamp"], "timestamp")
	requireString(t, payload["request_id"], "request_id")
	detections := requireSlice(t, payload["detections"], "detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
		requireString(t, det["class_name"], "detections.class_name")
		requireString(t, det["label"], "detections.label")
		requireNumber(t, det["confidence"], "detections.confidence")
		bbox := requireMap(t, det["bbox"], "detections.bbox")
		requireNumber(t, bbox["x"], "detections.bbox.x")
		requireNumber(t, bbox["y"], "detections.bbox.y")
		requireNumber(t, bbox["w"], "detections.bbox.w")
		requireNumber(t, bbox["h"], "detections.bbox.h")
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	v := requireMap(t, payload["viewer"], "viewer")
	requireString(t, v["camera"], "viewer.camera")
	requireString(t, v["camera_state"], "viewer.camera_state")
	requireString(t, v["detection"], "viewer.detection")
	requireNumber(t, v["frames_rendered"], "viewer.frames_rendered")
	requireNumber(t, v["processed_frames"], "viewer.processed_frames")
	ctl := requireMap(t, v["control"], "viewer.control")
	requireString(t, ctl["mode"], "viewer.control.mode")

	mon := requireMap(t, payload["monitor"], "monitor")
	requireNumber(t, mon["frames_received"], "monitor.frames_received")
	requireNumber(t, mon["current_fps"], "monitor.current_fps")
	requireNumber(t, mon["detection_count"], "monitor.detection_count")
	requireNumber(t, mon["stream_clients"], "monitor.stream_clients")

	requireNumber(t, payload["timestamp"], "timestamp")
	requireSlice(t, payload["detection_history"], "detection_history")
}

func httptestRecorder(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
