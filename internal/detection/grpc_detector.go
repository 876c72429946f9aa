package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// DetectMethod is the full gRPC method name of the detector service.
const DetectMethod = "/lms.detection.Detector/Detect"

// KeepaliveTime is how often an idle detector client pings the server.
// Servers must permit pings at least this often.
const KeepaliveTime = 10 * time.Second

// jsonCodec carries detector messages as JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DetectRequest is the unary request of the detector service.
type DetectRequest struct {
	RequestID string `json:"request_id"`
	Image     []byte `json:"image"`
}

// DetectResponse is the unary response of the detector service.
type DetectResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// DetectorServer is implemented by detector service backends.
type DetectorServer interface {
	Detect(ctx context.Context, req *DetectRequest) (*DetectResponse, error)
}

// RegisterDetectorServer registers srv on s.
func RegisterDetectorServer(s *grpc.Server, srv DetectorServer) {
	s.RegisterService(&detectorServiceDesc, srv)
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: "lms.detection.Detector",
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DetectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectorServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectorServer).Detect(ctx, req.(*DetectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCDetector calls a detector service over gRPC.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	target  string
	timeout time.Duration
}

// NewGRPCDetector connects lazily to target. Extra options are appended to
// the defaults (insecure transport, keepalive, 50MB messages).
func NewGRPCDetector(target string, timeout time.Duration, extra ...grpc.DialOption) (*GRPCDetector, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(jsonCodec{}.Name()),
			grpc.MaxCallRecvMsgSize(50*1024*1024),
			grpc.MaxCallSendMsgSize(50*1024*1024),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                KeepaliveTime,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create detector client for %s: %w", target, err)
	}
	return &GRPCDetector{conn: conn, target: target, timeout: timeout}, nil
}

func (g *GRPCDetector) Detect(ctx context.Context, image []byte) ([]Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var resp DetectResponse
	req := &DetectRequest{RequestID: RequestIDFromContext(ctx), Image: image}
	if err := g.conn.Invoke(ctx, DetectMethod, req, &resp); err != nil {
		return nil, fmt.Errorf("could not detect: %w", err)
	}
	return resp.Predictions, nil
}

func (g *GRPCDetector) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}
