package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// DataChannelDialer opens a feed over a WebRTC data channel. The offer is
// POSTed as JSON to SignalURL and the answer is read from the response body.
type DataChannelDialer struct {
	SignalURL  string
	ICEServers []string
	Label      string
	HTTPClient *http.Client
	// OpenTimeout bounds signalling plus channel establishment.
	OpenTimeout time.Duration
}

func (d DataChannelDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.OpenTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config := webrtc.Configuration{}
	if len(d.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: d.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	label := d.Label
	if label == "" {
		label = "frames"
	}
	ordered := true
	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	conn := &dataChannelConn{
		pc:     pc,
		dc:     dc,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case conn.in <- msg.Data:
		case <-conn.closed:
		}
	})
	dc.OnClose(func() { conn.finish(io.EOF) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			conn.finish(fmt.Errorf("peer connection %s", state))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answer, err := d.signal(ctx, pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	select {
	case <-opened:
		return conn, nil
	case <-conn.closed:
		pc.Close()
		return nil, conn.err
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

func (d DataChannelDialer) signal(ctx context.Context, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.SignalURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", d.SignalURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("signal %s: status %d: %s", d.SignalURL, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("failed to decode answer: %w", err)
	}
	return &answer, nil
}

type dataChannelConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	in chan []byte

	once   sync.Once
	closed chan struct{}
	err    error
}

func (c *dataChannelConn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.closed)
	})
}

func (c *dataChannelConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		// Deliver what arrived before the close.
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, c.err
		}
	}
}

func (c *dataChannelConn) WriteMessage(p []byte) error {
	return c.dc.Send(p)
}

func (c *dataChannelConn) Close() error {
	c.finish(io.EOF)
	return c.pc.Close()
}
