package monitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lightning-sagar/LMS/internal/render"
)

// FrameBroadcaster fans JPEG encodings of one surface out to MJPEG clients.
// It encodes only while at least one client is subscribed.
type FrameBroadcaster struct {
	name    string
	surface *render.Surface
	quality int

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	cached    []byte
	cachedVer uint64
	kick      chan struct{}
	stop      chan struct{}
	stopped   bool
	skipCount int // updates skipped while no clients were subscribed
}

// NewFrameBroadcaster creates a broadcaster for surface. Call Start.
func NewFrameBroadcaster(name string, surface *render.Surface, quality int) *FrameBroadcaster {
	return &FrameBroadcaster{
		name:    name,
		surface: surface,
		quality: quality,
		clients: make(map[int]chan []byte),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The current frame, if any, is delivered first.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	select {
	case fb.kick <- struct{}{}:
	default:
	}

	log.Debug("%s client #%d subscribed (total clients: %d)", fb.name, id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		log.Debug("%s client #%d unsubscribed (remaining clients: %d)", fb.name, id, len(fb.clients))
		if len(fb.clients) == 0 {
			log.Debug("No %s clients remaining - encoding will be skipped", fb.name)
		}
	}
}

// Clients returns the number of subscribed clients.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and closes every client channel.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	fb.stopped = true
	close(fb.stop)
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

func (fb *FrameBroadcaster) run() {
	updates := fb.surface.Subscribe()
	defer fb.surface.Unsubscribe(updates)

	for {
		select {
		case <-fb.stop:
			return
		case <-updates:
		case <-fb.kick:
		}

		if fb.Clients() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				log.Debug("No %s clients connected (skipped %d updates)", fb.name, fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		jpegData := fb.encode()
		if jpegData == nil {
			continue
		}
		fb.broadcast(jpegData)
	}
}

// encode returns the JPEG for the surface's current version, reusing the
// previous encoding when nothing changed.
func (fb *FrameBroadcaster) encode() []byte {
	ver := fb.surface.Version()
	if ver == 0 {
		return nil
	}
	if ver == fb.cachedVer {
		return fb.cached
	}
	data, err := fb.surface.EncodeJPEG(fb.quality)
	if err != nil {
		log.Warn("%s JPEG encode failed: %v", fb.name, err)
		return nil
	}
	fb.cached, fb.cachedVer = data, ver
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// DetectionBroadcaster fans detection events from a view out to SSE clients,
// serializing each event once per format.
type DetectionBroadcaster struct {
	view    View
	monitor *Monitor

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stop    chan struct{}
	stopped bool
}

// NewDetectionBroadcaster creates a broadcaster for view's detection results.
func NewDetectionBroadcaster(view View, monitor *Monitor) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		view:    view,
		monitor: monitor,
		clients: make(map[int]chan *SerializedEvent),
		stop:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, 2)
	db.clients[id] = ch

	log.Debug("Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// Start subscribes to the view and begins broadcasting.
func (db *DetectionBroadcaster) Start() {
	results, cancel := db.view.Detections()
	go func() {
		defer cancel()
		for {
			select {
			case <-db.stop:
				return
			case r, ok := <-results:
				if !ok {
					return
				}
				ev := newDetectionEvent(r)
				db.monitor.Record(ev)
				event, err := serializeEvent(ev)
				if err != nil {
					log.Error("%v", err)
					continue
				}
				db.broadcast(event)
			}
		}
	}()
}

// Stop halts the broadcaster and closes every client channel.
func (db *DetectionBroadcaster) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}
	db.stopped = true
	close(db.stop)
	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
	}
}

func (db *DetectionBroadcaster) broadcast(event *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ch := range db.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// serializeEvent encodes ev as JSON and as a base64 protobuf Struct with the
// same field names.
func serializeEvent(ev DetectionEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal error: %w", err)
	}

	st := &structpb.Struct{}
	if err := protojson.Unmarshal(jsonData, st); err != nil {
		return nil, fmt.Errorf("protobuf conversion error: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal error: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
