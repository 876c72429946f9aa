package camsim

import (
	"context"
	"sync"
	"time"

	"github.com/lightning-sagar/LMS/internal/framing"
)

// frameHub renders scene frames at a fixed rate while anyone is subscribed
// and fans the length-prefixed frames out. Slow subscribers miss frames.
type frameHub struct {
	scene    *Scene
	interval time.Duration

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	sent    uint64
	dropped uint64
}

func newFrameHub(scene *Scene, fps int) *frameHub {
	if fps <= 0 {
		fps = 15
	}
	return &frameHub{
		scene:    scene,
		interval: time.Second / time.Duration(fps),
		clients:  make(map[int]chan []byte),
	}
}

func (h *frameHub) subscribe() (int, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, 2)
	h.clients[id] = ch
	return id, ch
}

func (h *frameHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *frameHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *frameHub) stats() (sent, dropped uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent, h.dropped
}

func (h *frameHub) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if h.count() == 0 {
			idle++
			if idle%100 == 0 {
				log.Debug("no feed clients, idle (count=%d)", idle)
			}
			continue
		}
		idle = 0

		seq, data, err := h.scene.Next()
		if err != nil {
			log.Warn("frame %d: %v", seq, err)
			continue
		}
		h.broadcast(framing.AppendFrame(make([]byte, 0, framing.HeaderSize+len(data)), data))
	}
}

func (h *frameHub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- frame:
			h.sent++
		default:
			h.dropped++
		}
	}
}
