package camsim

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/lightning-sagar/LMS/internal/framing"
)

// peer is one WebRTC viewer receiving the camera feed on a data channel.
type peer struct {
	id         string
	peerConn   *webrtc.PeerConnection
	closeChan  chan struct{}
	framesSent atomic.Uint64
}

// peerHub manages WebRTC data-channel viewers.
type peerHub struct {
	frames     *frameHub
	chunkSize  int
	maxClients int
	config     webrtc.Configuration
	api        *webrtc.API

	mu      sync.RWMutex
	clients map[string]*peer
}

func newPeerHub(frames *frameHub, stunServers []string, maxClients, chunkSize int) *peerHub {
	var iceServers []webrtc.ICEServer
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &peerHub{
		frames:     frames,
		chunkSize:  chunkSize,
		maxClients: maxClients,
		config:     webrtc.Configuration{ICEServers: iceServers},
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		clients:    make(map[string]*peer),
	}
}

// HandleOffer answers a viewer's offer. The viewer creates the data channel;
// frames start flowing once it opens.
func (h *peerHub) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if n := h.count(); n >= h.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", h.maxClients)
	}

	peerConn, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Debug("peer %s opened data channel %q", p.id, dc.Label())
		dc.OnOpen(func() { go h.sendFrames(p, dc) })
		dc.OnClose(func() { h.remove(p.id) })
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer %s connection state: %s", p.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Info("peer %s connection lost (%s), removing...", p.id, state.String())
			h.remove(p.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	h.mu.Lock()
	h.clients[p.id] = p
	h.mu.Unlock()
	log.Info("peer %s connected", p.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		h.remove(p.id)
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		h.remove(p.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

func (h *peerHub) sendFrames(p *peer, dc *webrtc.DataChannel) {
	id, frames := h.frames.subscribe()
	defer h.frames.unsubscribe(id)

	for {
		select {
		case <-p.closeChan:
			return
		case frame := <-frames:
			for _, chunk := range framing.Split(frame, h.chunkSize) {
				if err := dc.Send(chunk); err != nil {
					log.Warn("peer %s send failed: %v", p.id, err)
					h.remove(p.id)
					return
				}
			}
			p.framesSent.Add(1)
		}
	}
}

func (h *peerHub) remove(id string) {
	h.mu.Lock()
	p, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	close(p.closeChan)
	p.peerConn.Close()
	log.Info("peer %s disconnected (sent: %d)", id, p.framesSent.Load())
}

func (h *peerHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every peer.
func (h *peerHub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.remove(id)
	}
}
