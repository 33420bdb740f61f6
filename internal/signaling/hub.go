package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub is the broadcaster's side of the broadcast topic: one peer connection
// per connected viewer, created on viewer-join and torn down on disconnect,
// failure, or leave. Topic events and peer-state notifications are consumed
// by a single loop, so the peer map has one writer at a time.
type Hub struct {
	log     zerolog.Logger
	topic   Topic
	factory PeerFactory

	mu    sync.Mutex
	peers map[string]Peer

	notify  chan terminalNote
	stopped chan struct{}

	leaveOnce sync.Once
}

// terminalNote reports that a viewer's connection reached a terminal state.
// The peer is carried so a note for an already-replaced entry is ignored.
type terminalNote struct {
	viewerID string
	peer     Peer
}

// NewHub creates a Hub over an already-joined topic.
func NewHub(topic Topic, factory PeerFactory, log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		topic:   topic,
		factory: factory,
		peers:   make(map[string]Peer),
		notify:  make(chan terminalNote, 16),
		stopped: make(chan struct{}),
	}
}

// Run consumes the topic's event stream until the context is cancelled or
// the subscription ends, then leaves the stream. It blocks; run it on its
// own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer h.Leave()

	events := h.topic.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-h.notify:
			h.removePeer(note.viewerID, note.peer)
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handleEvent(ctx, ev)
		}
	}
}

// ViewerCount is the live size of the peer map.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Leave tears the session down: one stream-ended broadcast, every peer
// closed, the map cleared, the topic left. Runs exactly once no matter how
// often or from where it is called.
func (h *Hub) Leave() {
	h.leaveOnce.Do(func() {
		close(h.stopped)

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.topic.Publish(ctx, Event{Type: EventStreamEnded}); err != nil {
			h.log.Warn().Err(err).Msg("stream-ended publish failed")
		}

		h.mu.Lock()
		peers := h.peers
		h.peers = make(map[string]Peer)
		h.mu.Unlock()
		for id, p := range peers {
			if err := p.Close(); err != nil {
				h.log.Debug().Err(err).Str("viewer_id", id).Msg("peer close")
			}
		}

		if err := h.topic.Leave(); err != nil {
			h.log.Warn().Err(err).Msg("topic leave failed")
		}
		h.log.Info().Msg("left stream")
	})
}

func (h *Hub) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventViewerJoin:
		h.handleJoin(ctx, ev.ViewerID)
	case EventAnswer:
		h.handleAnswer(ev.ViewerID, ev.SDP)
	case EventICECandidate:
		if ev.Sender == SenderViewer {
			h.handleCandidate(ev.ViewerID, ev.Candidate)
		}
	default:
		// viewer-side or unknown events; not ours to handle
	}
}

// handleJoin sets up a fresh connection for the viewer. An existing entry is
// torn down first, which covers a viewer reconnecting without a leave.
func (h *Hub) handleJoin(ctx context.Context, viewerID string) {
	if viewerID == "" {
		return
	}

	h.mu.Lock()
	if old, ok := h.peers[viewerID]; ok {
		delete(h.peers, viewerID)
		old.Close()
		h.log.Info().Str("viewer_id", viewerID).Msg("replacing existing connection")
	}
	h.mu.Unlock()

	peer, err := h.factory(PeerCallbacks{
		OnICECandidate: func(candidate string) {
			h.publish(Event{
				Type:      EventICECandidate,
				ViewerID:  viewerID,
				Candidate: candidate,
				Sender:    SenderHost,
			})
		},
		OnTerminal: func() {
			// Runs on a pion goroutine; hand off to the loop.
			h.mu.Lock()
			p := h.peers[viewerID]
			h.mu.Unlock()
			select {
			case h.notify <- terminalNote{viewerID: viewerID, peer: p}:
			case <-h.stopped:
			}
		},
	})
	if err != nil {
		h.log.Error().Err(err).Str("viewer_id", viewerID).Msg("create peer failed")
		return
	}

	h.mu.Lock()
	h.peers[viewerID] = peer
	h.mu.Unlock()

	offer, err := peer.CreateOffer()
	if err != nil {
		h.log.Error().Err(err).Str("viewer_id", viewerID).Msg("create offer failed")
		h.removePeer(viewerID, peer)
		return
	}

	h.publish(Event{Type: EventOffer, ViewerID: viewerID, SDP: offer})
	h.log.Info().Str("viewer_id", viewerID).Int("viewers", h.ViewerCount()).Msg("viewer joined")
}

// handleAnswer applies the viewer's SDP answer. A late or duplicate answer
// for an unknown viewer is a no-op.
func (h *Hub) handleAnswer(viewerID, sdp string) {
	h.mu.Lock()
	peer, ok := h.peers[viewerID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := peer.SetRemoteDescription(sdp); err != nil {
		h.log.Warn().Err(err).Str("viewer_id", viewerID).Msg("set remote description failed")
	}
}

// handleCandidate applies a viewer ICE candidate. Failures are swallowed:
// a candidate can legitimately arrive before the remote description is set,
// and WebRTC tolerates dropped candidates.
func (h *Hub) handleCandidate(viewerID, candidate string) {
	h.mu.Lock()
	peer, ok := h.peers[viewerID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := peer.AddICECandidate(candidate); err != nil {
		h.log.Debug().Err(err).Str("viewer_id", viewerID).Msg("ice candidate dropped")
	}
}

// removePeer deletes the viewer's entry and closes the connection. It is
// a no-op when the entry is already absent or already replaced by a newer
// connection.
func (h *Hub) removePeer(viewerID string, peer Peer) {
	h.mu.Lock()
	current, ok := h.peers[viewerID]
	if !ok || (peer != nil && current != peer) {
		h.mu.Unlock()
		return
	}
	delete(h.peers, viewerID)
	remaining := len(h.peers)
	h.mu.Unlock()

	current.Close()
	h.log.Info().Str("viewer_id", viewerID).Int("viewers", remaining).Msg("viewer disconnected")
}

func (h *Hub) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.topic.Publish(ctx, ev); err != nil {
		h.log.Warn().Err(err).Str("type", ev.Type).Msg("publish failed")
	}
}
