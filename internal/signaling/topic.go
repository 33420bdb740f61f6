// Package signaling fans the broadcaster's media stream out to viewers:
// per-viewer WebRTC connections negotiated over a shared broadcast topic.
package signaling

import (
	"context"
	"time"
)

// publishTimeout bounds each topic publish.
const publishTimeout = 5 * time.Second

// Event types on the broadcast topic.
const (
	EventViewerJoin   = "viewer-join"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventStreamEnded  = "stream-ended"
)

// Sender tags on ice-candidate events.
const (
	SenderHost   = "host"
	SenderViewer = "viewer"
)

// Event is one message on a stream's broadcast topic. From carries the
// publisher id so subscribers can suppress their own broadcasts.
type Event struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	ViewerID  string `json:"viewer_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// TopicName returns the broadcast topic for a stream.
func TopicName(streamID string) string {
	return "stream-signal:" + streamID
}

// Topic is a subscription to one stream's broadcast topic. Delivery excludes
// the subscriber's own publications.
type Topic interface {
	// Publish broadcasts an event to every other subscriber.
	Publish(ctx context.Context, ev Event) error
	// Events returns the inbound event stream. It is closed when the
	// subscription ends.
	Events() <-chan Event
	// Leave unsubscribes and closes the event stream. Idempotent.
	Leave() error
}
