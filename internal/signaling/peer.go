package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"

	"github.com/tipstream/tipstream/internal/domain"
)

// Peer is one viewer's media connection, from the broadcaster's side.
type Peer interface {
	// CreateOffer creates the SDP offer and sets it as the local
	// description.
	CreateOffer() (string, error)
	// SetRemoteDescription applies the viewer's SDP answer.
	SetRemoteDescription(sdp string) error
	// AddICECandidate applies a viewer ICE candidate (JSON-encoded
	// ICECandidateInit).
	AddICECandidate(candidate string) error
	Close() error
}

// PeerCallbacks are the per-peer notifications the hub wires up.
type PeerCallbacks struct {
	// OnICECandidate fires for each locally gathered candidate,
	// JSON-encoded.
	OnICECandidate func(candidate string)
	// OnTerminal fires when the connection reaches disconnected or failed.
	OnTerminal func()
}

// PeerFactory creates a Peer with the broadcaster's local tracks attached.
type PeerFactory func(cb PeerCallbacks) (Peer, error)

// NewPionFactory builds a PeerFactory backed by pion, attaching the media
// source's tracks to every created peer.
func NewPionFactory(stunServers []string, source domain.MediaSource) (PeerFactory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	reg.Add(generator)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	config := pion.Configuration{
		ICEServers: []pion.ICEServer{{URLs: stunServers}},
	}

	return func(cb PeerCallbacks) (Peer, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		for _, track := range source.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}

		pc.OnICECandidate(func(c *pion.ICECandidate) {
			if c == nil || cb.OnICECandidate == nil {
				return
			}
			init := c.ToJSON()
			data, err := json.Marshal(init)
			if err != nil {
				return
			}
			cb.OnICECandidate(string(data))
		})

		pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
			if state == pion.PeerConnectionStateDisconnected || state == pion.PeerConnectionStateFailed {
				if cb.OnTerminal != nil {
					cb.OnTerminal()
				}
			}
		})

		return &pionPeer{pc: pc}, nil
	}, nil
}

type pionPeer struct {
	pc *pion.PeerConnection
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(sdp string) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) AddICECandidate(candidate string) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
