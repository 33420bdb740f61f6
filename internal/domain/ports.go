package domain

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MessageSigner signs protocol messages. The session authenticator lends the
// ephemeral session key's signer to the channel components; the wallet's
// long-lived key backs a separate signer used only during authentication.
type MessageSigner interface {
	// Sign returns a hex-encoded signature over payload.
	Sign(payload []byte) (string, error)
	// Address returns the signing key's derived address.
	Address() string
}

// ChallengeSigner produces the structured auth signature over the exact
// challenge bytes issued by the coordinator, bound to the originally
// requested auth parameters.
type ChallengeSigner interface {
	SignChallenge(params AuthParams, challenge []byte) (string, error)
	Address() string
}

// SettlementClient submits channel state to the chain. It is an external
// collaborator; submissions are idempotent by channel id, so retrying a
// failed submission is safe.
type SettlementClient interface {
	SubmitCreate(ctx context.Context, p CreateProposal) error
	SubmitResize(ctx context.Context, p ResizeProposal) error
	SubmitClose(ctx context.Context, p CloseProposal) error
	Withdraw(ctx context.Context, asset, amount string) error
}

// MediaSource provides the broadcaster's local media tracks. Tracks are
// attached to every viewer's peer connection.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}
