package rpc

import (
	"strings"

	"github.com/tipstream/tipstream/internal/domain"
)

// AuthRequestParams opens an authentication attempt for a wallet, announcing
// the ephemeral session key and the rights requested for it.
type AuthRequestParams struct {
	Address     string             `json:"address"`
	SessionKey  string             `json:"session_key"`
	Application string             `json:"application"`
	Allowances  []domain.Allowance `json:"allowances"`
	ExpiresAt   int64              `json:"expires_at"`
	Scope       string             `json:"scope"`
}

// AuthChallengeParams carries the opaque challenge. The raw bytes are what
// the wallet signs, so handlers must retain the message verbatim.
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams answers a challenge with the wallet's signature over it.
type AuthVerifyParams struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// AuthVerifyResultParams reports the coordinator's verdict.
type AuthVerifyResultParams struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// AssetListRequestParams asks for the assets available on one chain.
type AssetListRequestParams struct {
	ChainID int64 `json:"chain_id,omitempty"`
}

// AssetListParams is the coordinator's asset catalogue.
type AssetListParams struct {
	Assets []domain.Asset `json:"assets"`
}

// BalanceUpdateParams reports the session's off-chain balances.
type BalanceUpdateParams struct {
	BalanceUpdates []Balance `json:"balance_updates"`
}

// Balance is one asset's off-chain balance.
type Balance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// CreateChannelParams requests a new channel escrowing the given token.
type CreateChannelParams struct {
	ChainID int64  `json:"chain_id"`
	Token   string `json:"token"`
}

// CreateChannelResultParams is the coordinator's countersigned creation.
type CreateChannelResultParams struct {
	ChannelID       string              `json:"channel_id"`
	Channel         domain.Channel      `json:"channel"`
	State           domain.ChannelState `json:"state"`
	ServerSignature string              `json:"server_signature"`
}

// GetChannelsParams queries channels for a participant, optionally filtered
// by status ("open", "closed").
type GetChannelsParams struct {
	Participant string `json:"participant"`
	Status      string `json:"status,omitempty"`
}

// GetChannelsResultParams lists the matching channels.
type GetChannelsResultParams struct {
	Channels []domain.Channel `json:"channels"`
}

// ResizeChannelParams requests a channel resize.
type ResizeChannelParams struct {
	ChannelID        string `json:"channel_id"`
	AllocateAmount   string `json:"allocate_amount"`
	FundsDestination string `json:"funds_destination"`
}

// ResizeChannelResultParams is the countersigned resize state plus proofs.
type ResizeChannelResultParams struct {
	ChannelID   string                `json:"channel_id"`
	ResizeState domain.ChannelState   `json:"resize_state"`
	ProofStates []domain.ChannelState `json:"proof_states"`
}

// TransferParams moves funds off-chain to a destination (a tip).
type TransferParams struct {
	Destination string              `json:"destination"`
	Allocations []domain.Allocation `json:"allocations"`
	Memo        string              `json:"memo,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

// TransferResultParams acknowledges a transfer and, on the recipient side,
// carries the transactions delivered to the session's wallet.
type TransferResultParams struct {
	Version      uint64                  `json:"version,omitempty"`
	Transactions []domain.TipTransaction `json:"transactions,omitempty"`
}

// CloseChannelParams requests cooperative close of one channel.
type CloseChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// CloseChannelResultParams is the coordinator's final signed state.
type CloseChannelResultParams struct {
	ChannelID       string              `json:"channel_id"`
	FinalState      domain.ChannelState `json:"final_state"`
	ServerSignature string              `json:"server_signature"`
}

// ErrorParams is an explicit error envelope from the coordinator.
type ErrorParams struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CodeResizeOngoing marks the recoverable "resize already in progress"
// protocol error.
const CodeResizeOngoing = "resize_ongoing"

// IsResizeOngoing reports whether the error envelope is the recoverable
// resize-in-progress case. Older coordinators omit the code and only set the
// message text.
func (p ErrorParams) IsResizeOngoing() bool {
	if p.Code == CodeResizeOngoing {
		return true
	}
	return strings.Contains(strings.ToLower(p.Error), "resize already ongoing")
}
