package domain

import "time"

// Allowance grants the session key spending rights over one asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Allocation describes how a channel's escrowed funds are split. Amount is a
// decimal string in the asset's smallest unit and is never negative.
type Allocation struct {
	Destination string `json:"destination"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// AuthParams are the parameters of one authentication attempt. The challenge
// signature covers these exact values, so they are recorded at request time
// and reused verbatim at verify time.
type AuthParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   int64       `json:"expires_at"`
	Scope       string      `json:"scope"`
}

// ChannelState is one countersignable state of a payment channel. Version
// strictly increases across accepted operations.
type ChannelState struct {
	Intent      string       `json:"intent"`
	Version     uint64       `json:"version"`
	Data        string       `json:"data"`
	Allocations []Allocation `json:"allocations"`
}

// Channel is a payment channel as reported by the coordinator.
type Channel struct {
	ChannelID    string   `json:"channel_id"`
	Token        string   `json:"token"`
	ChainID      int64    `json:"chain_id"`
	Participants []string `json:"participants"`
	Status       string   `json:"status"`
	Version      uint64   `json:"version"`
}

// Asset is an entry of the coordinator's asset list.
type Asset struct {
	Token    string `json:"token"`
	ChainID  int64  `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// TipTransaction is an immutable record of one received tip. Instances are
// appended to the feed and never mutated afterwards.
type TipTransaction struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Memo      string    `json:"memo"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateProposal is the coordinator's countersigned channel creation, ready
// for on-chain submission.
type CreateProposal struct {
	ChannelID       string       `json:"channel_id"`
	Channel         Channel      `json:"channel"`
	InitialState    ChannelState `json:"initial_state"`
	ServerSignature string       `json:"server_signature"`
}

// ResizeProposal is the coordinator's countersigned resize state plus the
// proof states needed to submit it on-chain.
type ResizeProposal struct {
	ChannelID   string         `json:"channel_id"`
	ResizeState ChannelState   `json:"resize_state"`
	ProofStates []ChannelState `json:"proof_states"`
}

// CloseProposal is the coordinator's final signed state for a closing
// channel.
type CloseProposal struct {
	ChannelID       string       `json:"channel_id"`
	FinalState      ChannelState `json:"final_state"`
	ServerSignature string       `json:"server_signature"`
}
