// Package rpc defines the ClearNode wire protocol: a JSON envelope carrying
// a method name, a method-specific params payload and an optional signature.
// Inbound envelopes are parsed leniently and dispatched by method; a frame
// that fails to parse is dropped by the transport, never surfaced.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Inbound methods.
const (
	MethodAssetList          = "asset-list"
	MethodAuthChallenge      = "auth-challenge"
	MethodAuthVerifyResult   = "auth-verify-result"
	MethodBalanceUpdate      = "balance-update"
	MethodCreateChannelRes   = "create-channel-result"
	MethodGetChannelsRes     = "get-channels-result"
	MethodResizeChannelRes   = "resize-channel-result"
	MethodTransferRes        = "transfer-result"
	MethodCloseChannelRes    = "close-channel-result"
	MethodError              = "error"
)

// Outbound methods.
const (
	MethodAuthRequest          = "auth-request"
	MethodAuthVerifyRequest    = "auth-verify-request"
	MethodAssetListRequest     = "asset-list-request"
	MethodCreateChannelRequest = "create-channel-request"
	MethodGetChannelsRequest   = "get-channels-request"
	MethodResizeChannelRequest = "resize-channel-request"
	MethodTransferRequest      = "transfer-request"
	MethodCloseChannelRequest  = "close-channel-request"
)

// Envelope is the wire message. Params stays raw until the owning handler
// decodes it into the method's params type.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Sig    string          `json:"sig,omitempty"`
}

// Parse decodes one inbound frame. It fails on malformed JSON or a missing
// method name; params are left raw.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Method == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing method")
	}
	return env, nil
}

// New builds an outbound envelope, marshalling params.
func New(method string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Envelope{Method: method, Params: raw}, nil
}

// Decode unmarshals the envelope's params into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", e.Method, err)
	}
	return nil
}

// SigningPayload returns the bytes a signature over this envelope covers:
// the method joined to the raw params exactly as they will appear on the
// wire.
func (e Envelope) SigningPayload() []byte {
	payload := make([]byte, 0, len(e.Method)+1+len(e.Params))
	payload = append(payload, e.Method...)
	payload = append(payload, ':')
	payload = append(payload, e.Params...)
	return payload
}
