// Package wallet implements the signing collaborators: ephemeral session
// keys for channel operations and the wallet's long-lived key for the
// structured auth challenge signature. Addresses follow the usual
// keccak-of-pubkey derivation.
package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/tipstream/tipstream/internal/domain"
)

// Key is a secp256k1 key pair with its derived address. It implements
// domain.MessageSigner.
type Key struct {
	priv *secp256k1.PrivateKey
	addr string
}

// NewSessionKey generates a fresh ephemeral key. The returned key is valid
// only for the socket connection it is authorized on; reconnecting requires
// a new one.
func NewSessionKey() (*Key, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return newKey(priv), nil
}

// FromHex loads a key from a hex-encoded 32-byte private key. Used for the
// wallet's long-lived key.
func FromHex(hexKey string) (*Key, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decode private key: want 32 bytes, got %d", len(raw))
	}
	return newKey(secp256k1.PrivKeyFromBytes(raw)), nil
}

func newKey(priv *secp256k1.PrivateKey) *Key {
	return &Key{priv: priv, addr: pubkeyAddress(priv.PubKey())}
}

// Address returns the key's 0x-prefixed address.
func (k *Key) Address() string { return k.addr }

// Sign produces a hex-encoded 65-byte recoverable signature over the
// keccak-256 digest of payload.
func (k *Key) Sign(payload []byte) (string, error) {
	digest := Keccak256(payload)
	sig := ecdsa.SignCompact(k.priv, digest, false)
	// SignCompact puts the recovery byte first; the protocol expects r||s||v.
	rsv := make([]byte, 65)
	copy(rsv, sig[1:])
	rsv[64] = sig[0]
	return "0x" + hex.EncodeToString(rsv), nil
}

// SignChallenge signs the coordinator's challenge bound to the auth
// parameters the challenge was issued for. The digest covers a typed
// encoding of the params plus the exact challenge bytes, in the spirit of
// EIP-712 structured signing.
func (k *Key) SignChallenge(params domain.AuthParams, challenge []byte) (string, error) {
	typed, err := json.Marshal(struct {
		Domain    string            `json:"domain"`
		Params    domain.AuthParams `json:"params"`
		Challenge string            `json:"challenge"`
	}{
		Domain:    params.Application,
		Params:    params,
		Challenge: string(challenge),
	})
	if err != nil {
		return "", fmt.Errorf("encode auth payload: %w", err)
	}
	return k.Sign(typed)
}

// Keccak256 returns the keccak-256 digest of data.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func pubkeyAddress(pub *secp256k1.PublicKey) string {
	// Address is the last 20 bytes of keccak(uncompressed pubkey without
	// the 0x04 prefix byte).
	digest := Keccak256(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}
