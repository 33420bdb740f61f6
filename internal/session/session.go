// Package session authenticates the broadcaster's wallet against the
// ClearNode: it generates an ephemeral session key, runs the
// challenge/verify handshake with the wallet's long-lived key, and lends the
// verified session key's signer to the channel components.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/errs"
	"github.com/tipstream/tipstream/internal/rpc"
	"github.com/tipstream/tipstream/internal/transport"
	"github.com/tipstream/tipstream/internal/wallet"
)

// verifyTimeout bounds the wait for an auth verify result. The coordinator
// protocol has no deadline of its own.
const verifyTimeout = 30 * time.Second

// State is the authentication lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthRequested
	StateChallenged
	StateVerified
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthRequested:
		return "auth_requested"
	case StateChallenged:
		return "challenged"
	case StateVerified:
		return "verified"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Conn is the slice of the transport the authenticator uses.
type Conn interface {
	Connect(ctx context.Context) error
	Send(env rpc.Envelope) error
	Handle(method string, h transport.Handler)
	OnDown(fn func(error))
}

// WalletSigner combines raw message signing (the auth request) with the
// structured challenge signature (auth verify). Both are backed by the
// wallet's long-lived key.
type WalletSigner interface {
	domain.MessageSigner
	domain.ChallengeSigner
}

// Authenticator drives the auth handshake. One instance per logical session.
type Authenticator struct {
	log    zerolog.Logger
	conn   Conn
	wallet WalletSigner
	app    string

	// newSessionKey is swapped out in tests.
	newSessionKey func() (domain.MessageSigner, error)

	onState func(State)

	mu         sync.Mutex
	state      State
	lastErr    error
	sessionKey domain.MessageSigner
	params     *domain.AuthParams
	challenge  []byte
	verifyTmr  *time.Timer
}

// New creates an Authenticator and subscribes it to the connection's auth
// methods.
func New(conn Conn, walletSigner WalletSigner, application string, log zerolog.Logger) *Authenticator {
	a := &Authenticator{
		log:    log.With().Str("component", "session").Logger(),
		conn:   conn,
		wallet: walletSigner,
		app:    application,
		newSessionKey: func() (domain.MessageSigner, error) {
			return wallet.NewSessionKey()
		},
	}
	conn.Handle(rpc.MethodAuthChallenge, a.handleChallenge)
	conn.Handle(rpc.MethodAuthVerifyResult, a.handleVerifyResult)
	conn.Handle(rpc.MethodError, a.handleError)
	conn.OnDown(a.handleDown)
	return a
}

// OnStateChange registers a callback invoked after every state transition.
// Set it before driving the machine; it runs outside the authenticator's
// lock and may call back in.
func (a *Authenticator) OnStateChange(fn func(State)) {
	a.onState = fn
}

func (a *Authenticator) notify(s State) {
	if a.onState != nil {
		a.onState(s)
	}
}

// Connect opens the socket. On success the session is Connected and ready
// for RequestAuth.
func (a *Authenticator) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.resetLocked()
	a.state = StateConnecting
	a.mu.Unlock()
	a.notify(StateConnecting)

	if err := a.conn.Connect(ctx); err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	a.state = StateConnected
	a.mu.Unlock()
	a.notify(StateConnected)
	return nil
}

// RequestAuth generates a fresh ephemeral session key and asks the
// coordinator to authorize it under the given allowances, expiry and scope.
func (a *Authenticator) RequestAuth(allowances []domain.Allowance, expiresAt int64, scope string) error {
	a.mu.Lock()
	if a.state != StateConnected {
		a.mu.Unlock()
		return errs.Errorf(errs.KindAuth, "session.RequestAuth", "requires connected state, have %s", a.state)
	}

	key, err := a.newSessionKey()
	if err != nil {
		a.mu.Unlock()
		a.fail(errs.E(errs.KindAuth, "session.RequestAuth", err))
		return err
	}

	params := domain.AuthParams{
		Address:     a.wallet.Address(),
		SessionKey:  key.Address(),
		Application: a.app,
		Allowances:  allowances,
		ExpiresAt:   expiresAt,
		Scope:       scope,
	}
	a.sessionKey = key
	a.params = &params
	a.challenge = nil
	a.mu.Unlock()

	env, err := rpc.New(rpc.MethodAuthRequest, rpc.AuthRequestParams{
		Address:     params.Address,
		SessionKey:  params.SessionKey,
		Application: params.Application,
		Allowances:  params.Allowances,
		ExpiresAt:   params.ExpiresAt,
		Scope:       params.Scope,
	})
	if err != nil {
		a.fail(err)
		return err
	}
	// The auth request is the one outbound message signed with the wallet
	// key rather than the session key.
	if env.Sig, err = a.wallet.Sign(env.SigningPayload()); err != nil {
		err = errs.E(errs.KindAuth, "session.RequestAuth", err)
		a.fail(err)
		return err
	}
	if err := a.conn.Send(env); err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	a.state = StateAuthRequested
	a.mu.Unlock()
	a.notify(StateAuthRequested)
	a.log.Info().Str("session_key", params.SessionKey).Msg("auth requested")
	return nil
}

// VerifyAuth signs the retained challenge under the originally requested
// parameters and sends the verify request. The Verified state is entered
// when the coordinator confirms.
func (a *Authenticator) VerifyAuth() error {
	a.mu.Lock()
	if a.state != StateChallenged {
		a.mu.Unlock()
		return errs.Errorf(errs.KindAuth, "session.VerifyAuth", "requires challenged state, have %s", a.state)
	}
	if a.params == nil || len(a.challenge) == 0 {
		a.mu.Unlock()
		return errs.Errorf(errs.KindAuth, "session.VerifyAuth", "no challenge or auth params")
	}
	params := *a.params
	challenge := append([]byte(nil), a.challenge...)
	a.mu.Unlock()

	sig, err := a.wallet.SignChallenge(params, challenge)
	if err != nil {
		err = errs.E(errs.KindAuth, "session.VerifyAuth", err)
		a.fail(err)
		return err
	}

	env, err := rpc.New(rpc.MethodAuthVerifyRequest, rpc.AuthVerifyParams{
		Address:   params.Address,
		Challenge: string(challenge),
		Signature: sig,
	})
	if err != nil {
		a.fail(err)
		return err
	}
	if err := a.conn.Send(env); err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	a.armVerifyTimerLocked()
	a.mu.Unlock()
	a.log.Info().Msg("auth verify sent")
	return nil
}

// SessionSigner lends the ephemeral session key's signer. Only available
// while Verified; callers must treat a failure as "session gone" and abort
// cleanly rather than reuse an older signer.
func (a *Authenticator) SessionSigner() (domain.MessageSigner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateVerified || a.sessionKey == nil {
		return nil, errs.Errorf(errs.KindAuth, "session.SessionSigner", "session not verified")
	}
	return a.sessionKey, nil
}

// Address returns the wallet address this session authenticates.
func (a *Authenticator) Address() string { return a.wallet.Address() }

// State returns the current lifecycle state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastErr returns the error that moved the machine to StateError, if any.
func (a *Authenticator) LastErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Logout clears the session key, challenge and auth parameters and returns
// to Idle. The socket itself stays up; reconnecting also implies a logout.
func (a *Authenticator) Logout() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
	a.notify(StateIdle)
	a.log.Info().Msg("logged out")
}

func (a *Authenticator) handleChallenge(env rpc.Envelope) {
	var p rpc.AuthChallengeParams
	if err := env.Decode(&p); err != nil {
		a.fail(errs.E(errs.KindAuth, "session.challenge", err))
		return
	}

	a.mu.Lock()
	if a.state != StateAuthRequested {
		// A challenge for an attempt we no longer own (stale or duplicate).
		a.mu.Unlock()
		a.log.Warn().Str("state", a.State().String()).Msg("ignoring unexpected auth challenge")
		return
	}
	// Retain the challenge verbatim: the wallet signature covers the exact
	// issued bytes.
	a.challenge = []byte(p.ChallengeMessage)
	a.state = StateChallenged
	a.mu.Unlock()
	a.notify(StateChallenged)
	a.log.Info().Msg("auth challenged")
}

func (a *Authenticator) handleVerifyResult(env rpc.Envelope) {
	var p rpc.AuthVerifyResultParams
	if err := env.Decode(&p); err != nil {
		a.fail(errs.E(errs.KindAuth, "session.verify", err))
		return
	}

	a.mu.Lock()
	if a.verifyTmr != nil {
		a.verifyTmr.Stop()
		a.verifyTmr = nil
	}
	if a.state != StateChallenged {
		a.mu.Unlock()
		return
	}
	if !p.Success {
		a.mu.Unlock()
		reason := p.Reason
		if reason == "" {
			reason = "auth verification failed"
		}
		a.fail(errs.Errorf(errs.KindAuth, "session.verify", "%s", reason))
		return
	}
	a.state = StateVerified
	a.mu.Unlock()
	a.notify(StateVerified)
	a.log.Info().Msg("auth verified")
}

func (a *Authenticator) handleError(env rpc.Envelope) {
	a.mu.Lock()
	inFlight := a.state == StateAuthRequested || a.state == StateChallenged
	a.mu.Unlock()
	if !inFlight {
		return
	}

	var p rpc.ErrorParams
	if err := env.Decode(&p); err != nil {
		p.Error = "coordinator error"
	}
	a.fail(errs.Errorf(errs.KindProtocol, "session.auth", "%s", p.Error))
}

// handleDown runs when the socket reaches its terminal state. The session
// key is only valid while its owning connection is open, so everything is
// invalidated.
func (a *Authenticator) handleDown(cause error) {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
	a.notify(StateIdle)
	if cause != nil {
		a.log.Warn().Err(cause).Msg("connection down, session invalidated")
	}
}

func (a *Authenticator) fail(err error) {
	a.mu.Lock()
	a.state = StateError
	a.lastErr = err
	if a.verifyTmr != nil {
		a.verifyTmr.Stop()
		a.verifyTmr = nil
	}
	a.mu.Unlock()
	a.notify(StateError)
	a.log.Error().Err(err).Msg("session error")
}

func (a *Authenticator) resetLocked() {
	a.state = StateIdle
	a.lastErr = nil
	a.sessionKey = nil
	a.params = nil
	a.challenge = nil
	if a.verifyTmr != nil {
		a.verifyTmr.Stop()
		a.verifyTmr = nil
	}
}

// armVerifyTimerLocked starts the verify deadline. Callers hold a.mu.
func (a *Authenticator) armVerifyTimerLocked() {
	if a.verifyTmr != nil {
		a.verifyTmr.Stop()
	}
	a.verifyTmr = time.AfterFunc(verifyTimeout, func() {
		a.mu.Lock()
		expired := a.state == StateChallenged
		a.mu.Unlock()
		if expired {
			a.fail(errs.Errorf(errs.KindTimeout, "session.verify", "no verify result within %s", verifyTimeout))
		}
	})
}
