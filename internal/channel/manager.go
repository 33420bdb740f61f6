// Package channel drives a single payment channel through creation,
// on-chain submission, resize, transfer and close, reconciling
// coordinator-issued state updates with the settlement collaborator.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/errs"
	"github.com/tipstream/tipstream/internal/rpc"
	"github.com/tipstream/tipstream/internal/transport"
)

// defaultOpTimeout bounds each coordinator round trip (create, resize,
// transfer, close). The protocol itself has no deadline.
const defaultOpTimeout = 30 * time.Second

// ZeroAddress is used when no settlement token has been discovered yet.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// State is the channel lifecycle state.
type State int

const (
	StateNone State = iota
	StateCreating
	StateCreated
	StateSubmitted
	StateResizing
	StateResized
	StateResizeSubmitted
	StateTransferring
	StateTransferred
	StateClosing
	StateClosed
	StateCloseSubmitted
	StateWithdrawn
	StateError
)

var stateNames = map[State]string{
	StateNone:            "none",
	StateCreating:        "creating",
	StateCreated:         "created",
	StateSubmitted:       "submitted",
	StateResizing:        "resizing",
	StateResized:         "resized",
	StateResizeSubmitted: "resize_submitted",
	StateTransferring:    "transferring",
	StateTransferred:     "transferred",
	StateClosing:         "closing",
	StateClosed:          "closed",
	StateCloseSubmitted:  "close_submitted",
	StateWithdrawn:       "withdrawn",
	StateError:           "error",
}

func (s State) String() string { return stateNames[s] }

// CloseMode selects what counts as a completed close.
type CloseMode int

const (
	// CloseModeSubmit submits the coordinator's final state on-chain before
	// the channel counts as done (CloseSubmitted).
	CloseModeSubmit CloseMode = iota
	// CloseModeAck accepts the coordinator's acknowledgement alone (Closed).
	// The claim batch flow runs in this mode.
	CloseModeAck
)

// Session lends the verified session key. A failure means the session is
// gone (logout or reconnect) and the operation must abort cleanly.
type Session interface {
	SessionSigner() (domain.MessageSigner, error)
	Address() string
}

// Conn is the slice of the transport the manager uses.
type Conn interface {
	Send(env rpc.Envelope) error
	Handle(method string, h transport.Handler)
	OnDown(fn func(error))
}

// AssetSelector identifies the distinguished settlement asset within the
// coordinator's asset list.
type AssetSelector struct {
	Symbol   string
	Decimals int
	ChainIDs []int64
}

// Match reports whether a is the settlement asset.
func (s AssetSelector) Match(a domain.Asset) bool {
	if a.Symbol != s.Symbol || a.Decimals != s.Decimals {
		return false
	}
	for _, id := range s.ChainIDs {
		if a.ChainID == id {
			return true
		}
	}
	return len(s.ChainIDs) == 0
}

// Manager tracks one channel at a time.
type Manager struct {
	log       zerolog.Logger
	conn      Conn
	sess      Session
	settle    domain.SettlementClient
	selector  AssetSelector
	closeMode CloseMode
	opTimeout time.Duration

	// onTips receives transfer notifications addressed to the wallet.
	onTips func([]domain.TipTransaction)

	mu        sync.Mutex
	state     State
	lastErr   error
	token     string
	chainID   int64
	balance   string
	channelID string
	// version is the last confirmed channel version; accepted states must
	// strictly increase it.
	version   uint64
	hasState  bool
	create    *domain.CreateProposal
	resize    *domain.ResizeProposal
	closeProp *domain.CloseProposal
	opTimer   *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithCloseMode selects the close completion mode.
func WithCloseMode(mode CloseMode) Option {
	return func(m *Manager) { m.closeMode = mode }
}

// WithOpTimeout overrides the per-operation deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

// WithTipSink registers the receiver for inbound transfer notifications.
func WithTipSink(fn func([]domain.TipTransaction)) Option {
	return func(m *Manager) { m.onTips = fn }
}

// New creates a Manager and subscribes it to the connection's channel
// methods.
func New(conn Conn, sess Session, settle domain.SettlementClient, selector AssetSelector, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:       log.With().Str("component", "channel").Logger(),
		conn:      conn,
		sess:      sess,
		settle:    settle,
		selector:  selector,
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	conn.Handle(rpc.MethodAssetList, m.handleAssetList)
	conn.Handle(rpc.MethodBalanceUpdate, m.handleBalanceUpdate)
	conn.Handle(rpc.MethodCreateChannelRes, m.handleCreateResult)
	conn.Handle(rpc.MethodResizeChannelRes, m.handleResizeResult)
	conn.Handle(rpc.MethodTransferRes, m.handleTransferResult)
	conn.Handle(rpc.MethodCloseChannelRes, m.handleCloseResult)
	conn.Handle(rpc.MethodError, m.handleError)
	conn.OnDown(m.handleDown)
	return m
}

// RequestAssets asks the coordinator for its asset catalogue so the
// settlement token can be discovered. Queries are unsigned.
func (m *Manager) RequestAssets(chainID int64) error {
	env, err := rpc.New(rpc.MethodAssetListRequest, rpc.AssetListRequestParams{ChainID: chainID})
	if err != nil {
		return err
	}
	return m.conn.Send(env)
}

// CreateChannel signs and sends a create-channel request for the settlement
// token.
func (m *Manager) CreateChannel() error {
	m.mu.Lock()
	token, chainID := m.token, m.chainID
	m.mu.Unlock()
	if token == "" {
		token = ZeroAddress
	}
	if chainID == 0 && len(m.selector.ChainIDs) > 0 {
		chainID = m.selector.ChainIDs[0]
	}

	env, err := m.signed(rpc.MethodCreateChannelRequest, rpc.CreateChannelParams{
		ChainID: chainID,
		Token:   token,
	})
	if err != nil {
		return err
	}
	if err := m.conn.Send(env); err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.state = StateCreating
	m.armOpTimerLocked(StateCreating, "create")
	m.mu.Unlock()
	m.log.Info().Str("token", token).Int64("chain_id", chainID).Msg("channel create requested")
	return nil
}

// SubmitChannel submits the countersigned creation on-chain. Settlement
// failures keep the proposal; resubmission is idempotent by channel id.
func (m *Manager) SubmitChannel(ctx context.Context) error {
	m.mu.Lock()
	if m.create == nil {
		m.mu.Unlock()
		return errs.Errorf(errs.KindChannel, "channel.SubmitChannel", "no channel data")
	}
	proposal := *m.create
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.settle.SubmitCreate(ctx, proposal); err != nil {
		m.fail(errs.E(errs.KindSettlement, "channel.SubmitChannel", err))
		return err
	}

	m.mu.Lock()
	m.state = StateSubmitted
	m.mu.Unlock()
	m.log.Info().Str("channel_id", proposal.ChannelID).Msg("channel submitted on-chain")
	return nil
}

// ResizeChannel signs and sends a resize request for the given channel.
func (m *Manager) ResizeChannel(channelID, allocateAmount, fundsDestination string) error {
	env, err := m.signed(rpc.MethodResizeChannelRequest, rpc.ResizeChannelParams{
		ChannelID:        channelID,
		AllocateAmount:   allocateAmount,
		FundsDestination: fundsDestination,
	})
	if err != nil {
		return err
	}
	if err := m.conn.Send(env); err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.channelID = channelID
	m.state = StateResizing
	m.armOpTimerLocked(StateResizing, "resize")
	m.mu.Unlock()
	m.log.Info().Str("channel_id", channelID).Str("amount", allocateAmount).Msg("resize requested")
	return nil
}

// SubmitResize submits the countersigned resize state on-chain.
func (m *Manager) SubmitResize(ctx context.Context) error {
	m.mu.Lock()
	if m.resize == nil {
		m.mu.Unlock()
		return errs.Errorf(errs.KindChannel, "channel.SubmitResize", "no resize data")
	}
	proposal := *m.resize
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.settle.SubmitResize(ctx, proposal); err != nil {
		m.fail(errs.E(errs.KindSettlement, "channel.SubmitResize", err))
		return err
	}

	m.mu.Lock()
	m.state = StateResizeSubmitted
	m.mu.Unlock()
	m.log.Info().Str("channel_id", proposal.ChannelID).Msg("resize submitted on-chain")
	return nil
}

// CreateTransfer signs and sends a transfer (tip). Transfers settle
// off-chain only; the transfer-result acknowledgement completes them.
func (m *Manager) CreateTransfer(destination string, allocations []domain.Allocation, memo string) error {
	env, err := m.signed(rpc.MethodTransferRequest, rpc.TransferParams{
		Destination: destination,
		Allocations: allocations,
		Memo:        memo,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := m.conn.Send(env); err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.state = StateTransferring
	m.armOpTimerLocked(StateTransferring, "transfer")
	m.mu.Unlock()
	m.log.Info().Str("destination", destination).Msg("transfer requested")
	return nil
}

// CloseChannel signs and sends a cooperative close request.
func (m *Manager) CloseChannel(channelID, fundsDestination string) error {
	env, err := m.signed(rpc.MethodCloseChannelRequest, rpc.CloseChannelParams{
		ChannelID:        channelID,
		FundsDestination: fundsDestination,
	})
	if err != nil {
		return err
	}
	if err := m.conn.Send(env); err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.channelID = channelID
	m.state = StateClosing
	m.armOpTimerLocked(StateClosing, "close")
	m.mu.Unlock()
	m.log.Info().Str("channel_id", channelID).Msg("close requested")
	return nil
}

// Withdraw moves previously closed, escrowed funds back to the wallet. It is
// independent of any specific channel.
func (m *Manager) Withdraw(ctx context.Context, asset, amount string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.settle.Withdraw(ctx, asset, amount); err != nil {
		m.fail(errs.E(errs.KindSettlement, "channel.Withdraw", err))
		return err
	}

	m.mu.Lock()
	m.state = StateWithdrawn
	m.mu.Unlock()
	m.log.Info().Str("asset", asset).Str("amount", amount).Msg("withdrawn")
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastErr returns the error that moved the machine to StateError, if any.
func (m *Manager) LastErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ChannelID returns the tracked channel's id, if any.
func (m *Manager) ChannelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelID
}

// Version returns the last confirmed channel version.
func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Token returns the discovered settlement token address, if any.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Balance returns the settlement asset's off-chain balance as last reported.
func (m *Manager) Balance() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// signed builds an outbound envelope signed with the session key. It reads
// the signer defensively: if the session vanished mid-flight the operation
// fails cleanly instead of signing with a stale key.
func (m *Manager) signed(method string, params any) (rpc.Envelope, error) {
	signer, err := m.sess.SessionSigner()
	if err != nil {
		return rpc.Envelope{}, errs.E(errs.KindChannel, "channel."+method, err)
	}
	env, err := rpc.New(method, params)
	if err != nil {
		return rpc.Envelope{}, err
	}
	if env.Sig, err = signer.Sign(env.SigningPayload()); err != nil {
		return rpc.Envelope{}, errs.E(errs.KindChannel, "channel."+method, fmt.Errorf("sign: %w", err))
	}
	return env, nil
}

func (m *Manager) handleAssetList(env rpc.Envelope) {
	var p rpc.AssetListParams
	if err := env.Decode(&p); err != nil {
		m.log.Warn().Err(err).Msg("bad asset list")
		return
	}
	for _, a := range p.Assets {
		if m.selector.Match(a) {
			m.mu.Lock()
			m.token = a.Token
			m.chainID = a.ChainID
			m.mu.Unlock()
			m.log.Info().Str("token", a.Token).Int64("chain_id", a.ChainID).Msg("settlement asset found")
			return
		}
	}
	m.log.Warn().Str("symbol", m.selector.Symbol).Msg("settlement asset not in asset list")
}

func (m *Manager) handleBalanceUpdate(env rpc.Envelope) {
	var p rpc.BalanceUpdateParams
	if err := env.Decode(&p); err != nil {
		m.log.Warn().Err(err).Msg("bad balance update")
		return
	}
	for _, b := range p.BalanceUpdates {
		if b.Asset == m.selector.Symbol {
			m.mu.Lock()
			m.balance = b.Amount
			m.mu.Unlock()
			m.log.Debug().Str("amount", b.Amount).Msg("settlement balance updated")
			return
		}
	}
}

func (m *Manager) handleCreateResult(env rpc.Envelope) {
	var p rpc.CreateChannelResultParams
	if err := env.Decode(&p); err != nil {
		m.fail(errs.E(errs.KindProtocol, "channel.create", err))
		return
	}

	m.mu.Lock()
	if m.state != StateCreating {
		m.mu.Unlock()
		m.log.Warn().Str("channel_id", p.ChannelID).Msg("ignoring unexpected create result")
		return
	}
	m.stopOpTimerLocked()
	m.create = &domain.CreateProposal{
		ChannelID:       p.ChannelID,
		Channel:         p.Channel,
		InitialState:    p.State,
		ServerSignature: p.ServerSignature,
	}
	m.channelID = p.ChannelID
	m.version = p.State.Version
	m.hasState = true
	m.state = StateCreated
	m.mu.Unlock()
	m.log.Info().Str("channel_id", p.ChannelID).Uint64("version", p.State.Version).Msg("channel created")
}

func (m *Manager) handleResizeResult(env rpc.Envelope) {
	var p rpc.ResizeChannelResultParams
	if err := env.Decode(&p); err != nil {
		m.fail(errs.E(errs.KindProtocol, "channel.resize", err))
		return
	}

	m.mu.Lock()
	if m.state != StateResizing {
		m.mu.Unlock()
		m.log.Warn().Str("channel_id", p.ChannelID).Msg("ignoring unexpected resize result")
		return
	}
	if m.hasState && p.ResizeState.Version <= m.version {
		last := m.version
		m.mu.Unlock()
		m.fail(errs.Errorf(errs.KindProtocol, "channel.resize",
			"version %d not after confirmed %d", p.ResizeState.Version, last))
		return
	}
	m.stopOpTimerLocked()
	m.resize = &domain.ResizeProposal{
		ChannelID:   p.ChannelID,
		ResizeState: p.ResizeState,
		ProofStates: p.ProofStates,
	}
	m.version = p.ResizeState.Version
	m.hasState = true
	m.state = StateResized
	m.mu.Unlock()
	m.log.Info().Str("channel_id", p.ChannelID).Uint64("version", p.ResizeState.Version).Msg("channel resized")
}

func (m *Manager) handleTransferResult(env rpc.Envelope) {
	var p rpc.TransferResultParams
	if err := env.Decode(&p); err != nil {
		m.log.Warn().Err(err).Msg("bad transfer result")
		return
	}

	// Inbound tips for this wallet ride the same method as sender acks.
	if len(p.Transactions) > 0 && m.onTips != nil {
		addr := m.sess.Address()
		var mine []domain.TipTransaction
		for _, tx := range p.Transactions {
			if tx.To == addr {
				mine = append(mine, tx)
			}
		}
		if len(mine) > 0 {
			m.onTips(mine)
		}
	}

	m.mu.Lock()
	if m.state != StateTransferring {
		m.mu.Unlock()
		return
	}
	if p.Version != 0 {
		if m.hasState && p.Version <= m.version {
			last := m.version
			m.mu.Unlock()
			m.fail(errs.Errorf(errs.KindProtocol, "channel.transfer",
				"version %d not after confirmed %d", p.Version, last))
			return
		}
		m.version = p.Version
		m.hasState = true
	}
	m.stopOpTimerLocked()
	m.state = StateTransferred
	m.mu.Unlock()
	m.log.Info().Msg("transfer acknowledged")
}

func (m *Manager) handleCloseResult(env rpc.Envelope) {
	var p rpc.CloseChannelResultParams
	if err := env.Decode(&p); err != nil {
		m.fail(errs.E(errs.KindProtocol, "channel.close", err))
		return
	}

	m.mu.Lock()
	if m.state != StateClosing || p.ChannelID != m.channelID {
		m.mu.Unlock()
		return
	}
	m.stopOpTimerLocked()
	m.closeProp = &domain.CloseProposal{
		ChannelID:       p.ChannelID,
		FinalState:      p.FinalState,
		ServerSignature: p.ServerSignature,
	}
	mode := m.closeMode
	if mode == CloseModeAck {
		m.state = StateClosed
		m.mu.Unlock()
		m.log.Info().Str("channel_id", p.ChannelID).Msg("channel closed (coordinator ack)")
		return
	}
	proposal := *m.closeProp
	m.mu.Unlock()

	// On-chain submission is a suspension point; run it off the dispatch
	// goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		defer cancel()
		if err := m.settle.SubmitClose(ctx, proposal); err != nil {
			m.fail(errs.E(errs.KindSettlement, "channel.close", err))
			return
		}
		m.mu.Lock()
		m.state = StateCloseSubmitted
		m.mu.Unlock()
		m.log.Info().Str("channel_id", proposal.ChannelID).Msg("close submitted on-chain")
	}()
}

func (m *Manager) handleError(env rpc.Envelope) {
	var p rpc.ErrorParams
	if err := env.Decode(&p); err != nil {
		p.Error = "coordinator error"
	}

	m.mu.Lock()
	state := m.state
	held := m.resize
	m.mu.Unlock()

	// Ongoing-resize recovery: the coordinator already has a resize in
	// flight for this channel. If we hold its countersigned state, resubmit
	// that instead of failing; with nothing held there is no recovery.
	if state == StateResizing && p.IsResizeOngoing() {
		if held != nil {
			m.log.Warn().Str("channel_id", held.ChannelID).Msg("resize already ongoing, resubmitting held resize state")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
				defer cancel()
				if err := m.settle.SubmitResize(ctx, *held); err != nil {
					m.fail(errs.E(errs.KindSettlement, "channel.resizeRecovery", err))
					return
				}
				m.mu.Lock()
				m.stopOpTimerLocked()
				m.state = StateResizeSubmitted
				m.mu.Unlock()
				m.log.Info().Str("channel_id", held.ChannelID).Msg("held resize state resubmitted")
			}()
			return
		}
		m.fail(errs.Errorf(errs.KindProtocol, "channel.resize",
			"resize already ongoing and no held resize state to resubmit"))
		return
	}

	switch state {
	case StateCreating, StateResizing, StateTransferring, StateClosing:
		m.fail(errs.Errorf(errs.KindProtocol, "channel."+state.String(), "%s", p.Error))
	}
}

// handleDown invalidates in-flight channel state: responses for the old
// socket must not be applied after a reconnect.
func (m *Manager) handleDown(cause error) {
	m.mu.Lock()
	m.stopOpTimerLocked()
	m.state = StateNone
	m.lastErr = nil
	m.create = nil
	m.resize = nil
	m.closeProp = nil
	m.channelID = ""
	m.version = 0
	m.hasState = false
	m.balance = ""
	m.mu.Unlock()
	if cause != nil {
		m.log.Warn().Err(cause).Msg("connection down, channel state discarded")
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.stopOpTimerLocked()
	m.state = StateError
	m.lastErr = err
	m.mu.Unlock()
	m.log.Error().Err(err).Msg("channel error")
}

// armOpTimerLocked starts the per-operation deadline: if the machine is
// still in pending when it fires, the operation timed out. Callers hold m.mu.
func (m *Manager) armOpTimerLocked(pending State, op string) {
	if m.opTimer != nil {
		m.opTimer.Stop()
	}
	m.opTimer = time.AfterFunc(m.opTimeout, func() {
		m.mu.Lock()
		expired := m.state == pending
		m.mu.Unlock()
		if expired {
			m.fail(errs.Errorf(errs.KindTimeout, "channel."+op, "no %s result within %s", op, m.opTimeout))
		}
	})
}

func (m *Manager) stopOpTimerLocked() {
	if m.opTimer != nil {
		m.opTimer.Stop()
		m.opTimer = nil
	}
}
