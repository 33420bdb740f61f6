package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/errs"
	"github.com/tipstream/tipstream/internal/rpc"
	"github.com/tipstream/tipstream/internal/transport"
)

type stubConn struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	sent     []rpc.Envelope
	down     []func(error)
}

func newStubConn() *stubConn {
	return &stubConn{handlers: make(map[string][]transport.Handler)}
}

func (c *stubConn) Send(env rpc.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *stubConn) Handle(method string, h transport.Handler) {
	c.handlers[method] = append(c.handlers[method], h)
}

func (c *stubConn) OnDown(fn func(error)) { c.down = append(c.down, fn) }

func (c *stubConn) deliver(t *testing.T, method string, params any) {
	t.Helper()
	env, err := rpc.New(method, params)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	for _, h := range c.handlers[method] {
		h(env)
	}
}

func (c *stubConn) fireDown(cause error) {
	for _, fn := range c.down {
		fn(cause)
	}
}

func (c *stubConn) sentEnvelopes() []rpc.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeSigner struct {
	addr string
	sig  string
}

func (f fakeSigner) Sign(payload []byte) (string, error) { return f.sig, nil }
func (f fakeSigner) Address() string                     { return f.addr }

type stubSession struct {
	signer domain.MessageSigner
	err    error
	addr   string
}

func (s *stubSession) SessionSigner() (domain.MessageSigner, error) { return s.signer, s.err }
func (s *stubSession) Address() string                              { return s.addr }

type stubSettlement struct {
	mu      sync.Mutex
	creates []domain.CreateProposal
	resizes []domain.ResizeProposal
	closes  []domain.CloseProposal
	err     error
}

func (s *stubSettlement) SubmitCreate(_ context.Context, p domain.CreateProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, p)
	return s.err
}

func (s *stubSettlement) SubmitResize(_ context.Context, p domain.ResizeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, p)
	return s.err
}

func (s *stubSettlement) SubmitClose(_ context.Context, p domain.CloseProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, p)
	return s.err
}

func (s *stubSettlement) Withdraw(context.Context, string, string) error { return s.err }

func (s *stubSettlement) resizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resizes)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestManager(opts ...Option) (*Manager, *stubConn, *stubSettlement) {
	conn := newStubConn()
	settle := &stubSettlement{}
	sess := &stubSession{
		signer: fakeSigner{addr: "0xsession", sig: "0xsessionsig"},
		addr:   "0xwallet",
	}
	selector := AssetSelector{Symbol: "ytest.usd", Decimals: 6, ChainIDs: []int64{11155111}}
	m := New(conn, sess, settle, selector, zerolog.Nop(), opts...)
	return m, conn, settle
}

func TestAssetList_DiscoversSettlementToken(t *testing.T) {
	m, conn, _ := newTestManager()

	conn.deliver(t, rpc.MethodAssetList, rpc.AssetListParams{Assets: []domain.Asset{
		{Token: "0xother", ChainID: 1, Symbol: "weth", Decimals: 18},
		{Token: "0xtoken", ChainID: 11155111, Symbol: "ytest.usd", Decimals: 6},
	}})

	if m.Token() != "0xtoken" {
		t.Errorf("expected settlement token discovered, got %q", m.Token())
	}
}

func TestAssetList_WrongDecimalsNotMatched(t *testing.T) {
	m, conn, _ := newTestManager()

	conn.deliver(t, rpc.MethodAssetList, rpc.AssetListParams{Assets: []domain.Asset{
		{Token: "0xtoken", ChainID: 11155111, Symbol: "ytest.usd", Decimals: 18},
	}})

	if m.Token() != "" {
		t.Errorf("asset with wrong decimals must not match, got %q", m.Token())
	}
}

func TestBalanceUpdate_TracksSettlementAsset(t *testing.T) {
	m, conn, _ := newTestManager()

	conn.deliver(t, rpc.MethodBalanceUpdate, rpc.BalanceUpdateParams{BalanceUpdates: []rpc.Balance{
		{Asset: "weth", Amount: "7"},
		{Asset: "ytest.usd", Amount: "1500000"},
	}})

	if m.Balance() != "1500000" {
		t.Errorf("expected settlement balance, got %q", m.Balance())
	}
}

func TestCreateChannel_Lifecycle(t *testing.T) {
	m, conn, _ := newTestManager()

	if err := m.CreateChannel(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.State() != StateCreating {
		t.Fatalf("expected creating, got %s", m.State())
	}

	sent := conn.sentEnvelopes()
	if len(sent) != 1 || sent[0].Method != rpc.MethodCreateChannelRequest {
		t.Fatalf("expected create-channel-request, got %+v", sent)
	}
	if sent[0].Sig != "0xsessionsig" {
		t.Errorf("channel requests must be session-signed, got %q", sent[0].Sig)
	}

	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 0},
	})
	if m.State() != StateCreated {
		t.Fatalf("expected created, got %s", m.State())
	}
	if m.ChannelID() != "ch-1" {
		t.Errorf("expected channel id recorded, got %q", m.ChannelID())
	}
}

func TestCreateResult_IgnoredWhenNotCreating(t *testing.T) {
	m, conn, _ := newTestManager()

	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{ChannelID: "ch-x"})
	if m.State() != StateNone {
		t.Errorf("unsolicited create result must not change state, got %s", m.State())
	}
}

func TestResize_VersionMustIncrease(t *testing.T) {
	m, conn, _ := newTestManager()

	m.CreateChannel()
	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 0},
	})

	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodResizeChannelRes, rpc.ResizeChannelResultParams{
		ChannelID:   "ch-1",
		ResizeState: domain.ChannelState{Version: 0},
	})

	if m.State() != StateError {
		t.Fatalf("stale version must fail the channel, got %s", m.State())
	}
	if !errs.IsKind(m.LastErr(), errs.KindProtocol) {
		t.Errorf("expected protocol error, got %v", m.LastErr())
	}
}

func TestResize_AcceptsNewerVersion(t *testing.T) {
	m, conn, _ := newTestManager()

	m.CreateChannel()
	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 0},
	})

	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodResizeChannelRes, rpc.ResizeChannelResultParams{
		ChannelID:   "ch-1",
		ResizeState: domain.ChannelState{Version: 1},
	})

	if m.State() != StateResized {
		t.Fatalf("expected resized, got %s", m.State())
	}
	if m.Version() != 1 {
		t.Errorf("expected version 1, got %d", m.Version())
	}
}

func TestSubmitResize_MovesToSubmitted(t *testing.T) {
	m, conn, settle := newTestManager()

	m.CreateChannel()
	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 0},
	})
	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodResizeChannelRes, rpc.ResizeChannelResultParams{
		ChannelID:   "ch-1",
		ResizeState: domain.ChannelState{Version: 1},
	})

	if err := m.SubmitResize(context.Background()); err != nil {
		t.Fatalf("submit resize: %v", err)
	}
	if m.State() != StateResizeSubmitted {
		t.Fatalf("expected resize_submitted, got %s", m.State())
	}
	if settle.resizeCount() != 1 {
		t.Errorf("expected one on-chain submission, got %d", settle.resizeCount())
	}
}

func TestResizeOngoing_ResubmitsHeldState(t *testing.T) {
	m, conn, settle := newTestManager()

	// A prior resize left a countersigned state behind.
	m.CreateChannel()
	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 0},
	})
	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodResizeChannelRes, rpc.ResizeChannelResultParams{
		ChannelID:   "ch-1",
		ResizeState: domain.ChannelState{Version: 1},
	})

	// The retry hits the coordinator's in-flight resize.
	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodError, rpc.ErrorParams{Error: "resize already ongoing for channel"})

	waitFor(t, func() bool { return m.State() == StateResizeSubmitted },
		"expected held resize state to be resubmitted")
	if settle.resizeCount() != 1 {
		t.Errorf("expected one resubmission, got %d", settle.resizeCount())
	}
}

func TestResizeOngoing_NoHeldStateFails(t *testing.T) {
	m, conn, _ := newTestManager()

	m.ResizeChannel("ch-1", "1000000", "0xwallet")
	conn.deliver(t, rpc.MethodError, rpc.ErrorParams{Code: rpc.CodeResizeOngoing, Error: "resize already ongoing"})

	if m.State() != StateError {
		t.Fatalf("expected error without held state, got %s", m.State())
	}
	if !errs.IsKind(m.LastErr(), errs.KindProtocol) {
		t.Errorf("expected protocol error, got %v", m.LastErr())
	}
}

func TestTransfer_Acknowledged(t *testing.T) {
	m, conn, _ := newTestManager()

	m.CreateTransfer("0xviewer", []domain.Allocation{{Asset: "ytest.usd", Amount: "100"}}, "thanks")
	if m.State() != StateTransferring {
		t.Fatalf("expected transferring, got %s", m.State())
	}

	conn.deliver(t, rpc.MethodTransferRes, rpc.TransferResultParams{Version: 1})
	if m.State() != StateTransferred {
		t.Fatalf("expected transferred, got %s", m.State())
	}
	if m.Version() != 1 {
		t.Errorf("expected version 1, got %d", m.Version())
	}
}

func TestTransferResult_DeliversInboundTips(t *testing.T) {
	var got []domain.TipTransaction
	m, conn, _ := newTestManager(WithTipSink(func(txs []domain.TipTransaction) {
		got = append(got, txs...)
	}))

	conn.deliver(t, rpc.MethodTransferRes, rpc.TransferResultParams{Transactions: []domain.TipTransaction{
		{From: "0xviewer", To: "0xwallet", Asset: "ytest.usd", Amount: "100"},
		{From: "0xviewer", To: "0xsomeoneelse", Asset: "ytest.usd", Amount: "50"},
	}})

	if len(got) != 1 {
		t.Fatalf("expected only the wallet's tips, got %d", len(got))
	}
	if got[0].Amount != "100" {
		t.Errorf("unexpected tip: %+v", got[0])
	}
	if m.State() != StateNone {
		t.Errorf("inbound tips alone must not change state, got %s", m.State())
	}
}

func TestClose_AckMode(t *testing.T) {
	m, conn, settle := newTestManager(WithCloseMode(CloseModeAck))

	m.CloseChannel("ch-1", "0xwallet")
	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})

	if m.State() != StateClosed {
		t.Fatalf("expected closed on coordinator ack, got %s", m.State())
	}
	if len(settle.closes) != 0 {
		t.Errorf("ack mode must not touch the chain, got %d submissions", len(settle.closes))
	}
}

func TestClose_SubmitMode(t *testing.T) {
	m, conn, settle := newTestManager(WithCloseMode(CloseModeSubmit))

	m.CloseChannel("ch-1", "0xwallet")
	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})

	waitFor(t, func() bool { return m.State() == StateCloseSubmitted },
		"expected close submitted on-chain")
	settle.mu.Lock()
	defer settle.mu.Unlock()
	if len(settle.closes) != 1 {
		t.Errorf("expected one close submission, got %d", len(settle.closes))
	}
}

func TestCloseResult_WrongChannelIgnored(t *testing.T) {
	m, conn, _ := newTestManager(WithCloseMode(CloseModeAck))

	m.CloseChannel("ch-1", "0xwallet")
	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-2"})

	if m.State() != StateClosing {
		t.Errorf("result for another channel must be ignored, got %s", m.State())
	}
}

func TestOperation_TimesOut(t *testing.T) {
	m, _, _ := newTestManager(WithOpTimeout(30 * time.Millisecond))

	m.CreateChannel()
	waitFor(t, func() bool { return m.State() == StateError },
		"expected timeout to fail the operation")
	if !errs.IsKind(m.LastErr(), errs.KindTimeout) {
		t.Errorf("expected timeout error, got %v", m.LastErr())
	}
}

func TestDown_DiscardsChannelState(t *testing.T) {
	m, conn, _ := newTestManager()

	m.CreateChannel()
	conn.deliver(t, rpc.MethodCreateChannelRes, rpc.CreateChannelResultParams{
		ChannelID: "ch-1",
		State:     domain.ChannelState{Version: 3},
	})

	conn.fireDown(errs.Errorf(errs.KindTransport, "transport.read", "gone"))
	if m.State() != StateNone {
		t.Fatalf("expected state reset after down, got %s", m.State())
	}
	if m.ChannelID() != "" || m.Version() != 0 {
		t.Errorf("expected channel identity cleared, got %q v%d", m.ChannelID(), m.Version())
	}
}

func TestSigned_FailsWithoutSession(t *testing.T) {
	conn := newStubConn()
	sess := &stubSession{err: errs.Errorf(errs.KindAuth, "session.SessionSigner", "session not verified")}
	m := New(conn, sess, &stubSettlement{}, AssetSelector{Symbol: "ytest.usd", Decimals: 6}, zerolog.Nop())

	if err := m.CreateChannel(); err == nil {
		t.Fatal("expected error without a verified session")
	}
	if len(conn.sentEnvelopes()) != 0 {
		t.Error("nothing must be sent without a signer")
	}
}
