package claim

import (
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

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not complete")
	}
}

func newTestCoordinator() (*Coordinator, *stubConn) {
	conn := newStubConn()
	sess := &stubSession{
		signer: fakeSigner{addr: "0xsession", sig: "0xsessionsig"},
		addr:   "0xwallet",
	}
	return New(conn, sess, zerolog.Nop()), conn
}

func openChannel(id string) domain.Channel {
	return domain.Channel{ChannelID: id, Status: "open", Participants: []string{"0xwallet"}}
}

func TestClaimAll_SendsSignedQuery(t *testing.T) {
	c, conn := newTestCoordinator()

	if err := c.ClaimAll(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.Status() != StatusFetching {
		t.Fatalf("expected fetching, got %s", c.Status())
	}

	sent := conn.sentEnvelopes()
	if len(sent) != 1 || sent[0].Method != rpc.MethodGetChannelsRequest {
		t.Fatalf("expected get-channels-request, got %+v", sent)
	}
	if sent[0].Sig != "0xsessionsig" {
		t.Errorf("query must be session-signed, got %q", sent[0].Sig)
	}
	var q rpc.GetChannelsParams
	if err := sent[0].Decode(&q); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if q.Participant != "0xwallet" || q.Status != "open" {
		t.Errorf("unexpected query: %+v", q)
	}
}

func TestClaimAll_RequiresSession(t *testing.T) {
	conn := newStubConn()
	sess := &stubSession{err: errs.Errorf(errs.KindAuth, "session.SessionSigner", "session not verified")}
	c := New(conn, sess, zerolog.Nop())

	if err := c.ClaimAll(); err == nil {
		t.Fatal("expected error without a verified session")
	}
}

func TestClaim_NoOpenChannelsCompletes(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.deliver(t, rpc.MethodGetChannelsRes, rpc.GetChannelsResultParams{})

	waitDone(t, c)
	if c.Status() != StatusClosed {
		t.Fatalf("empty claim must complete, got %s", c.Status())
	}
	if len(c.Outcomes()) != 0 {
		t.Errorf("expected no outcomes, got %v", c.Outcomes())
	}
	if len(conn.sentEnvelopes()) != 1 {
		t.Error("no close requests must go out for an empty claim")
	}
}

func TestClaim_ClosesEveryOpenChannel(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.deliver(t, rpc.MethodGetChannelsRes, rpc.GetChannelsResultParams{
		Channels: []domain.Channel{openChannel("ch-1"), openChannel("ch-2")},
	})

	// Close requests go out concurrently.
	waitFor(t, func() bool { return len(conn.sentEnvelopes()) == 3 },
		"expected a close request per open channel")
	for _, env := range conn.sentEnvelopes()[1:] {
		if env.Method != rpc.MethodCloseChannelRequest {
			t.Fatalf("expected close-channel-request, got %s", env.Method)
		}
		if env.Sig != "0xsessionsig" {
			t.Errorf("close must be session-signed, got %q", env.Sig)
		}
	}
	if c.Status() != StatusClosing {
		t.Fatalf("expected closing, got %s", c.Status())
	}

	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-2"})
	if c.Status() != StatusClosing {
		t.Fatalf("one ack of two must not complete the batch, got %s", c.Status())
	}
	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})

	waitDone(t, c)
	if c.Status() != StatusClosed {
		t.Fatalf("expected closed, got %s", c.Status())
	}
	outcomes := c.Outcomes()
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if !out.Closed || out.Err != nil {
			t.Errorf("expected clean close, got %+v", out)
		}
	}
}

func TestClaim_DuplicateAckIgnored(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.deliver(t, rpc.MethodGetChannelsRes, rpc.GetChannelsResultParams{
		Channels: []domain.Channel{openChannel("ch-1"), openChannel("ch-2")},
	})
	waitFor(t, func() bool { return len(conn.sentEnvelopes()) == 3 }, "close requests")

	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})
	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})

	if c.Status() != StatusClosing {
		t.Fatalf("duplicate ack must not complete the batch, got %s", c.Status())
	}
	if len(c.Outcomes()) != 1 {
		t.Errorf("expected one outcome, got %v", c.Outcomes())
	}
}

func TestClaim_ErrorFailsWholeBatch(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.deliver(t, rpc.MethodGetChannelsRes, rpc.GetChannelsResultParams{
		Channels: []domain.Channel{openChannel("ch-1"), openChannel("ch-2")},
	})
	waitFor(t, func() bool { return len(conn.sentEnvelopes()) == 3 }, "close requests")

	conn.deliver(t, rpc.MethodCloseChannelRes, rpc.CloseChannelResultParams{ChannelID: "ch-1"})
	conn.deliver(t, rpc.MethodError, rpc.ErrorParams{Error: "channel dispute"})

	waitDone(t, c)
	if c.Status() != StatusError {
		t.Fatalf("an error during the batch must fail it, got %s", c.Status())
	}
	if !errs.IsKind(c.LastErr(), errs.KindProtocol) {
		t.Errorf("expected protocol error, got %v", c.LastErr())
	}
}

func TestClaim_ErrorIgnoredWhenIdle(t *testing.T) {
	c, conn := newTestCoordinator()

	conn.deliver(t, rpc.MethodError, rpc.ErrorParams{Error: "unrelated"})
	if c.Status() != StatusIdle {
		t.Errorf("error outside a batch must be ignored, got %s", c.Status())
	}
}

func TestClaim_SecondBatchWhileActiveRejected(t *testing.T) {
	c, _ := newTestCoordinator()

	c.ClaimAll()
	if err := c.ClaimAll(); err == nil {
		t.Fatal("expected error for overlapping claim")
	}
}

func TestClaim_DownFailsActiveBatch(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.fireDown(nil)

	waitDone(t, c)
	if c.Status() != StatusError {
		t.Fatalf("expected error after connection loss, got %s", c.Status())
	}
	if !errs.IsKind(c.LastErr(), errs.KindTransport) {
		t.Errorf("expected transport error, got %v", c.LastErr())
	}
}

func TestClaim_NewBatchAfterCompletion(t *testing.T) {
	c, conn := newTestCoordinator()

	c.ClaimAll()
	conn.deliver(t, rpc.MethodGetChannelsRes, rpc.GetChannelsResultParams{})
	waitDone(t, c)

	if err := c.ClaimAll(); err != nil {
		t.Fatalf("expected a fresh batch to start after completion: %v", err)
	}
	if c.Status() != StatusFetching {
		t.Errorf("expected fetching, got %s", c.Status())
	}
}
