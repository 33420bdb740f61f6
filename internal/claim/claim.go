// Package claim batch-closes every channel open for the authenticated
// participant, settling accumulated tips in one "claim" operation. The batch
// has its own status axis, separate from the per-channel lifecycle.
package claim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tipstream/tipstream/internal/channel"
	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/errs"
	"github.com/tipstream/tipstream/internal/rpc"
)

const batchTimeout = 60 * time.Second

// Status is the batch status.
type Status int

const (
	StatusIdle Status = iota
	StatusFetching
	StatusClosing
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFetching:
		return "fetching"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// Outcome is the per-channel result of a claim batch. The batch status does
// not report partial success; outcomes exist for operator visibility.
type Outcome struct {
	ChannelID string
	Closed    bool
	Err       error
}

// Coordinator runs claim batches. Channels close under coordinator
// acknowledgement alone (the weaker guarantee the claim flow accepts).
type Coordinator struct {
	log  zerolog.Logger
	conn channel.Conn
	sess channel.Session

	mu       sync.Mutex
	status   Status
	lastErr  error
	pending  map[string]bool
	outcomes []Outcome
	done     chan struct{}
	timer    *time.Timer
}

// New creates a Coordinator and subscribes it to the connection's claim
// methods.
func New(conn channel.Conn, sess channel.Session, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		log:  log.With().Str("component", "claim").Logger(),
		conn: conn,
		sess: sess,
	}
	conn.Handle(rpc.MethodGetChannelsRes, c.handleChannels)
	conn.Handle(rpc.MethodCloseChannelRes, c.handleCloseResult)
	conn.Handle(rpc.MethodError, c.handleError)
	conn.OnDown(c.handleDown)
	return c
}

// ClaimAll queries all open channels for the authenticated participant and
// closes each one. It returns once the query is issued; watch Done() or
// Status() for completion. The batch is not retried automatically.
func (c *Coordinator) ClaimAll() error {
	signer, err := c.sess.SessionSigner()
	if err != nil {
		return errs.E(errs.KindChannel, "claim.ClaimAll", err)
	}

	c.mu.Lock()
	if c.status == StatusFetching || c.status == StatusClosing {
		c.mu.Unlock()
		return errs.Errorf(errs.KindChannel, "claim.ClaimAll", "claim already in progress")
	}
	c.status = StatusFetching
	c.lastErr = nil
	c.pending = make(map[string]bool)
	c.outcomes = nil
	c.done = make(chan struct{})
	c.armTimerLocked()
	c.mu.Unlock()

	env, err := rpc.New(rpc.MethodGetChannelsRequest, rpc.GetChannelsParams{
		Participant: c.sess.Address(),
		Status:      "open",
	})
	if err != nil {
		c.fail(err)
		return err
	}
	if env.Sig, err = signer.Sign(env.SigningPayload()); err != nil {
		err = errs.E(errs.KindChannel, "claim.ClaimAll", fmt.Errorf("sign: %w", err))
		c.fail(err)
		return err
	}
	if err := c.conn.Send(env); err != nil {
		c.fail(err)
		return err
	}
	c.log.Info().Str("participant", c.sess.Address()).Msg("claim started")
	return nil
}

// Status returns the batch status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastErr returns the error that moved the batch to StatusError, if any.
func (c *Coordinator) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Outcomes returns a snapshot of per-channel results for the current batch.
func (c *Coordinator) Outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// Done returns a channel closed when the current batch reaches Closed or
// Error. Returns nil when no batch has started.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Coordinator) handleChannels(env rpc.Envelope) {
	c.mu.Lock()
	if c.status != StatusFetching {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var p rpc.GetChannelsResultParams
	if err := env.Decode(&p); err != nil {
		c.fail(errs.E(errs.KindProtocol, "claim.channels", err))
		return
	}

	if len(p.Channels) == 0 {
		// Nothing open to claim; that is completion, not an error.
		c.finish()
		c.log.Info().Msg("no open channels, claim complete")
		return
	}

	signer, err := c.sess.SessionSigner()
	if err != nil {
		c.fail(errs.E(errs.KindChannel, "claim.channels", err))
		return
	}

	c.mu.Lock()
	c.status = StatusClosing
	for _, ch := range p.Channels {
		c.pending[ch.ChannelID] = true
	}
	channels := p.Channels
	c.mu.Unlock()
	c.log.Info().Int("channels", len(channels)).Msg("closing channels")

	// Channels are independent; close requests go out concurrently and
	// complete in any order.
	go func() {
		var g errgroup.Group
		for _, ch := range channels {
			ch := ch
			g.Go(func() error {
				return c.sendClose(signer, ch)
			})
		}
		if err := g.Wait(); err != nil {
			c.fail(err)
		}
	}()
}

func (c *Coordinator) sendClose(signer domain.MessageSigner, ch domain.Channel) error {
	env, err := rpc.New(rpc.MethodCloseChannelRequest, rpc.CloseChannelParams{
		ChannelID:        ch.ChannelID,
		FundsDestination: c.sess.Address(),
	})
	if err != nil {
		return err
	}
	if env.Sig, err = signer.Sign(env.SigningPayload()); err != nil {
		return errs.E(errs.KindChannel, "claim.close", fmt.Errorf("sign %s: %w", ch.ChannelID, err))
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}
	c.log.Debug().Str("channel_id", ch.ChannelID).Msg("close requested")
	return nil
}

func (c *Coordinator) handleCloseResult(env rpc.Envelope) {
	var p rpc.CloseChannelResultParams
	if err := env.Decode(&p); err != nil {
		return
	}

	c.mu.Lock()
	if c.status != StatusClosing || !c.pending[p.ChannelID] {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.ChannelID)
	c.outcomes = append(c.outcomes, Outcome{ChannelID: p.ChannelID, Closed: true})
	remaining := len(c.pending)
	c.mu.Unlock()
	c.log.Info().Str("channel_id", p.ChannelID).Int("remaining", remaining).Msg("channel close acknowledged")

	if remaining == 0 {
		c.finish()
	}
}

// handleError fails the whole batch on any protocol error received while
// Fetching or Closing, regardless of how many closes already landed.
func (c *Coordinator) handleError(env rpc.Envelope) {
	c.mu.Lock()
	active := c.status == StatusFetching || c.status == StatusClosing
	c.mu.Unlock()
	if !active {
		return
	}

	var p rpc.ErrorParams
	if err := env.Decode(&p); err != nil {
		p.Error = "coordinator error"
	}
	c.fail(errs.Errorf(errs.KindProtocol, "claim", "%s", p.Error))
}

func (c *Coordinator) handleDown(cause error) {
	c.mu.Lock()
	active := c.status == StatusFetching || c.status == StatusClosing
	c.mu.Unlock()
	if active {
		c.fail(errs.E(errs.KindTransport, "claim", fmt.Errorf("connection lost: %w", orUnknown(cause))))
	}
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.status = StatusClosed
	c.signalDoneLocked()
	c.mu.Unlock()
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.stopTimerLocked()
	c.status = StatusError
	c.lastErr = err
	c.signalDoneLocked()
	c.mu.Unlock()
	c.log.Error().Err(err).Msg("claim failed")
}

// signalDoneLocked closes the batch's done channel once. Callers hold c.mu.
func (c *Coordinator) signalDoneLocked() {
	if c.done == nil {
		return
	}
	select {
	case <-c.done:
		// already closed
	default:
		close(c.done)
	}
}

func (c *Coordinator) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(batchTimeout, func() {
		c.mu.Lock()
		expired := c.status == StatusFetching || c.status == StatusClosing
		c.mu.Unlock()
		if expired {
			c.fail(errs.Errorf(errs.KindTimeout, "claim", "batch incomplete after %s", batchTimeout))
		}
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func orUnknown(err error) error {
	if err == nil {
		return fmt.Errorf("connection closed")
	}
	return err
}
