// Package realtime is the public facade over the core: a Client that owns
// one connection and a set of named Channels, wiring the protocol engine
// packages under internal/ together per spec.md §2's data-flow description.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/realtime-go/internal/auth"
	"github.com/relaywire/realtime-go/internal/chanfsm"
	"github.com/relaywire/realtime-go/internal/cipher"
	"github.com/relaywire/realtime-go/internal/connfsm"
	"github.com/relaywire/realtime-go/internal/delivery"
	"github.com/relaywire/realtime-go/internal/delta"
	"github.com/relaywire/realtime-go/internal/payload"
	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rterrors"
	"github.com/relaywire/realtime-go/internal/rtlog"
	"github.com/relaywire/realtime-go/internal/rtmetrics"
	"github.com/relaywire/realtime-go/internal/transport"
)

// ClientOptions configures a Client, gathering the per-component Options of
// spec.md §6 into one entry point.
type ClientOptions struct {
	Host   string
	Format protocol.Format // default protocol.FormatJSON

	APIKey string       // "<app>.<keyId>:<secret>"; mutually exclusive with Token
	Token  *auth.Handler

	Cipher *cipher.Engine // optional; nil disables encryption
	Delta  *delta.Engine  // optional; defaults to delta.New(0)

	Connection connfsm.Options
	Channel    chanfsm.Options
	Transport  transport.Options

	Metrics *rtmetrics.Collector // optional; nil records nothing
	Logger  *zerolog.Logger
}

// Client owns one realtime connection and the channels created against it
// (spec.md §9: "the client owns channels and the transport; channels hold a
// weak handle to the transport... obtained at construction").
type Client struct {
	opts ClientOptions
	log  zerolog.Logger

	conn     *connfsm.FSM
	engine   *delivery.Engine
	pipeline *payload.Pipeline
	metrics  *rtmetrics.Collector

	mu        sync.Mutex
	transport *transport.Transport
	channels  map[string]*Channel
	authQuery url.Values

	runOnce sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a Client in Initialized state. Call Connect to open the
// connection.
func New(opts ClientOptions) (*Client, error) {
	if opts.Format == "" {
		opts.Format = protocol.FormatJSON
	}
	if opts.Delta == nil {
		opts.Delta = delta.New(0)
	}
	if opts.APIKey == "" && opts.Token == nil {
		return nil, rterrors.New(rterrors.KindBadRequest, 0, "one of APIKey or Token must be set")
	}

	log := rtlog.OrNop(opts.Logger)
	pipeline := payload.New(opts.Cipher, opts.Delta)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		log:      log,
		conn:     connfsm.New(&opts.Connection),
		pipeline: pipeline,
		metrics:  opts.Metrics,
		channels: make(map[string]*Channel),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.engine = delivery.NewEngine(pipeline, c.sendFrame, c.requestReattach, opts.Logger)

	if opts.APIKey != "" {
		key, err := auth.ParseAPIKey(opts.APIKey)
		if err != nil {
			cancel()
			return nil, err
		}
		c.authQuery = key.RealtimeQuery()
	}

	return c, nil
}

func (c *Client) ensureRunning() {
	c.runOnce.Do(func() {
		c.conn.On(func(t connfsm.Transition) {
			if c.metrics != nil {
				c.metrics.ObserveConnectionState(t.To)
			}
			if t.To == connfsm.Disconnected || t.To == connfsm.Suspended {
				c.suspendAttachedChannels()
			}
		})
		go c.conn.Run(c.ctx, c.scheduleRetry)
	})
}

// suspendAttachedChannels moves every Attached channel to Suspended when the
// connection drops (wiring chanfsm's Attached -Suspend-> Suspended edge),
// per spec.md §4.5: only a Suspended channel has a live Suspended->Attaching
// edge for handleConnected's automatic reattach. Channels not in Attached
// ignore EventSuspend per the transition table.
func (c *Client) suspendAttachedChannels() {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventSuspend})
	}
}

// OnStateChange registers a connection state-change listener (spec.md §4.4
// "Listeners").
func (c *Client) OnStateChange(fn func(connfsm.Transition)) int { return c.conn.On(fn) }

// OffStateChange removes a previously registered listener.
func (c *Client) OffStateChange(token int) { c.conn.Off(token) }

// State returns a consistent snapshot of the connection's state.
func (c *Client) State(ctx context.Context) (connfsm.Snapshot, error) { return c.conn.Snapshot(ctx) }

// Connect opens the transport and waits for the connection to reach
// Connected, or for ctx to expire (spec.md §4.3 "open").
func (c *Client) Connect(ctx context.Context) error {
	c.ensureRunning()
	c.conn.Submit(connfsm.Event{Kind: connfsm.EventConnect})
	if err := c.dial(ctx); err != nil {
		return err
	}
	return c.conn.WaitForState(ctx, connfsm.Connected)
}

// authQueryForDial resolves the current URL auth parameter, renewing a
// token if one is configured (spec.md §4.10 "Renewal").
func (c *Client) authQueryForDial(ctx context.Context) (url.Values, error) {
	if c.opts.Token == nil {
		return c.authQuery, nil
	}
	tok, err := c.opts.Token.Token()
	if err != nil {
		return nil, err
	}
	return url.Values{"access_token": {tok.AccessToken}}, nil
}

func (c *Client) dial(ctx context.Context) error {
	authQuery, err := c.authQueryForDial(ctx)
	if err != nil {
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventErrorFatal, Err: err})
		return err
	}

	topts := c.opts.Transport
	topts.Host = c.opts.Host
	topts.Format = c.opts.Format
	topts.AuthQuery = authQuery
	if topts.Logger == nil {
		topts.Logger = c.opts.Logger
	}

	t, err := transport.New(topts)
	if err != nil {
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventErrorFatal, Err: err})
		return err
	}
	if err := t.Open(ctx); err != nil {
		kind, _ := rterrors.KindOf(err)
		if kind.IsFatal() {
			c.conn.Submit(connfsm.Event{Kind: connfsm.EventErrorFatal, Err: err})
		} else {
			// Connecting has no EventErrorTransient edge; a failed dial is a
			// disconnection from the connecting attempt, driving retry count
			// and suspension the same way a drop from Connected does.
			c.conn.Submit(connfsm.Event{Kind: connfsm.EventDisconnected, Err: err})
		}
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	go c.readDispatch(t)
	return nil
}

// scheduleRetry is passed to connfsm.FSM.Run; it redials after delay,
// implementing spec.md §4.4's "Retry scheduling".
func (c *Client) scheduleRetry(attempt int, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}
	// Disconnected -> Connecting before redialing, so the CONNECTED frame
	// dial() is racing toward lands in Connecting rather than being a
	// no-op against a stale Disconnected state.
	c.conn.Submit(connfsm.Event{Kind: connfsm.EventRetry})
	_ = c.dial(c.ctx)
}

// Close initiates a graceful close and waits for Closed (spec.md §4.3
// "close").
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	c.conn.Submit(connfsm.Event{Kind: connfsm.EventClose})
	if t != nil {
		frame := &protocol.Frame{Action: protocol.ActionClose}
		_ = t.Send(ctx, frame)
	}
	err := c.conn.WaitForState(ctx, connfsm.Closed)
	if t != nil {
		_ = t.Close("client close")
	}
	c.cancel()
	return err
}

func (c *Client) sendFrame(ctx context.Context, f *protocol.Frame) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return rterrors.New(rterrors.KindNetwork, 0, "NotConnected")
	}
	err := t.Send(ctx, f)
	if err == nil && c.metrics != nil {
		c.metrics.FrameSent()
	}
	return err
}

// requestReattach is DeliveryEngine's hook for DeltaRecoverable recovery
// (spec.md §4.6 step 2): it clears the channel's delta baseline (the presence
// set is kept) and resubmits EventAttach with the last known channel_serial
// carried via the FSM's own resume bookkeeping.
func (c *Client) requestReattach(channelName string, resumeSerial string) {
	ch, ok := c.getChannel(channelName)
	if !ok {
		return
	}
	if c.metrics != nil {
		c.metrics.Reattach("delta_recoverable")
	}
	if c.pipeline.Delta != nil {
		c.pipeline.Delta.ClearBaseline(channelName)
	}
	// Attached has no direct EventAttach edge; failing first drives the
	// channel through Failed -> Attaching (the "caller recovery" edge
	// chanfsm already exposes) so sendAttach fires with a fresh attach.
	ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventError, Err: fmt.Errorf("reattach required: delta recovery")})
	ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventAttach})
}

func (c *Client) getChannel(name string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Channel returns the named channel, creating it (Initialized) on first
// reference (spec.md §3 "Channels are created on first reference").
func (c *Client) Channel(name string) *Channel {
	c.mu.Lock()
	ch, ok := c.channels[name]
	c.mu.Unlock()
	if ok {
		return ch
	}

	fsm := chanfsm.New(name, &c.opts.Channel)
	delivered := c.engine.RegisterChannel(name, fsm)
	ch = &Channel{
		name:     name,
		client:   c,
		fsm:      fsm,
		delivery: delivered,
	}

	c.mu.Lock()
	if existing, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return existing
	}
	c.channels[name] = ch
	c.mu.Unlock()

	go fsm.Run(c.ctx, func(resumeSerial string) { c.sendAttach(ch, resumeSerial) })
	return ch
}

func (c *Client) sendAttach(ch *Channel, resumeSerial string) {
	if c.metrics != nil {
		c.metrics.ChannelAttach(ch.name)
	}
	frame := &protocol.Frame{
		Action:        protocol.ActionAttach,
		Channel:       ch.name,
		ChannelSerial: resumeSerial,
		Flags:         ch.modeFlags(),
	}
	if err := c.sendFrame(c.ctx, frame); err != nil {
		ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventError, Err: err})
	}
}

func (c *Client) readDispatch(t *transport.Transport) {
	for {
		select {
		case frame, ok := <-t.Recv():
			if !ok {
				return
			}
			if c.metrics != nil {
				c.metrics.FrameReceived()
			}
			c.handleFrame(frame)
		case <-t.Closed():
			c.conn.Submit(connfsm.Event{Kind: connfsm.EventDisconnected})
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleFrame(frame *protocol.Frame) {
	switch frame.Action {
	case protocol.ActionConnected:
		c.handleConnected(frame)
	case protocol.ActionError:
		c.handleError(frame)
	case protocol.ActionDisconnected:
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventDisconnected})
	case protocol.ActionClosed:
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventClosed})
	case protocol.ActionAttached:
		if ch, ok := c.getChannel(frame.Channel); ok {
			ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventAttached, Flags: frame.Flags})
		}
	case protocol.ActionDetached:
		if ch, ok := c.getChannel(frame.Channel); ok {
			ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventDetached})
		}
	case protocol.ActionMessage:
		c.engine.HandleMessage(c.ctx, frame)
		if c.metrics != nil {
			c.metrics.MessageDelivered(frame.Channel)
		}
	case protocol.ActionPresence:
		c.engine.HandlePresence(frame)
	case protocol.ActionSync:
		c.engine.HandleSync(frame)
	case protocol.ActionAck:
		c.engine.HandleAck(frame)
		if c.metrics != nil {
			c.metrics.Ack()
		}
	case protocol.ActionNack:
		c.engine.HandleNack(frame)
		if c.metrics != nil {
			c.metrics.Nack()
		}
	case protocol.ActionHeartbeat:
		// keepalive ack; the transport's read deadline reset already covers
		// liveness, nothing further to do here.
	}
}

func (c *Client) handleConnected(frame *protocol.Frame) {
	snap, err := c.conn.Snapshot(c.ctx)
	resumed := err == nil && snap.ConnectionID != "" && snap.ConnectionID == frame.ConnectionID
	if resumed {
		if replayErr := c.engine.ReplayWindow(c.ctx); replayErr != nil {
			c.log.Warn().Err(replayErr).Msg("failed replaying outbound window on resume")
		}
	} else {
		c.engine.ResetOutboundSerial()
	}

	c.conn.Submit(connfsm.Event{
		Kind:          connfsm.EventConnected,
		ConnectionID:  frame.ConnectionID,
		ConnectionKey: frame.ConnectionKey,
	})

	// Reattach every channel that was Attached/Suspended before this
	// Connected, per spec.md §4.5 Suspended -> Attaching automatic reattach.
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		s, err := ch.fsm.Snapshot(c.ctx)
		if err != nil {
			continue
		}
		if s.State == chanfsm.Suspended {
			if !resumed {
				c.engine.ResetChannel(ch.name)
			}
			ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventConnectionConnected})
		}
	}
}

func (c *Client) handleError(frame *protocol.Frame) {
	var err error
	if frame.Error != nil {
		err = frame.Error
	} else {
		err = fmt.Errorf("error frame with no error payload")
	}
	if frame.Channel != "" {
		if ch, ok := c.getChannel(frame.Channel); ok {
			ch.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventError, Err: err})
		}
		return
	}
	code := 0
	if frame.Error != nil {
		code = frame.Error.Code
	}
	if rterrors.FromErrorCode(code).IsFatal() {
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventErrorFatal, Err: err})
	} else {
		c.conn.Submit(connfsm.Event{Kind: connfsm.EventErrorTransient, Err: err})
	}
}
