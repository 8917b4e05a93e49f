// Package delivery implements the DeliveryEngine of spec.md §4.6: in-order
// inbound message dispatch with delta-baseline tracking, and the outbound
// ACK/NACK window keyed by msg_serial.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/realtime-go/internal/chanfsm"
	"github.com/relaywire/realtime-go/internal/payload"
	"github.com/relaywire/realtime-go/internal/presence"
	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rterrors"
	"github.com/relaywire/realtime-go/internal/rtlog"
)

const backlogCap = 1000

// wildcardName is the subscriber event-name wildcard of spec.md §4.6 step 3.
const wildcardName = "*"

// Subscriber receives a fully-decoded Message. Each subscriber gets its own
// clone of the value (spec.md §4.6 step 3).
type Subscriber func(protocol.Message)

type subscription struct {
	id      int
	pattern string
	fn      Subscriber
}

// Channel is the per-channel delivery state: subscribers, backlog, presence
// and the owning channel FSM (spec.md §3 "Channel state": subscriber map,
// presence set, delta baseline live alongside channel mode/attach state).
type Channel struct {
	name string
	fsm  *chanfsm.FSM

	mu          sync.Mutex
	exact       map[string][]subscription
	wildcard    []subscription
	nextSubID   int
	backlog     []protocol.Message
	decodeFails int
	syncing     bool

	Presence *presence.Set
}

func newChannel(name string, fsm *chanfsm.FSM) *Channel {
	return &Channel{
		name:     name,
		fsm:      fsm,
		exact:    make(map[string][]subscription),
		Presence: presence.New(),
	}
}

// Subscribe registers fn for eventName. A plain name matches exactly;
// anything containing a glob metacharacter (starting with "*" being the
// common case) is matched via shell-style wildcard semantics against every
// delivered message name (spec.md §4.6 step 3, §11's wiring of
// go-wildcard). Returns a token for Unsubscribe.
func (c *Channel) Subscribe(eventName string, fn Subscriber) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	if eventName == "" {
		eventName = wildcardName
	}
	sub := subscription{id: c.nextSubID, pattern: eventName, fn: fn}
	if isPattern(eventName) {
		c.wildcard = append(c.wildcard, sub)
	} else {
		c.exact[eventName] = append(c.exact[eventName], sub)
	}
	return c.nextSubID
}

func isPattern(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// Unsubscribe removes a previously registered subscription.
func (c *Channel) Unsubscribe(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, subs := range c.exact {
		c.exact[name] = removeSub(subs, token)
	}
	c.wildcard = removeSub(c.wildcard, token)
}

func removeSub(subs []subscription, token int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != token {
			out = append(out, s)
		}
	}
	return out
}

// Backlog returns a copy of the channel's bounded message history (spec.md
// §4.6 step 4).
func (c *Channel) Backlog() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message{}, c.backlog...)
}

func (c *Channel) appendBacklog(m protocol.Message) {
	c.backlog = append(c.backlog, m)
	if len(c.backlog) > backlogCap {
		half := len(c.backlog) / 2
		c.backlog = append([]protocol.Message{}, c.backlog[half:]...)
	}
}

func (c *Channel) dispatch(m protocol.Message) {
	c.mu.Lock()
	exact := append([]subscription{}, c.exact[m.Name]...)
	wild := append([]subscription{}, c.wildcard...)
	c.mu.Unlock()

	for _, s := range exact {
		clone := m
		s.fn(clone)
	}
	for _, s := range wild {
		if wildcard.Match(s.pattern, m.Name) {
			clone := m
			s.fn(clone)
		}
	}
}

// pendingPublish is one ACK-window entry awaiting server acknowledgement
// (spec.md §3 "OutboundWindow").
type pendingPublish struct {
	channel string
	message protocol.Message
	done    chan error
}

// SendFrame transmits a fully-formed frame, e.g. via Transport.Send.
type SendFrame func(ctx context.Context, f *protocol.Frame) error

// Reattach requests that a channel be re-attached with the given resume
// serial (spec.md §4.6 step 2 and §4.2's DeltaRecoverable handling).
type Reattach func(channel string, resumeSerial string)

// Engine is the DeliveryEngine of spec.md §4.6: it owns the inbound
// MESSAGE-frame dispatch loop and the outbound ACK/NACK window.
type Engine struct {
	pipeline *payload.Pipeline
	send     SendFrame
	reattach Reattach
	log      zerolog.Logger

	mu       sync.Mutex
	channels map[string]*Channel

	outMu         sync.Mutex
	nextMsgSerial int64
	ackWindow     map[int64]*pendingPublish
}

// NewEngine constructs a DeliveryEngine. send and reattach are supplied by
// the owning client to route outbound frames and reattach requests back
// through the connection/channel FSMs (spec.md §9: "channels hold a weak
// handle to the transport... obtained at construction").
func NewEngine(pipeline *payload.Pipeline, send SendFrame, reattach Reattach, logger *zerolog.Logger) *Engine {
	return &Engine{
		pipeline:  pipeline,
		send:      send,
		reattach:  reattach,
		log:       rtlog.OrNop(logger),
		channels:  make(map[string]*Channel),
		ackWindow: make(map[int64]*pendingPublish),
	}
}

// RegisterChannel binds a channel name to its owning ChannelFSM, creating
// delivery state for it if this is the first reference (spec.md §3:
// "Channels are created on first reference").
func (e *Engine) RegisterChannel(name string, fsm *chanfsm.FSM) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, fsm)
	e.channels[name] = ch
	return ch
}

// Channel returns the delivery state for name, if registered.
func (e *Engine) Channel(name string) (*Channel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[name]
	return ch, ok
}

// ResetOutboundSerial resets the msg_serial counter and drops the ACK
// window, used on a fresh (non-resumed) connection (spec.md invariant 4:
// "fresh connections reset it").
func (e *Engine) ResetOutboundSerial() {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	e.nextMsgSerial = 0
	for serial, p := range e.ackWindow {
		p.done <- fmt.Errorf("connection reset before ack for msg_serial %d", serial)
		delete(e.ackWindow, serial)
	}
}

// ReplayWindow resends every still-pending outbound publish with its
// original msg_serial, used after a resumed reconnect (spec.md §4.6
// "Outbound path": "on Connected-with-resume ... the window is replayed").
func (e *Engine) ReplayWindow(ctx context.Context) error {
	e.outMu.Lock()
	pending := make([]struct {
		serial int64
		p      *pendingPublish
	}, 0, len(e.ackWindow))
	for serial, p := range e.ackWindow {
		pending = append(pending, struct {
			serial int64
			p      *pendingPublish
		}{serial, p})
	}
	e.outMu.Unlock()

	for _, item := range pending {
		serial := item.serial
		frame := &protocol.Frame{
			Action:    protocol.ActionMessage,
			Channel:   item.p.channel,
			MsgSerial: &serial,
			Messages:  []protocol.Message{item.p.message},
		}
		if err := e.send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Publish assigns a local id and msg_serial, forwards a MESSAGE frame, and
// registers the publish in the ACK window; the returned channel resolves
// once ACK or NACK is observed for this msg_serial, or resolves with a
// disconnect error if the connection terminates unresumed (spec.md §4.6
// "Outbound path", testable property 3).
func (e *Engine) Publish(ctx context.Context, channel string, m protocol.Message) <-chan error {
	done := make(chan error, 1)
	if m.ID == "" {
		m.ID = fmt.Sprintf("msg:%s:%s", channel, uuid.NewString())
	}
	if m.Timestamp == 0 {
		m.Timestamp = nowMillis()
	}

	e.outMu.Lock()
	serial := e.nextMsgSerial
	e.nextMsgSerial++
	e.ackWindow[serial] = &pendingPublish{channel: channel, message: m, done: done}
	e.outMu.Unlock()

	frame := &protocol.Frame{
		Action:    protocol.ActionMessage,
		Channel:   channel,
		MsgSerial: &serial,
		Messages:  []protocol.Message{m},
	}
	if err := e.send(ctx, frame); err != nil {
		e.outMu.Lock()
		delete(e.ackWindow, serial)
		e.outMu.Unlock()
		done <- err
	}
	return done
}

// nowMillis is overridable in tests; production uses wall-clock time.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// HandleAck completes the ACK window entries msg_serial..msg_serial+count-1
// successfully (spec.md §4.6 "On ACK(msg_serial, count)").
func (e *Engine) HandleAck(frame *protocol.Frame) {
	e.completeWindow(frame, nil)
}

// HandleNack fails the covered ACK window entries with frame.Error (spec.md
// §4.6 "On NACK, the corresponding entries fail with the NACK's error").
func (e *Engine) HandleNack(frame *protocol.Frame) {
	var err error
	if frame.Error != nil {
		err = frame.Error
	} else {
		err = fmt.Errorf("nack")
	}
	e.completeWindow(frame, err)
}

func (e *Engine) completeWindow(frame *protocol.Frame, err error) {
	if frame.MsgSerial == nil {
		return
	}
	start := *frame.MsgSerial
	count := frame.Count
	if count <= 0 {
		count = 1
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	for s := start; s < start+int64(count); s++ {
		if p, ok := e.ackWindow[s]; ok {
			p.done <- err
			delete(e.ackWindow, s)
		}
	}
}

// HandleMessage processes one inbound MESSAGE frame per spec.md §4.6's
// inbound path, steps 1-6.
func (e *Engine) HandleMessage(ctx context.Context, frame *protocol.Frame) {
	ch, ok := e.Channel(frame.Channel)
	if !ok {
		e.log.Warn().Str("channel", frame.Channel).Msg("message for unregistered channel, dropping")
		return
	}

	snap, err := ch.fsm.Snapshot(ctx)
	if err != nil || snap.State != chanfsm.Attached {
		e.log.Warn().Str("channel", frame.Channel).Str("state", snap.State.String()).Msg("message on non-attached channel, dropping")
		return
	}

	for _, m := range frame.Messages {
		deltaFrom := extractDeltaFrom(m.Extras)
		raw, native := messageRaw(m)

		var decodedRaw []byte
		var value interface{}
		if native {
			decodedRaw = raw
			value = m.Data
		} else {
			decodedRaw, value, err = e.pipeline.DecodeRaw(raw, m.Encoding, frame.Channel, deltaFrom)
			if err != nil {
				if kind, ok := rterrors.KindOf(err); ok && kind == rterrors.KindDeltaRecoverable {
					ch.mu.Lock()
					ch.decodeFails++
					ch.mu.Unlock()
					e.log.Warn().Str("channel", frame.Channel).Msg("delta decode recoverable, reattaching")
					if e.reattach != nil {
						e.reattach(frame.Channel, snap.LastChannelSerial)
					}
					return // stop processing the batch, spec.md §4.6 step 2
				}
				e.log.Warn().Err(err).Str("channel", frame.Channel).Str("message", m.ID).Msg("payload decode failed, skipping message")
				continue
			}
		}

		delivered := m
		delivered.Data = value
		delivered.Encoding = ""

		ch.mu.Lock()
		ch.appendBacklog(delivered)
		ch.mu.Unlock()
		ch.dispatch(delivered)

		if e.pipeline.Delta != nil && m.ID != "" {
			e.pipeline.Delta.SetBaseline(frame.Channel, m.ID, decodedRaw)
		}
	}

	if frame.ChannelSerial != "" {
		ch.fsm.AdvanceSerial(frame.ChannelSerial)
	}
}

// HandlePresence applies a live PRESENCE frame's events to the channel's
// presence set (spec.md §4.7 event handling); events arriving mid-SYNC are
// buffered by Set.Apply itself.
func (e *Engine) HandlePresence(frame *protocol.Frame) {
	ch, ok := e.Channel(frame.Channel)
	if !ok {
		return
	}
	for _, ev := range frame.Presence {
		ch.Presence.Apply(ev)
	}
}

// HandleSync applies one page of a multi-frame SYNC (spec.md §4.7 "SYNC
// protocol"): the first page begins buffering, every page's membership is
// merged into the set immediately, and an empty ChannelSerial continuation
// marks the final page, completing the sync and replaying buffered events.
func (e *Engine) HandleSync(frame *protocol.Frame) {
	ch, ok := e.Channel(frame.Channel)
	if !ok {
		return
	}
	ch.mu.Lock()
	first := !ch.syncing
	if first {
		ch.syncing = true
	}
	ch.mu.Unlock()
	if first {
		ch.Presence.BeginSync()
	}
	ch.Presence.ApplySnapshot(frame.Presence)
	if frame.ChannelSerial == "" {
		ch.mu.Lock()
		ch.syncing = false
		ch.mu.Unlock()
		ch.Presence.CompleteSync()
	}
}

// DiscardChannelSync abandons an in-progress SYNC for name, called by the
// client's Channel.Detach (spec.md §9 Open Question, resolved: "the
// in-progress SYNC is discarded on DETACH").
func (e *Engine) DiscardChannelSync(name string) {
	ch, ok := e.Channel(name)
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.syncing = false
	ch.mu.Unlock()
	ch.Presence.DiscardSync()
}

// ResetChannel clears a channel's presence set and delta baseline, used
// when a channel reattaches without resume (spec.md §4.5 Suspended ->
// Attaching: "channels are expected to reattach from scratch").
func (e *Engine) ResetChannel(name string) {
	ch, ok := e.Channel(name)
	if !ok {
		return
	}
	ch.Presence.Clear()
	if e.pipeline.Delta != nil {
		e.pipeline.Delta.ClearBaseline(name)
	}
}

// messageRaw returns the raw bytes a non-empty encoding chain should be
// applied to, and whether the message is carried as a native (already
// un-encoded) JSON value — per spec.md §4.2, data with an empty encoding is
// the value itself, not a string to decode.
func messageRaw(m protocol.Message) (raw []byte, native bool) {
	if m.Encoding == "" {
		return nil, true
	}
	switch v := m.Data.(type) {
	case string:
		return []byte(v), false
	default:
		b, _ := json.Marshal(v)
		return b, false
	}
}

func extractDeltaFrom(extras json.RawMessage) string {
	if len(extras) == 0 {
		return ""
	}
	var d protocol.DeltaExtras
	if err := json.Unmarshal(extras, &d); err != nil {
		return ""
	}
	return d.Delta.From
}

