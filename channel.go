package realtime

import (
	"context"

	"github.com/relaywire/realtime-go/internal/chanfsm"
	"github.com/relaywire/realtime-go/internal/delivery"
	"github.com/relaywire/realtime-go/internal/presence"
	"github.com/relaywire/realtime-go/internal/protocol"
)

// Mode requests a subset of a channel's capabilities on attach, per
// spec.md §4.5's attach mode flags (publish/subscribe/presence).
type Mode = protocol.Flag

const (
	ModePublish           = protocol.FlagPublish
	ModeSubscribe         = protocol.FlagSubscribe
	ModePresence          = protocol.FlagPresence
	ModePresenceSubscribe = protocol.FlagPresenceSubscribe
)

// Channel is a named realtime channel: publish, subscribe, presence, and
// the attach/detach lifecycle, backed by one chanfsm.FSM and one
// delivery.Channel (spec.md §3 "Channel").
type Channel struct {
	name     string
	client   *Client
	fsm      *chanfsm.FSM
	delivery *delivery.Channel

	modes protocol.Flag
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// SetModes requests the given attach modes on the next (re)attach. Modes
// default to publish+subscribe when never set.
func (c *Channel) SetModes(modes protocol.Flag) { c.modes = modes }

func (c *Channel) modeFlags() protocol.Flag {
	if c.modes == 0 {
		return ModePublish | ModeSubscribe
	}
	return c.modes
}

// State returns a consistent snapshot of the channel's state.
func (c *Channel) State(ctx context.Context) (chanfsm.Snapshot, error) {
	return c.fsm.Snapshot(ctx)
}

// OnStateChange registers a channel state-change listener.
func (c *Channel) OnStateChange(fn func(chanfsm.Transition)) int { return c.fsm.On(fn) }

// OffStateChange removes a previously registered listener.
func (c *Channel) OffStateChange(token int) { c.fsm.Off(token) }

// Attach requests the channel be attached and waits for Attached or the
// attach to fail (spec.md §4.5 "attach").
func (c *Channel) Attach(ctx context.Context) error {
	c.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventAttach})
	return c.fsm.AwaitAttached(ctx)
}

// Detach requests the channel be detached (spec.md §4.5 "detach"); an
// in-progress presence SYNC is discarded.
func (c *Channel) Detach(ctx context.Context) error {
	err := c.fsm.SubmitWait(ctx, chanfsm.Event{Kind: chanfsm.EventDetach})
	if err == nil {
		c.client.engine.DiscardChannelSync(c.name)
	}
	return err
}

// Publish sends one message, auto-attaching if needed, and waits for the
// server's ACK or NACK (spec.md §4.6 "Outbound path"; §4.5 "Publish
// auto-attach: inherits the attach deadline").
func (c *Channel) Publish(ctx context.Context, name string, data interface{}) error {
	snap, err := c.fsm.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.State != chanfsm.Attached {
		c.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventPublish})
		if err := c.fsm.AwaitAttached(ctx); err != nil {
			return err
		}
	}

	m := protocol.Message{Name: name, Data: data}
	if c.client.metrics != nil {
		c.client.metrics.MessagePublished(c.name)
	}
	done := c.client.engine.Publish(ctx, c.name, m)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for messages named eventName ("" or "*" matches
// every message; any pattern containing a glob metacharacter is matched
// via shell-style wildcard semantics), returning a token for Unsubscribe.
func (c *Channel) Subscribe(eventName string, fn func(protocol.Message)) int {
	return c.delivery.Subscribe(eventName, fn)
}

// Unsubscribe removes a previously registered subscription.
func (c *Channel) Unsubscribe(token int) { c.delivery.Unsubscribe(token) }

// Backlog returns a copy of the channel's bounded recent-message history
// (spec.md §4.6 step 4).
func (c *Channel) Backlog() []protocol.Message { return c.delivery.Backlog() }

// Presence returns the channel's live presence set.
func (c *Channel) Presence() *presence.Set { return c.delivery.Presence }

// Enter publishes a presence Enter event for this connection's client,
// waiting for attach the same way Publish does.
func (c *Channel) Enter(ctx context.Context, clientID string, data interface{}) error {
	return c.sendPresence(ctx, protocol.PresenceEvent{
		Action: protocol.PresenceEnter, ClientID: clientID, Data: data,
	})
}

// Leave publishes a presence Leave event.
func (c *Channel) Leave(ctx context.Context, clientID string, data interface{}) error {
	return c.sendPresence(ctx, protocol.PresenceEvent{
		Action: protocol.PresenceLeave, ClientID: clientID, Data: data,
	})
}

// UpdatePresence publishes a presence Update event.
func (c *Channel) UpdatePresence(ctx context.Context, clientID string, data interface{}) error {
	return c.sendPresence(ctx, protocol.PresenceEvent{
		Action: protocol.PresenceUpdate, ClientID: clientID, Data: data,
	})
}

func (c *Channel) sendPresence(ctx context.Context, ev protocol.PresenceEvent) error {
	snap, err := c.fsm.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.State != chanfsm.Attached {
		c.fsm.Submit(chanfsm.Event{Kind: chanfsm.EventPublish})
		if err := c.fsm.AwaitAttached(ctx); err != nil {
			return err
		}
	}
	frame := &protocol.Frame{
		Action:   protocol.ActionPresence,
		Channel:  c.name,
		Presence: []protocol.PresenceEvent{ev},
	}
	return c.client.sendFrame(ctx, frame)
}
