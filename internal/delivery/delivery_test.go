package delivery

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/realtime-go/internal/chanfsm"
	"github.com/relaywire/realtime-go/internal/delta"
	"github.com/relaywire/realtime-go/internal/payload"
	"github.com/relaywire/realtime-go/internal/protocol"
)

func newAttachedChannel(t *testing.T, e *Engine, name string) *Channel {
	t.Helper()
	fsm := chanfsm.New(name, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fsm.Run(ctx, func(string) {})
	require.NoError(t, fsm.SubmitWait(ctx, chanfsm.Event{Kind: chanfsm.EventAttach}))
	require.NoError(t, fsm.SubmitWait(ctx, chanfsm.Event{Kind: chanfsm.EventAttached}))
	return e.RegisterChannel(name, fsm)
}

func TestPublish_CompletesOnAck(t *testing.T) {
	var sent []*protocol.Frame
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error {
		sent = append(sent, f)
		return nil
	}, nil, nil)

	done := e.Publish(context.Background(), "news", protocol.Message{Name: "update"})
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].MsgSerial)
	serial := *sent[0].MsgSerial

	e.HandleAck(&protocol.Frame{MsgSerial: &serial, Count: 1})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after ack")
	}
}

func TestPublish_FailsOnNack(t *testing.T) {
	var serial int64
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error {
		serial = *f.MsgSerial
		return nil
	}, nil, nil)

	done := e.Publish(context.Background(), "news", protocol.Message{Name: "update"})
	e.HandleNack(&protocol.Frame{MsgSerial: &serial, Count: 1, Error: &protocol.ErrorInfo{Code: 50000, Message: "boom"}})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("publish did not fail after nack")
	}
}

func TestResetOutboundSerial_FailsPendingAndResetsCounter(t *testing.T) {
	var sent []*protocol.Frame
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error {
		sent = append(sent, f)
		return nil
	}, nil, nil)

	done := e.Publish(context.Background(), "news", protocol.Message{Name: "update"})
	e.ResetOutboundSerial()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected pending publish to fail on reset")
	}

	e.Publish(context.Background(), "news", protocol.Message{Name: "update"})
	require.Len(t, sent, 2)
	assert.Equal(t, int64(0), *sent[1].MsgSerial)
}

func TestHandleMessage_DispatchesToExactAndWildcardSubscribers(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	var mu sync.Mutex
	var exactGot, wildGot []protocol.Message
	ch.Subscribe("update", func(m protocol.Message) {
		mu.Lock()
		exactGot = append(exactGot, m)
		mu.Unlock()
	})
	ch.Subscribe("*", func(m protocol.Message) {
		mu.Lock()
		wildGot = append(wildGot, m)
		mu.Unlock()
	})

	e.HandleMessage(context.Background(), &protocol.Frame{
		Channel: "news",
		Messages: []protocol.Message{
			{ID: "m1", Name: "update", Data: map[string]interface{}{"a": float64(1)}},
		},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exactGot, 1)
	require.Len(t, wildGot, 1)
	assert.Equal(t, "update", exactGot[0].Name)
}

func TestHandleMessage_DecodesBase64JSONPayload(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	var got protocol.Message
	received := make(chan struct{}, 1)
	ch.Subscribe("", func(m protocol.Message) {
		got = m
		received <- struct{}{}
	})

	wire := base64.StdEncoding.EncodeToString([]byte(`"hello"`))
	e.HandleMessage(context.Background(), &protocol.Frame{
		Channel: "news",
		Messages: []protocol.Message{
			{ID: "m1", Name: "greet", Data: wire, Encoding: "base64/json"},
		},
	})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber dispatch")
	}
	assert.Equal(t, "hello", got.Data)
	assert.Empty(t, got.Encoding, "delivered message should carry the decoded value, not the wire encoding chain")
}

func TestHandleMessage_DeltaRecoverableTriggersReattachAndStopsBatch(t *testing.T) {
	var reattached string
	e := NewEngine(payload.New(nil, delta.New(0)), func(ctx context.Context, f *protocol.Frame) error { return nil },
		func(channel string, resumeSerial string) { reattached = channel }, nil)
	ch := newAttachedChannel(t, e, "news")

	var dispatchCount int
	ch.Subscribe("", func(protocol.Message) { dispatchCount++ })

	// No baseline has ever been recorded for "news", so this vcdiff message
	// is delta-recoverable: DecodeRaw fails, HandleMessage reattaches and
	// abandons the rest of the batch without dispatching m2.
	e.HandleMessage(context.Background(), &protocol.Frame{
		Channel: "news",
		Messages: []protocol.Message{
			{ID: "m1", Name: "update", Data: "irrelevant", Encoding: "vcdiff/json", Extras: []byte(`{"delta":{"from":"m0"}}`)},
			{ID: "m2", Name: "update", Data: "should not be reached"},
		},
	})

	assert.Equal(t, "news", reattached)
	assert.Equal(t, 0, dispatchCount, "batch should stop at the first delta-recoverable message")
}

func TestHandleMessage_DropsMessageForNonAttachedChannel(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	fsm := chanfsm.New("news", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fsm.Run(ctx, func(string) {})
	ch := e.RegisterChannel("news", fsm) // left Initialized, never attached

	var dispatched bool
	ch.Subscribe("", func(protocol.Message) { dispatched = true })

	e.HandleMessage(context.Background(), &protocol.Frame{
		Channel:  "news",
		Messages: []protocol.Message{{ID: "m1", Name: "update", Data: "x"}},
	})

	assert.False(t, dispatched)
}

func TestBacklog_CapsAndHalves(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	for i := 0; i < backlogCap+5; i++ {
		e.HandleMessage(context.Background(), &protocol.Frame{
			Channel:  "news",
			Messages: []protocol.Message{{ID: "m", Name: "update", Data: "x"}},
		})
	}

	assert.LessOrEqual(t, len(ch.Backlog()), backlogCap)
}

func TestHandleSync_BuffersAndCompletesAcrossPages(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	e.HandleSync(&protocol.Frame{
		Channel:       "news",
		ChannelSerial: "page-1",
		Presence:      []protocol.PresenceEvent{{Action: protocol.PresencePresent, ClientID: "alice"}},
	})
	_, ok := ch.Presence.Get("alice", "")
	assert.True(t, ok)

	e.HandlePresence(&protocol.Frame{
		Channel:  "news",
		Presence: []protocol.PresenceEvent{{Action: protocol.PresenceLeave, ClientID: "alice"}},
	})
	_, ok = ch.Presence.Get("alice", "")
	assert.True(t, ok, "live leave mid-sync should buffer, not apply yet")

	e.HandleSync(&protocol.Frame{Channel: "news", ChannelSerial: ""}) // final page
	_, ok = ch.Presence.Get("alice", "")
	assert.False(t, ok, "buffered leave should replay once sync completes")
}

func TestDiscardChannelSync_DropsBufferedEvents(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	e.HandleSync(&protocol.Frame{Channel: "news", ChannelSerial: "page-1"})
	e.HandlePresence(&protocol.Frame{
		Channel:  "news",
		Presence: []protocol.PresenceEvent{{Action: protocol.PresenceEnter, ClientID: "bob"}},
	})
	e.DiscardChannelSync("news")

	e.HandleSync(&protocol.Frame{Channel: "news", ChannelSerial: ""})
	_, ok := ch.Presence.Get("bob", "")
	assert.False(t, ok, "discarded sync should not replay buffered events on a later completion")
}

func TestResetChannel_ClearsPresence(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	e.HandlePresence(&protocol.Frame{
		Channel:  "news",
		Presence: []protocol.PresenceEvent{{Action: protocol.PresenceEnter, ClientID: "carol"}},
	})
	e.ResetChannel("news")

	_, ok := ch.Presence.Get("carol", "")
	assert.False(t, ok)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	e := NewEngine(payload.New(nil, nil), func(ctx context.Context, f *protocol.Frame) error { return nil }, nil, nil)
	ch := newAttachedChannel(t, e, "news")

	var count int
	token := ch.Subscribe("update", func(protocol.Message) { count++ })
	ch.Unsubscribe(token)

	e.HandleMessage(context.Background(), &protocol.Frame{
		Channel:  "news",
		Messages: []protocol.Message{{ID: "m1", Name: "update", Data: "x"}},
	})
	assert.Equal(t, 0, count)
}
