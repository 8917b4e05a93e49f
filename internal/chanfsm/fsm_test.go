package chanfsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/realtime-go/internal/protocol"
)

func runFSM(t *testing.T, opts *Options, sendAttach func(resumeSerial string)) *FSM {
	t.Helper()
	f := New("news", opts)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx, sendAttach)
	t.Cleanup(cancel)
	return f
}

func TestFSM_AttachFlow(t *testing.T) {
	var mu sync.Mutex
	var resumeSerials []string
	attached := make(chan struct{}, 1)

	f := runFSM(t, nil, func(resumeSerial string) {
		mu.Lock()
		resumeSerials = append(resumeSerials, resumeSerial)
		mu.Unlock()
		select {
		case attached <- struct{}{}:
		default:
		}
	})
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttach}))
	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("expected sendAttach callback on Attaching")
	}

	snap, err := f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Attaching, snap.State)

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttached, Flags: protocol.FlagResumed}))
	snap, err = f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Attached, snap.State)
	assert.True(t, snap.Resumed)
}

func TestFSM_PublishAutoAttaches(t *testing.T) {
	f := runFSM(t, nil, func(resumeSerial string) {})
	ctx := context.Background()

	f.Submit(Event{Kind: EventPublish})

	// poll briefly for the Attaching transition triggered by auto-attach
	deadline := time.After(time.Second)
	for {
		s, err := f.Snapshot(ctx)
		require.NoError(t, err)
		if s.State == Attaching {
			break
		}
		select {
		case <-deadline:
			t.Fatal("publish did not auto-attach")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAwaitAttached_BlocksUntilAttachedThenReturns(t *testing.T) {
	f := runFSM(t, nil, func(resumeSerial string) {})
	ctx := context.Background()

	f.Submit(Event{Kind: EventAttach})
	done := make(chan error, 1)
	go func() { done <- f.AwaitAttached(ctx) }()

	time.Sleep(10 * time.Millisecond) // let AwaitAttached register as a waiter
	f.Submit(Event{Kind: EventAttached})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitAttached did not return after EventAttached")
	}
}

func TestAwaitAttached_ReturnsErrorOnFailedAttach(t *testing.T) {
	f := runFSM(t, nil, func(resumeSerial string) {})
	ctx := context.Background()

	f.Submit(Event{Kind: EventAttach})
	boom := assert.AnError
	done := make(chan error, 1)
	go func() { done <- f.AwaitAttached(ctx) }()

	time.Sleep(10 * time.Millisecond)
	f.Submit(Event{Kind: EventError, Err: boom})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("AwaitAttached did not return after EventError")
	}
}

func TestFSM_SuspendThenConnectionConnectedReattaches(t *testing.T) {
	attachCount := make(chan string, 4)
	f := runFSM(t, nil, func(resumeSerial string) { attachCount <- resumeSerial })
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttach}))
	<-attachCount
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttached}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventSuspend}))

	snap, err := f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Suspended, snap.State)

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnectionConnected}))
	select {
	case serial := <-attachCount:
		assert.Empty(t, serial, "Suspended -> Attaching reattaches from scratch, no resume serial")
	case <-time.After(time.Second):
		t.Fatal("expected automatic reattach on EventConnectionConnected")
	}
}

func TestFSM_ListenerRemoval(t *testing.T) {
	f := runFSM(t, nil, func(resumeSerial string) {})
	ctx := context.Background()

	var mu sync.Mutex
	var count int
	token := f.On(func(Transition) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttach}))
	f.Off(token)
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventAttached}))

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
