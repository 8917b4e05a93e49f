package connfsm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFSM(t *testing.T, opts *Options, scheduleRetry func(attempt int, delay time.Duration)) (*FSM, context.CancelFunc) {
	t.Helper()
	f := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx, scheduleRetry)
	t.Cleanup(cancel)
	return f, cancel
}

func TestFSM_ConnectToConnected(t *testing.T) {
	f, _ := runFSM(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	snap, err := f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Connecting, snap.State)

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnected, ConnectionID: "conn-1"}))
	snap, err = f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Connected, snap.State)
	assert.Equal(t, "conn-1", snap.ConnectionID)
}

func TestFSM_UnlistedEventIsNoOp(t *testing.T) {
	f, _ := runFSM(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnected}))
	snap, err := f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Initialized, snap.State, "Initialized has no EventConnected edge")
}

func TestFSM_DisconnectSchedulesRetry(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	retried := make(chan struct{}, 1)

	f, _ := runFSM(t, &Options{RetryMax: 10}, func(attempt int, delay time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		select {
		case retried <- struct{}{}:
		default:
		}
	})
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnected}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventErrorTransient, Err: fmt.Errorf("boom")}))

	select {
	case <-retried:
	case <-time.After(time.Second):
		t.Fatal("expected scheduleRetry to be invoked after disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0])
}

func TestFSM_SuspendsAfterRetryMaxExceeded(t *testing.T) {
	f, _ := runFSM(t, &Options{RetryMax: 1, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond}, func(attempt int, delay time.Duration) {
		// No automatic retry: the test drives each attempt with EventRetry itself.
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnected}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventErrorTransient})) // retryCount -> 1, within RetryMax
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventRetry}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventDisconnected}))   // retry attempt fails: retryCount -> 2, exceeds RetryMax=1
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventErrorTransient})) // no edge from Disconnected/Suspended: retryCount stays 2

	require.NoError(t, f.WaitForState(ctx, Suspended))
}

func TestFSM_ListenersReceiveTransitionsAndCanBeRemoved(t *testing.T) {
	f, _ := runFSM(t, nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Transition
	done := make(chan struct{})
	token := f.On(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}

	f.Off(token)
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnected}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "listener removed via Off should not see further transitions")
	assert.Equal(t, Initialized, seen[0].From)
	assert.Equal(t, Connecting, seen[0].To)
}

func TestFSM_CloseIsTerminalButRestartable(t *testing.T) {
	f, _ := runFSM(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventClose}))
	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventClosed}))

	snap, err := f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Closed, snap.State)

	require.NoError(t, f.SubmitWait(ctx, Event{Kind: EventConnect}))
	snap, err = f.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Connecting, snap.State, "Closed -> Connecting on an explicit restart")
}
