package connfsm

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/realtime-go/internal/rtlog"
)

// Transition is one (from, to) pair delivered to state-change listeners, in
// occurrence order (spec.md §4.4, §5).
type Transition struct {
	From, To State
	Err      error
}

// Options configures retry/suspension policy, per spec.md §4.4 and the
// connection.* options of §6.
type Options struct {
	RetryMax     int           // default 10
	IdleSuspend  time.Duration // default 120s
	RetryBase    time.Duration // default 1s
	RetryCap     time.Duration // default 60s
	HistoryLimit int           // default 100
	Logger       *zerolog.Logger
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 10
	}
	if out.IdleSuspend <= 0 {
		out.IdleSuspend = 120 * time.Second
	}
	if out.RetryBase <= 0 {
		out.RetryBase = time.Second
	}
	if out.RetryCap <= 0 {
		out.RetryCap = 60 * time.Second
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 100
	}
	return out
}

// listenerEntry pairs a registered callback with the token used to remove
// it (spec.md §12 "listener removal" supplement).
type listenerEntry struct {
	token int
	fn    func(Transition)
}

// FSM is the connection state machine. All mutation happens on the single
// goroutine started by Run; external callers only ever send events on in,
// and Snapshot/On/Off send requests on their own channels that the same run
// goroutine serves (spec.md §5: "all mutations route through a single event
// queue").
type FSM struct {
	opts Options
	log  zerolog.Logger

	in chan Event

	// snapshot request/response, used by Snapshot() so callers can read
	// state without racing the owner goroutine.
	snapshotReq chan chan Snapshot

	listenerReq chan listenerOp

	// The FSM holds no timers: retry delays are handed to Run's scheduleRetry
	// callback.
}

type listenerOp struct {
	add    *listenerEntry
	remove int // token to remove; 0 is never a valid token (tokens start at 1)
	result chan int
}

// Snapshot is a consistent, point-in-time read of FSM state.
type Snapshot struct {
	State        State
	ConnectionID string
	ConnectionKey string
	RetryCount   int
	LastError    error
	LastActivity time.Time
	History      []Transition
}

// New constructs an FSM in Initialized state. Call Run in its own goroutine
// to start processing events; the FSM does nothing until Run is called.
func New(opts *Options) *FSM {
	o := opts.withDefaults()
	return &FSM{
		opts:        o,
		log:         rtlog.OrNop(o.Logger),
		in:          make(chan Event, 64),
		snapshotReq: make(chan chan Snapshot),
		listenerReq: make(chan listenerOp),
	}
}

// Submit enqueues an event for processing and returns immediately. This is
// the non-blocking path spec.md §5 describes for external callers.
func (f *FSM) Submit(ev Event) {
	f.in <- ev
}

// SubmitWait enqueues an event and blocks until it has been fully
// processed (transition applied, listeners dispatched).
func (f *FSM) SubmitWait(ctx context.Context, ev Event) error {
	reply := make(chan struct{})
	ev.reply = reply
	select {
	case f.in <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers a state-change listener and returns a token for Off. The
// callback is invoked off the FSM's run goroutine (spec.md §4.4: "Listener
// invocation must not block the FSM").
func (f *FSM) On(fn func(Transition)) int {
	result := make(chan int, 1)
	f.listenerReq <- listenerOp{add: &listenerEntry{fn: fn}, result: result}
	return <-result
}

// Off removes a previously registered listener (spec.md §12 supplement).
func (f *FSM) Off(token int) {
	f.listenerReq <- listenerOp{remove: token, result: make(chan int, 1)}
}

// Snapshot returns a consistent read of the FSM's current state.
func (f *FSM) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case f.snapshotReq <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// WaitForState polls (via Snapshot) until the FSM reaches target, using the
// exponential-backoff poll schedule of spec.md §5: starting 50ms, doubling
// to a 1s cap, overall deadline from ctx.
func (f *FSM) WaitForState(ctx context.Context, target State) error {
	wait := 50 * time.Millisecond
	const cap_ = time.Second
	for {
		snap, err := f.Snapshot(ctx)
		if err != nil {
			return err
		}
		if snap.State == target {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
		if wait > cap_ {
			wait = cap_
		}
	}
}

// Run processes events until ctx is done. It must be started in its own
// goroutine; state changes, suspension checks, retry scheduling (through
// scheduleRetry) and listener dispatch all start here, so the rest of the
// FSM's API is safe to call from any goroutine.
func (f *FSM) Run(ctx context.Context, scheduleRetry func(attempt int, delay time.Duration)) {
	state := Initialized
	var connectionID, connectionKey string
	var retryCount int
	var lastError error
	var lastActivity time.Time
	var history []Transition
	listeners := make([]listenerEntry, 0, 4)
	nextToken := 1

	appendHistory := func(t Transition) {
		history = append(history, t)
		if len(history) > f.opts.HistoryLimit {
			// halve when full, per spec.md §3 Connection state invariant.
			half := len(history) / 2
			history = append([]Transition{}, history[half:]...)
		}
	}

	dispatch := func(t Transition) {
		snapshot := append([]listenerEntry{}, listeners...)
		go func() {
			for _, l := range snapshot {
				l.fn(t)
			}
		}()
	}

	applyEvent := func(ev Event) {
		to, changed := next(state, ev.Kind)
		if !changed {
			if ev.reply != nil {
				close(ev.reply)
			}
			return
		}
		from := state
		state = to
		prevActivity := lastActivity
		lastActivity = time.Now()

		switch ev.Kind {
		case EventConnected:
			connectionID = ev.ConnectionID
			connectionKey = ev.ConnectionKey
			retryCount = 0
			lastError = nil
		case EventErrorFatal, EventErrorTransient, EventDisconnected, EventClosed:
			lastError = ev.Err
		case EventConnect:
			if from == Closed || from == Failed || from == Suspended {
				connectionID = ""
				connectionKey = ""
			}
		}

		if state == Disconnected && from != Disconnected {
			retryCount++
			idleExceeded := !prevActivity.IsZero() && lastActivity.Sub(prevActivity) > f.opts.IdleSuspend
			if retryCount > f.opts.RetryMax || idleExceeded {
				// Suspension is decided on this disconnection and applied by
				// enqueuing a Suspend event, so the transition goes through the
				// same single event path.
				go f.Submit(Event{Kind: EventSuspend})
			} else if scheduleRetry != nil {
				delay := backoff(retryCount, f.opts.RetryBase, f.opts.RetryCap)
				go scheduleRetry(retryCount, delay)
			}
		}

		t := Transition{From: from, To: state, Err: ev.Err}
		appendHistory(t)
		f.log.Debug().Str("from", from.String()).Str("to", state.String()).Msg("connection state transition")
		dispatch(t)

		if ev.reply != nil {
			close(ev.reply)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.in:
			applyEvent(ev)
		case reply := <-f.snapshotReq:
			reply <- Snapshot{
				State: state, ConnectionID: connectionID, ConnectionKey: connectionKey,
				RetryCount: retryCount, LastError: lastError, LastActivity: lastActivity,
				History: append([]Transition{}, history...),
			}
		case op := <-f.listenerReq:
			if op.add != nil {
				op.add.token = nextToken
				nextToken++
				listeners = append(listeners, *op.add)
				op.result <- op.add.token
			} else {
				filtered := listeners[:0]
				for _, l := range listeners {
					if l.token != op.remove {
						filtered = append(filtered, l)
					}
				}
				listeners = filtered
				op.result <- 0
			}
		}
	}
}

// backoff computes the exponential-backoff delay with 25% jitter for the
// given retry attempt, per spec.md §4.4 ("base ~1s, cap ~60s, 25% jitter").
func backoff(attempt int, base, cap_ time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > cap_ {
		d = cap_
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
