package chanfsm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rtlog"
)

// Transition is one (from, to) pair delivered to state-change listeners.
type Transition struct {
	From, To State
	Err      error
}

// Options configures the attach timeout and internal retry wait, per
// spec.md §4.5/§5 ("channel attach timeout ~10s, exponential internal wait
// capped at 1s").
type Options struct {
	AttachTimeout   time.Duration // default 10s
	InternalWaitCap time.Duration // default 1s
	Logger          *zerolog.Logger
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.AttachTimeout <= 0 {
		out.AttachTimeout = 10 * time.Second
	}
	if out.InternalWaitCap <= 0 {
		out.InternalWaitCap = time.Second
	}
	return out
}

// Snapshot is a consistent read of channel FSM state.
type Snapshot struct {
	State         State
	Flags         protocol.Flag
	AttachSerial  string
	LastChannelSerial string
	Resumed       bool
	LastError     error
}

type listenerEntry struct {
	token int
	fn    func(Transition)
}

type listenerOp struct {
	add    *listenerEntry
	remove int
	result chan int
}

// FSM is the per-channel state machine, owned by a single goroutine started
// via Run (spec.md §5: "Each channel owns its ChannelFSM state").
type FSM struct {
	name string
	opts Options
	log  zerolog.Logger

	in          chan Event
	snapshotReq chan chan Snapshot
	listenerReq chan listenerOp

	// attachWait holds channels blocked on an in-flight Attach (spec.md
	// §4.5: "publishes during Attaching block until Attached or the attach
	// fails").
	attachWaitReq chan chan error

	// serialReq advances last_channel_serial outside the event-transition
	// table, since serial advancement (spec.md §4.6 step 6) doesn't change
	// channel state.
	serialReq chan string
}

// New constructs a channel FSM in Initialized state for the named channel.
func New(name string, opts *Options) *FSM {
	o := opts.withDefaults()
	return &FSM{
		name:          name,
		opts:          o,
		log:           rtlog.OrNop(o.Logger),
		in:            make(chan Event, 64),
		snapshotReq:   make(chan chan Snapshot),
		listenerReq:   make(chan listenerOp),
		attachWaitReq: make(chan chan error),
		serialReq:     make(chan string),
	}
}

// AdvanceSerial records the channel_serial of the last successfully
// delivered frame, for reattach-with-resume on the next Attach (spec.md
// §4.6 step 6, invariant 2: monotonic within a channel).
func (f *FSM) AdvanceSerial(serial string) { f.serialReq <- serial }

func (f *FSM) Submit(ev Event) { f.in <- ev }

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

func (f *FSM) On(fn func(Transition)) int {
	result := make(chan int, 1)
	f.listenerReq <- listenerOp{add: &listenerEntry{fn: fn}, result: result}
	return <-result
}

func (f *FSM) Off(token int) {
	f.listenerReq <- listenerOp{remove: token, result: make(chan int, 1)}
}

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

// AwaitAttached blocks until the channel reaches Attached or Failed,
// implementing "publishes during Attaching block until Attached or the
// attach fails" (spec.md §4.5). ctx's deadline governs the wait, per §5
// ("Publish auto-attach: inherits the attach deadline").
func (f *FSM) AwaitAttached(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case f.attachWaitReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is done. attachTimer/attach deadline
// handling happens here: after submitting EventAttach, Run starts a timer
// that, if it fires before EventAttached/EventError, submits EventTimeout.
func (f *FSM) Run(ctx context.Context, sendAttach func(resumeSerial string)) {
	state := Initialized
	var flags protocol.Flag
	var attachSerial, lastChannelSerial string
	var resumed bool
	var lastErr error
	listeners := make([]listenerEntry, 0, 4)
	nextToken := 1
	var attachWaiters []chan error
	var attachTimer *time.Timer
	stopAttachTimer := func() {
		if attachTimer != nil {
			attachTimer.Stop()
			attachTimer = nil
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

	resolveAttachWaiters := func(err error) {
		waiters := attachWaiters
		attachWaiters = nil
		for _, w := range waiters {
			w <- err
		}
	}

	var timeoutCh <-chan time.Time

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

		switch ev.Kind {
		case EventAttach, EventPublish:
			if to == Attaching {
				stopAttachTimer()
				attachTimer = time.NewTimer(f.opts.AttachTimeout)
				timeoutCh = attachTimer.C
				if from == Failed {
					attachSerial = "" // clear attach_serial, preserve subscribers (spec.md §4.5)
					lastErr = nil
				}
				if from == Suspended {
					resumed = false
					lastChannelSerial = "" // reattach from scratch, no resume
				}
				resumeSerial := lastChannelSerial
				if sendAttach != nil {
					go sendAttach(resumeSerial)
				}
			}
		case EventAttached:
			stopAttachTimer()
			flags = ev.Flags
			resumed = flags.Has(protocol.FlagResumed)
			lastErr = nil
			resolveAttachWaiters(nil)
		case EventError, EventTimeout:
			stopAttachTimer()
			lastErr = ev.Err
			resolveAttachWaiters(ev.Err)
		case EventConnectionConnected:
			if to == Attaching {
				stopAttachTimer()
				attachTimer = time.NewTimer(f.opts.AttachTimeout)
				timeoutCh = attachTimer.C
				if sendAttach != nil {
					go sendAttach("") // Suspended -> no resume serial
				}
			}
		}

		t := Transition{From: from, To: state, Err: ev.Err}
		f.log.Debug().Str("channel", f.name).Str("from", from.String()).Str("to", state.String()).Msg("channel state transition")
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
		case <-timeoutCh:
			timeoutCh = nil
			applyEvent(Event{Kind: EventTimeout, Err: errAttachTimeout{channel: f.name}})
		case serial := <-f.serialReq:
			lastChannelSerial = serial
		case reply := <-f.snapshotReq:
			reply <- Snapshot{
				State: state, Flags: flags, AttachSerial: attachSerial,
				LastChannelSerial: lastChannelSerial, Resumed: resumed, LastError: lastErr,
			}
		case reply := <-f.attachWaitReq:
			if state == Attached {
				reply <- nil
			} else if state == Failed {
				reply <- lastErr
			} else {
				attachWaiters = append(attachWaiters, reply)
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

type errAttachTimeout struct{ channel string }

func (e errAttachTimeout) Error() string {
	return "channel attach timeout: " + e.channel
}
