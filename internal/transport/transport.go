// Package transport implements the Transport of spec.md §4.3: a single
// persistent full-duplex WebSocket connection with URL construction,
// reader/writer tasks, keepalive ping/idle-timeout, and a local frame-size
// guard.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rterrors"
	"github.com/relaywire/realtime-go/internal/rtlog"
)

// ProtocolVersion is the "v" URL parameter, per spec.md §6 ("protocol
// v1.2 ... wire-format versions recognized by the service").
const ProtocolVersion = "1.2"

// Options configures a Transport, mirroring the transport.* table of
// spec.md §6.
type Options struct {
	Host              string // e.g. "realtime.example.com"
	Format            protocol.Format
	AuthQuery         url.Values    // "key=..." or "access_token=..."
	KeepaliveInterval time.Duration // default 20s
	IdleTimeout       time.Duration // default 2x KeepaliveInterval
	ConnectionTimeout time.Duration // default 10s
	MaxFrameSize      int           // local outbound cap; 0 = no local cap
	Dialer            *websocket.Dialer
	Logger            *zerolog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.KeepaliveInterval <= 0 {
		out.KeepaliveInterval = 20 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 2 * out.KeepaliveInterval
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = 10 * time.Second
	}
	return out
}

// resolver is a package-level DNS cache shared across Transports, matching
// the teacher's direct dependency on github.com/rs/dnscache to avoid
// re-resolving the realtime host on every reconnect attempt.
var resolver = &dnscache.Resolver{}

func dialerWithCache(base *websocket.Dialer) *websocket.Dialer {
	d := *base
	d.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			host, port = addr, ""
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil || len(ips) == 0 {
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		}
		target := ips[0]
		if port != "" {
			target = net.JoinHostPort(target, port)
		}
		return (&net.Dialer{}).DialContext(ctx, network, target)
	}
	return &d
}

// BuildURL constructs the realtime WebSocket URL per spec.md §6:
// wss://<host>/?v=1.2&key=<apiKey>&format=json (or access_token=, msgpack).
func BuildURL(host string, format protocol.Format, authQuery url.Values) string {
	q := url.Values{}
	for k, v := range authQuery {
		q[k] = v
	}
	q.Set("v", ProtocolVersion)
	q.Set("format", string(format))
	u := url.URL{Scheme: "wss", Host: host, Path: "/", RawQuery: q.Encode()}
	return u.String()
}

// Transport owns one websocket connection: one reader goroutine translating
// inbound bytes to Frames, one writer goroutine draining an outbound queue,
// and a keepalive ticker. Concurrent Send calls serialize through the
// writer (spec.md §5: "Transport owns the socket and the outbound queue").
type Transport struct {
	opts  Options
	codec protocol.Codec
	log   zerolog.Logger

	conn *websocket.Conn

	outbound chan outboundReq
	inbound  chan *protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}

	group  *errgroup.Group
	cancel context.CancelFunc
}

type outboundReq struct {
	frame *protocol.Frame
	done  chan error
}

// New constructs a Transport for the given options; call Open to dial.
func New(opts Options) (*Transport, error) {
	o := opts.withDefaults()
	codec, err := protocol.ForFormat(o.Format)
	if err != nil {
		return nil, err
	}
	return &Transport{
		opts:     o,
		codec:    codec,
		log:      rtlog.OrNop(o.Logger),
		outbound: make(chan outboundReq, 256),
		inbound:  make(chan *protocol.Frame, 256),
		closed:   make(chan struct{}),
	}, nil
}

// Open dials the realtime host and starts the reader/writer/keepalive tasks
// under one cancellable errgroup (spec.md §4.3's "open" operation).
func (t *Transport) Open(ctx context.Context) error {
	dialer := t.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialer = dialerWithCache(dialer)

	dialCtx, cancelDial := context.WithTimeout(ctx, t.opts.ConnectionTimeout)
	defer cancelDial()

	wsURL := BuildURL(t.opts.Host, t.opts.Format, t.opts.AuthQuery)
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return rterrors.Wrap(rterrors.KindAuth, resp.StatusCode, err)
		}
		if dialCtx.Err() != nil {
			return rterrors.Wrap(rterrors.KindNetwork, 0, fmt.Errorf("connection timeout: %w", err))
		}
		return rterrors.Wrap(rterrors.KindNetwork, 0, fmt.Errorf("handshake failed: %w", err))
	}
	t.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	t.group = g

	g.Go(func() error { return t.readLoop(gctx) })
	g.Go(func() error { return t.writeLoop(gctx) })
	g.Go(func() error { return t.keepaliveLoop(gctx) })

	return nil
}

// Send buffers/flushes frame via the writer task, rejecting a frame whose
// encoding exceeds the local MaxFrameSize option. A maximum message size
// advertised by the server in CONNECTED is not checked here.
func (t *Transport) Send(ctx context.Context, f *protocol.Frame) error {
	encoded, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	if t.opts.MaxFrameSize > 0 && len(encoded) > t.opts.MaxFrameSize {
		return rterrors.New(rterrors.KindBadRequest, 0, fmt.Sprintf("frame of %d bytes exceeds max frame size %d", len(encoded), t.opts.MaxFrameSize))
	}
	done := make(chan error, 1)
	select {
	case t.outbound <- outboundReq{frame: f, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return rterrors.New(rterrors.KindNetwork, 0, "NotConnected")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel of inbound decoded frames.
func (t *Transport) Recv() <-chan *protocol.Frame { return t.inbound }

// Closed returns a channel closed when the transport has shut down.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// Ping sends a WebSocket control ping frame (spec.md §4.3's "ping"
// operation), independent of the protocol-level HEARTBEAT action.
func (t *Transport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close initiates a graceful close (spec.md §4.3's "close" operation).
func (t *Transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
	})
	if t.conn == nil {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	return t.conn.Close()
}

func (t *Transport) readLoop(ctx context.Context) error {
	t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.log.Warn().Err(err).Msg("transport read error")
			t.Close("read error")
			return rterrors.Wrap(rterrors.KindNetwork, 0, err)
		}
		t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		frame, err := t.codec.Decode(data)
		if err != nil {
			// Malformed input on the connection is fatal to the socket but
			// recoverable by reconnect (spec.md §4.1).
			t.log.Warn().Err(err).Msg("transport decode error, closing socket")
			t.Close("decode error")
			return err
		}
		select {
		case t.inbound <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.outbound:
			encoded, err := t.codec.Encode(req.frame)
			if err != nil {
				req.done <- err
				continue
			}
			msgType := websocket.TextMessage
			if t.opts.Format == protocol.FormatMsgpack {
				msgType = websocket.BinaryMessage
			}
			err = t.conn.WriteMessage(msgType, encoded)
			req.done <- err
			if err != nil {
				t.log.Warn().Err(err).Msg("transport write error")
				t.Close("write error")
				return rterrors.Wrap(rterrors.KindNetwork, 0, err)
			}
		}
	}
}

func (t *Transport) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				t.log.Warn().Err(err).Msg("keepalive ping failed")
				t.Close("keepalive failure")
				return rterrors.Wrap(rterrors.KindNetwork, 0, err)
			}
		}
	}
}

// Wait blocks until all transport tasks have exited, returning the first
// non-nil error among them (if any).
func (t *Transport) Wait() error {
	if t.group == nil {
		return nil
	}
	return t.group.Wait()
}
