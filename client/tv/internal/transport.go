// Package internal holds the websocket transport used by the tv client.
// It deals in raw text messages only; framing and payload semantics live
// one level up.
package internal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// defaultOrigin is sent on the handshake; the data endpoint rejects
// connections without a browser-like Origin.
const defaultOrigin = "https://data.tradingview.com"

var ErrNotConnected = errors.New("transport error: not connected")

// TransportParams contains params for dialing a Transport.
type TransportParams struct {
	URL string

	// Origin overrides the handshake Origin header; only set when testing.
	Origin string

	// HandshakeTimeout bounds the dial. Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// ReadTimeout is how long a single Recv waits before giving up.
	// Heartbeats arrive every few seconds on a healthy connection, so a
	// timeout here means the connection is dead. Defaults to 30 seconds.
	ReadTimeout time.Duration
}

// Transport is a single websocket connection used for one request/stream
// cycle. It is not self-reconnecting: when the connection drops the caller
// dials a fresh Transport, which also resets all server-side session state.
//
// Recv must be called from a single goroutine. Send may be called from
// many; writes are serialized by a channel the same way reads are not.
type Transport struct {
	params TransportParams

	wsConn *websocket.Conn
	connTx chan websocketTx

	closeOnce sync.Once
	closed    chan struct{}
}

// websocketTx is a write request handed to the write loop, with a channel
// for the result.
type websocketTx struct {
	data []byte
	res  chan error
}

// Dial opens the websocket connection and starts the write loop.
func Dial(ctx context.Context, params TransportParams) (*Transport, error) {
	p := params
	if p.Origin == "" {
		p.Origin = defaultOrigin
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 10 * time.Second
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = 30 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.HandshakeTimeout}
	header := http.Header{"Origin": {p.Origin}}

	wsConn, resp, err := dialer.DialContext(ctx, p.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing %s (HTTP %s)", p.URL, resp.Status)
		}
		return nil, errors.Annotatef(err, "dialing %s", p.URL)
	}

	t := &Transport{
		params: p,
		wsConn: wsConn,
		connTx: make(chan websocketTx, 1),
		closed: make(chan struct{}),
	}
	go t.writeLoop()
	return t, nil
}

// Send writes one text message and waits until the write completes, the
// context is done, or the transport is closed.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	res := make(chan error, 1)

	select {
	case t.connTx <- websocketTx{data: data, res: res}:
	case <-t.closed:
		return errors.Trace(ErrNotConnected)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-t.closed:
		// The write loop may exit without draining connTx; the result
		// would never come.
		return errors.Trace(ErrNotConnected)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	return nil
}

// Recv reads the next text message. The read deadline is the earlier of
// the configured ReadTimeout and the context deadline.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(t.params.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.wsConn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Trace(err)
	}

	_, data, err := t.wsConn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, errors.Annotatef(err, "receiving msg")
	}
	return data, nil
}

// Close sends a normal-closure message and tears the connection down. If
// the graceful close fails, the forceful one is performed. Safe to call
// more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := t.wsConn.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second)); werr != nil {
			err = errors.Trace(t.wsConn.Close())
			return
		}
		err = errors.Trace(t.wsConn.Close())
	})
	return err
}

// writeLoop serializes writes to the websocket connection.
func (t *Transport) writeLoop() {
	for {
		select {
		case msg := <-t.connTx:
			msg.res <- errors.Trace(t.wsConn.WriteMessage(websocket.TextMessage, msg.data))
		case <-t.closed:
			return
		}
	}
}
