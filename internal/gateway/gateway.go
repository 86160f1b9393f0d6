// Package gateway maintains the connection to the external quote gateway:
// subscribe-on-connect, push-callback routing, reconnect with backoff, and
// a poll-fallback loop for symbols push has gone quiet on. The concrete
// wire client is a thin abstraction (Gateway) so the dual push+poll
// acquisition logic is testable without a live gateway process.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/model"
)

// Gateway is the abstraction boundary for the upstream quote source. The
// real client library is an external collaborator outside this module's
// scope; WSGateway below is a concrete reference transport used when one
// is not otherwise supplied.
type Gateway interface {
	// Connect establishes the transport session. Called once per
	// connect/reconnect cycle.
	Connect(ctx context.Context) error
	// Subscribe registers interest in the given symbol universe.
	Subscribe(ctx context.Context, symbols []string) error
	// Push returns the channel of incoming push rows. Each element is
	// one upstream row. The channel is closed when the transport drops.
	Push() <-chan model.RawRow
	// Poll fetches the most recent n rows for one symbol.
	Poll(ctx context.Context, symbol string, n int) ([]model.RawRow, error)
	// Close tears down the transport session.
	Close() error
}

// TransientError marks a reconnect-and-retry condition (disconnect, write
// failure, reply timeout) that is expected to clear on its own.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient upstream error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a condition retrying cannot resolve (auth/permission
// refusal). The driver still reconnects with the same capped backoff as a
// TransientError — neither kind gets special retry treatment — but callers
// classify with errors.As to log the two kinds distinctly.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent upstream error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// wireMessage is the framed push/poll payload exchanged with the reference
// WebSocket transport. Field names match what the gateway actually sends;
// Fields is handed to the mapper unchanged as a model.RawRow.
type wireMessage struct {
	Type   string           `json:"type"` // "push" | "poll_reply" | "subscribe_ack"
	Fields model.RawRow     `json:"fields,omitempty"`
	Rows   []model.RawRow   `json:"rows,omitempty"`
	Symbol string           `json:"symbol,omitempty"`
	ReqID  string           `json:"req_id,omitempty"`
}

// WSGateway is the reference transport: a single WebSocket connection to
// FUTU_HOST:FUTU_PORT, framed JSON messages, request/reply correlation by
// req_id for poll requests and an unsolicited stream of push frames.
type WSGateway struct {
	host string
	port int
	log  *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	pushCh  chan model.RawRow
	pending map[string]chan pollReply
	reqSeq  uint64
}

type pollReply struct {
	rows []model.RawRow
	err  error
}

// NewWSGateway builds a reference transport targeting host:port.
func NewWSGateway(host string, port int, log *logrus.Entry) *WSGateway {
	return &WSGateway{
		host:    host,
		port:    port,
		log:     log.WithField("component", "gateway"),
		pending: make(map[string]chan pollReply),
	}
}

func (g *WSGateway) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", g.host, g.port), Path: "/quote"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &PermanentError{Err: fmt.Errorf("dial %s: %w (status %d)", u.String(), err, resp.StatusCode)}
		}
		return &TransientError{Err: fmt.Errorf("dial %s: %w", u.String(), err)}
	}

	g.mu.Lock()
	g.conn = conn
	g.pushCh = make(chan model.RawRow, 1024)
	g.mu.Unlock()

	go g.readLoop(conn)
	return nil
}

func (g *WSGateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		if g.pushCh != nil {
			close(g.pushCh)
			g.pushCh = nil
		}
		g.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.log.WithError(err).Warn("gateway read loop ended")
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.log.WithError(err).Warn("malformed gateway frame, dropped")
			continue
		}

		switch msg.Type {
		case "push":
			g.mu.Lock()
			ch := g.pushCh
			g.mu.Unlock()
			if ch != nil && msg.Fields != nil {
				select {
				case ch <- msg.Fields:
				default:
					g.log.Warn("push channel saturated, frame dropped")
				}
			}
		case "poll_reply":
			g.mu.Lock()
			waiter, ok := g.pending[msg.ReqID]
			if ok {
				delete(g.pending, msg.ReqID)
			}
			g.mu.Unlock()
			if ok {
				waiter <- pollReply{rows: msg.Rows}
			}
		default:
			g.log.WithField("type", msg.Type).Debug("unhandled gateway frame type")
		}
	}
}

func (g *WSGateway) Subscribe(ctx context.Context, symbols []string) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return &TransientError{Err: fmt.Errorf("subscribe: not connected")}
	}

	payload := map[string]any{"type": "subscribe", "symbols": symbols}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransientError{Err: fmt.Errorf("subscribe: %w", err)}
	}
	return nil
}

func (g *WSGateway) Push() <-chan model.RawRow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushCh
}

func (g *WSGateway) Poll(ctx context.Context, symbol string, n int) ([]model.RawRow, error) {
	g.mu.Lock()
	conn := g.conn
	if conn == nil {
		g.mu.Unlock()
		return nil, &TransientError{Err: fmt.Errorf("poll: not connected")}
	}
	g.reqSeq++
	reqID := strconv.FormatUint(g.reqSeq, 36)
	wait := make(chan pollReply, 1)
	g.pending[reqID] = wait
	g.mu.Unlock()

	payload := map[string]any{"type": "poll", "symbol": symbol, "num": n, "req_id": reqID}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal poll request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		g.mu.Lock()
		delete(g.pending, reqID)
		g.mu.Unlock()
		return nil, &TransientError{Err: fmt.Errorf("poll: %w", err)}
	}

	select {
	case r := <-wait:
		return r.rows, r.err
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, reqID)
		g.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		g.mu.Lock()
		delete(g.pending, reqID)
		g.mu.Unlock()
		return nil, &TransientError{Err: fmt.Errorf("poll: timed out waiting for reply")}
	}
}

func (g *WSGateway) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
