package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/config"
)

// ErrTransportUnavailable is returned when the gateway connection is not
// established. Sends fail fast instead of queueing.
var ErrTransportUnavailable = errors.New("channel transport unavailable")

// Transport maintains the websocket connection to the pairwise messaging
// gateway. Outbound text goes over SendText; inbound payloads are delivered
// on a single consumer queue so receivers never mutate shared state from an
// ambient callback.
type Transport struct {
	cfg config.ChannelConfig
	log *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// The connection allows one data writer at a time; sends from
	// concurrent turns serialize here. Pings use WriteControl and
	// need no coordination.
	writeMu sync.Mutex

	inbound chan string
	done    chan struct{}
	once    sync.Once
}

// NewTransport builds a transport; Connect must be called before sending.
func NewTransport(cfg config.ChannelConfig, log *zap.Logger) *Transport {
	return &Transport{
		cfg:     cfg,
		log:     log,
		inbound: make(chan string, 64),
		done:    make(chan struct{}),
	}
}

// Inbound exposes the receive queue. Consumers stop via their own context;
// the queue is never closed so a late read loop cannot panic on send.
func (t *Transport) Inbound() <-chan string {
	return t.inbound
}

// Ready reports whether a gateway connection is currently established.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the gateway with backoff and starts the ping and read
// loops. Safe to call once; reconnection re-enters dial on read failure.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.cfg.Enabled() {
		return ErrTransportUnavailable
	}

	conn, err := t.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.pingLoop(ctx, conn)
	go t.readLoop(ctx, conn)
	return nil
}

// SendText transmits one raw payload. The caller wraps it in the channel
// envelope; the transport does not interpret content.
func (t *Transport) SendText(ctx context.Context, text string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrTransportUnavailable
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Close tears the connection down and stops the loops.
func (t *Transport) Close() {
	t.once.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
	})
}

func (t *Transport) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var lastErr error
	for i := 0; i < t.cfg.DialRetries; i++ {
		conn, _, err := dialer.DialContext(ctx, t.cfg.GatewayURL, nil)
		if err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
			})
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to dial gateway after %d retries: %w", t.cfg.DialRetries, lastErr)
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			// WriteControl is safe alongside SendText's data writes;
			// WriteMessage is not.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.log.Warn("gateway ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			t.log.Warn("gateway read failed, reconnecting", zap.Error(err))
			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()

			if err := t.Connect(ctx); err != nil {
				t.log.Error("gateway reconnect failed", zap.Error(err))
			}
			return
		}

		select {
		case t.inbound <- string(payload):
		case <-t.done:
			return
		case <-ctx.Done():
			return
		default:
			// Receive queue full: drop rather than block the socket.
			t.log.Warn("inbound queue full, dropping payload")
		}
	}
}
