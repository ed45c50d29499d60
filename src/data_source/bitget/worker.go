package bitget

import (
	"context"
	"net/http"
	"sync"
	"time"

	"market-feeder/src/logger"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ConnState is the ticker connection's lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateBackoffWait  ConnState = "backoff_wait"
	StateReconnecting ConnState = "reconnecting"
	StateConnected    ConnState = "connected"
)

// -----------------------------------------------------------------------------

// wsWorker keeps one public websocket connection alive and re-subscribes the
// wanted instruments after every reconnect.
type wsWorker struct {
	url       string
	userAgent string
	policy    utils.RetryPolicy
	pacer     *rate.Limiter
	clock     clock.Clock
	onMessage func(msg []byte)
	Logger    *logger.Logger

	ReadTimeout  time.Duration
	PingInterval time.Duration

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ConnState
	wanted  map[string]bool
	writeMu sync.Mutex
}

// -----------------------------------------------------------------------------

func newWSWorker(url, userAgent string, policy utils.RetryPolicy, clk clock.Clock, onMessage func([]byte), log *logger.Logger) *wsWorker {
	return &wsWorker{
		url:       url,
		userAgent: userAgent,
		policy:    policy,
		// Bitget accepts 10 messages per second per connection
		pacer:        rate.NewLimiter(rate.Limit(10), 10),
		clock:        clk,
		onMessage:    onMessage,
		Logger:       log,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		state:        StateDisconnected,
		wanted:       make(map[string]bool),
	}
}

// -----------------------------------------------------------------------------

func (w *wsWorker) State() ConnState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *wsWorker) setState(s ConnState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// -----------------------------------------------------------------------------

// run is the Disconnected -> BackoffWait -> Reconnecting -> Connected loop.
func (w *wsWorker) run(ctx context.Context) error {
	defer w.close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateReconnecting)
		if err := w.connect(ctx); err != nil {
			now := w.clock.Now()
			next := w.policy.NextRetryTime(now)
			w.Logger.Warning("WS connection failed: %v. Retrying at %s", err, next.Format(time.RFC3339))
			w.setState(StateBackoffWait)

			timer := w.clock.Timer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
				continue
			}
		}

		w.policy.Reset()
		w.setState(StateConnected)
		w.process(ctx)
		w.setState(StateDisconnected)
	}
}

// -----------------------------------------------------------------------------

func (w *wsWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	if w.userAgent != "" {
		header.Set("User-Agent", w.userAgent)
	}

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	ids := make([]string, 0, len(w.wanted))
	for id := range w.wanted {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	if len(ids) > 0 {
		if err := w.send(ctx, "subscribe", ids); err != nil {
			w.close()
			return err
		}
	}

	if w.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}
	w.Logger.Info("WS connected to %s (%d instruments)", w.url, len(ids))
	return nil
}

// -----------------------------------------------------------------------------

func (w *wsWorker) process(ctx context.Context) {
	stop := context.AfterFunc(ctx, w.close)
	defer stop()

	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		_ = c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.Logger.Warning("WS read error: %v", err)
			}
			w.close()
			return
		}
		if string(msg) == "pong" {
			continue
		}
		w.onMessage(msg)
	}
}

// -----------------------------------------------------------------------------

func (w *wsWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := w.clock.Ticker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.write([]byte("ping")); err != nil {
				w.close()
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

// Subscribe records instId and subscribes now when connected.
func (w *wsWorker) Subscribe(ctx context.Context, instId string) error {
	w.mu.Lock()
	w.wanted[instId] = true
	connected := w.conn != nil
	w.mu.Unlock()

	if !connected {
		return nil
	}
	return w.send(ctx, "subscribe", []string{instId})
}

// -----------------------------------------------------------------------------

func (w *wsWorker) Unsubscribe(ctx context.Context, instId string) error {
	w.mu.Lock()
	delete(w.wanted, instId)
	connected := w.conn != nil
	w.mu.Unlock()

	if !connected {
		return nil
	}
	return w.send(ctx, "unsubscribe", []string{instId})
}

// -----------------------------------------------------------------------------

// forget drops instId without telling the server.
func (w *wsWorker) forget(instId string) {
	w.mu.Lock()
	delete(w.wanted, instId)
	w.mu.Unlock()
}

// -----------------------------------------------------------------------------

func (w *wsWorker) send(ctx context.Context, op string, ids []string) error {
	args := make([]subscribeArg, 0, len(ids))
	for _, id := range ids {
		args = append(args, subscribeArg{InstType: instType, Channel: channel, InstId: id})
	}
	b, err := json.Marshal(subscribeRequest{Op: op, Args: args})
	if err != nil {
		return err
	}
	if err := w.pacer.Wait(ctx); err != nil {
		return err
	}
	return w.write(b)
}

// -----------------------------------------------------------------------------

func (w *wsWorker) write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return websocket.ErrCloseSent
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// -----------------------------------------------------------------------------

func (w *wsWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
