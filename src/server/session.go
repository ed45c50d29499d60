package server

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
	"market-feeder/src/timeslice"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Session states
// -----------------------------------------------------------------------------

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionRegistered
	SessionActive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionRegistered:
		return "registered"
	case SessionActive:
		return "active"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

const writeTimeout = 10 * time.Second

// SessionInfo is a point-in-time view of a session for status endpoints.
type SessionInfo struct {
	ID            string    `json:"id"`
	Remote        string    `json:"remote"`
	State         string    `json:"state"`
	Port          uint16    `json:"port"`
	FlushInterval string    `json:"flush_interval"`
	Subscriptions []string  `json:"subscriptions"`
	FramesSent    uint64    `json:"frames_sent"`
	EventsLagged  uint64    `json:"events_lagged"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// subEvent is an event tagged with the subscription it was read from.
type subEvent struct {
	sub models.DataSubscription
	ev  models.BaseData
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session streams the subscriptions of one registered client. A reader
// goroutine handles requests, a drain goroutine pulls batches out of the
// broadcast receivers and a flush goroutine writes one TimeSlice frame per
// flush interval.
type Session struct {
	ID     string
	Logger *logger.Logger

	server      *StreamServer
	conn        net.Conn
	framer      network.Framer
	clock       clock.Clock
	register    models.RegisterStreamer
	connectedAt time.Time

	state     atomic.Int32
	receivers map[models.DataSubscription]*broadcast.Receiver
	idleSince time.Time
	mu        sync.Mutex

	batches   chan []subEvent
	drainReq  chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	framesSent atomic.Uint64
	lagged     atomic.Uint64
}

// -----------------------------------------------------------------------------

func newSession(srv *StreamServer, conn net.Conn, reg models.RegisterStreamer) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	now := srv.clock.Now()
	s := &Session{
		ID:          id,
		Logger:      srv.Logger.With("session", id),
		server:      srv,
		conn:        conn,
		framer:      srv.framer,
		clock:       srv.clock,
		register:    reg,
		connectedAt: now,
		receivers:   make(map[models.DataSubscription]*broadcast.Receiver),
		idleSince:   now,
		batches:     make(chan []subEvent, 16),
		drainReq:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.state.Store(int32(SessionRegistered))
	return s
}

// -----------------------------------------------------------------------------

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed once the session has released all its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// -----------------------------------------------------------------------------

// run blocks until the session is closed and cleaned up.
func (s *Session) run() {
	defer close(s.done)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	go func() {
		defer wg.Done()
		s.drainLoop()
	}()
	go func() {
		defer wg.Done()
		s.flushLoop()
	}()
	wg.Wait()

	s.release()
}

// -----------------------------------------------------------------------------

func (s *Session) readLoop() {
	for {
		payload, err := s.framer.ReadFrame(s.conn)
		if err != nil {
			if s.State() < SessionDraining {
				s.Logger.Info("Stream client gone: %v", err)
				s.Close()
			}
			return
		}

		req, err := network.DecodeStreamRequest(payload)
		if err != nil {
			s.Logger.Warning("Dropping stream request: %v", err)
			continue
		}

		switch req.Type {
		case models.StreamSubscribe:
			if err := s.Subscribe(*req.Subscription); err != nil {
				s.Logger.Warning("Subscribe %s failed: %v", req.Subscription, err)
			}
		case models.StreamUnsubscribe:
			s.Unsubscribe(*req.Subscription)
		case models.StreamRegister:
			s.Logger.Debug("Ignoring repeated registration")
		}
	}
}

// -----------------------------------------------------------------------------

// Subscribe attaches a receiver to sub and starts its feed. Subscribing twice
// is a no-op and so is subscribing once the session drains.
func (s *Session) Subscribe(sub models.DataSubscription) error {
	s.mu.Lock()
	if s.State() >= SessionDraining {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.receivers[sub]; ok {
		s.mu.Unlock()
		return nil
	}
	// receiver first so the first events of a fresh feed are not missed
	recv := s.server.Registry.Subscribe(sub)
	s.receivers[sub] = recv
	s.mu.Unlock()

	if err := s.server.Feeds.Subscribe(s.ctx, sub); err != nil {
		s.mu.Lock()
		if s.receivers[sub] == recv {
			delete(s.receivers, sub)
			recv.Close()
			s.markIdleLocked()
		}
		s.mu.Unlock()
		return err
	}

	s.state.CompareAndSwap(int32(SessionRegistered), int32(SessionActive))
	s.Logger.Info("Subscribed %s", sub)
	return nil
}

// -----------------------------------------------------------------------------

// Unsubscribe releases sub; unknown subscriptions are ignored.
func (s *Session) Unsubscribe(sub models.DataSubscription) {
	s.mu.Lock()
	recv, ok := s.receivers[sub]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.receivers, sub)
	recv.Close()
	s.markIdleLocked()
	s.mu.Unlock()

	s.server.Feeds.Unsubscribe(context.Background(), sub)
	s.Logger.Info("Unsubscribed %s", sub)
}

func (s *Session) markIdleLocked() {
	if len(s.receivers) == 0 {
		s.idleSince = s.clock.Now()
	}
}

// -----------------------------------------------------------------------------

// Subscriptions lists the session's subscriptions in order.
func (s *Session) Subscriptions() []models.DataSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DataSubscription, 0, len(s.receivers))
	for sub := range s.receivers {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// -----------------------------------------------------------------------------
// Drain
// -----------------------------------------------------------------------------

func (s *Session) drainLoop() {
	ticker := s.clock.Ticker(s.server.drainTick())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.drainReq:
			s.forward(s.collect())
			close(s.batches)
			return

		case <-ticker.C:
			if s.idleExpired() {
				s.Logger.Info("Closing idle session")
				s.Close()
				return
			}
			s.forward(s.collect())
		}
	}
}

// collect takes up to the batch size from every receiver.
func (s *Session) collect() []subEvent {
	limit := s.server.Config.BatchSize
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []subEvent
	for sub, recv := range s.receivers {
		for i := 0; i < limit; i++ {
			ev, ok, lagged := recv.TryRecv()
			if !ok {
				break
			}
			if lagged > 0 {
				s.lagged.Add(lagged)
				s.Logger.Warning("Receiver %s lagged by %d events", sub, lagged)
			}
			batch = append(batch, subEvent{sub: sub, ev: ev})
		}
	}
	return batch
}

func (s *Session) forward(batch []subEvent) {
	if len(batch) == 0 {
		return
	}
	select {
	case s.batches <- batch:
	case <-s.ctx.Done():
	}
}

func (s *Session) idleExpired() bool {
	idle := time.Duration(s.server.Config.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers) == 0 && s.clock.Since(s.idleSince) >= idle
}

// -----------------------------------------------------------------------------
// Flush
// -----------------------------------------------------------------------------

func (s *Session) flushLoop() {
	interval := s.register.FlushInterval()
	if interval <= 0 {
		interval = s.server.drainTick()
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	pending := newPendingFlush()
	for {
		select {
		case <-s.ctx.Done():
			return

		case batch, ok := <-s.batches:
			if !ok {
				// draining: last batch is in, write it and go
				if err := s.flush(pending); err != nil {
					s.Logger.Warning("Final flush failed: %v", err)
				}
				s.Close()
				return
			}
			pending.add(batch)

		case <-ticker.C:
			if err := s.flush(pending); err != nil {
				s.Logger.Warning("Stream write failed: %v", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) flush(p *pendingFlush) error {
	if p.empty() {
		return nil
	}
	payload, err := network.EncodeTimeSlice(p.take())
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.framer.WriteFrame(s.conn, payload); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

// -----------------------------------------------------------------------------

// pendingFlush accumulates one flush window. Only the newest in-progress bar
// of a subscription is kept; a closed bar replaces it.
type pendingFlush struct {
	events []models.BaseData
	open   map[models.DataSubscription]int
}

func newPendingFlush() *pendingFlush {
	return &pendingFlush{open: make(map[models.DataSubscription]int)}
}

func (p *pendingFlush) add(batch []subEvent) {
	for _, se := range batch {
		i, hasOpen := p.open[se.sub]
		switch {
		case !se.ev.IsClosed() && hasOpen:
			p.events[i] = se.ev
		case !se.ev.IsClosed():
			p.open[se.sub] = len(p.events)
			p.events = append(p.events, se.ev)
		case hasOpen:
			// the pending update can only be an earlier view of this bar;
			// tick and range bars move their time with every update
			p.events[i] = se.ev
			delete(p.open, se.sub)
		default:
			p.events = append(p.events, se.ev)
		}
	}
}

func (p *pendingFlush) empty() bool {
	return len(p.events) == 0
}

func (p *pendingFlush) take() *timeslice.TimeSlice {
	ts := timeslice.FromEvents(p.events)
	p.events = nil
	clear(p.open)
	return ts
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Shutdown moves the session to Draining: pending events are flushed once
// more and the connection is closed.
func (s *Session) Shutdown() {
	s.drainOnce.Do(func() {
		s.mu.Lock()
		if s.State() < SessionDraining {
			s.state.Store(int32(SessionDraining))
		}
		s.mu.Unlock()
		close(s.drainReq)
	})
}

// Close stops the session immediately.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosed))
		s.cancel()
		_ = s.conn.Close()
	})
}

// release runs once every loop has exited.
func (s *Session) release() {
	s.mu.Lock()
	subs := make([]models.DataSubscription, 0, len(s.receivers))
	for sub, recv := range s.receivers {
		recv.Close()
		subs = append(subs, sub)
	}
	s.receivers = make(map[models.DataSubscription]*broadcast.Receiver)
	s.mu.Unlock()

	for _, sub := range subs {
		s.server.Feeds.Unsubscribe(context.Background(), sub)
	}
	s.Logger.Info("Session closed after %d frames", s.framesSent.Load())
}

// -----------------------------------------------------------------------------

func (s *Session) Info() SessionInfo {
	subs := s.Subscriptions()
	names := make([]string, len(subs))
	for i, sub := range subs {
		names[i] = sub.String()
	}
	return SessionInfo{
		ID:            s.ID,
		Remote:        s.conn.RemoteAddr().String(),
		State:         s.State().String(),
		Port:          s.register.Port,
		FlushInterval: s.register.FlushInterval().String(),
		Subscriptions: names,
		FramesSent:    s.framesSent.Load(),
		EventsLagged:  s.lagged.Load(),
		ConnectedAt:   s.connectedAt,
	}
}
