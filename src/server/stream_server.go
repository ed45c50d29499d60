package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"

	"github.com/benbjohnson/clock"
)

// FeedSource starts and stops the feeds behind broadcast channels.
type FeedSource interface {
	Subscribe(ctx context.Context, sub models.DataSubscription) error
	Unsubscribe(ctx context.Context, sub models.DataSubscription)
}

// -----------------------------------------------------------------------------
// StreamServer
// -----------------------------------------------------------------------------

// StreamServer accepts streaming connections (4-byte frames) and runs one
// Session per registered client.
type StreamServer struct {
	Config   models.MStreamConfig
	Registry *broadcast.Registry
	Feeds    FeedSource
	Logger   *logger.Logger

	clock    clock.Clock
	framer   network.Framer
	sessions map[string]*Session
	pending  map[net.Conn]struct{}
	closing  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewStreamServer(cfg models.MStreamConfig, registry *broadcast.Registry, feeds FeedSource, clk clock.Clock, log *logger.Logger) *StreamServer {
	if clk == nil {
		clk = clock.New()
	}
	return &StreamServer{
		Config:   cfg,
		Registry: registry,
		Feeds:    feeds,
		Logger:   log,
		clock:    clk,
		framer:   network.StreamFramer(cfg.MaxFrameBytes),
		sessions: make(map[string]*Session),
		pending:  make(map[net.Conn]struct{}),
	}
}

// -----------------------------------------------------------------------------

func (srv *StreamServer) drainTick() time.Duration {
	if srv.Config.DrainTickMs <= 0 {
		return 5 * time.Millisecond
	}
	return time.Duration(srv.Config.DrainTickMs) * time.Millisecond
}

func (srv *StreamServer) registrationTimeout() time.Duration {
	if srv.Config.RegistrationTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(srv.Config.RegistrationTimeoutSeconds) * time.Second
}

func (srv *StreamServer) shutdownGrace() time.Duration {
	if srv.Config.ShutdownGraceSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(srv.Config.ShutdownGraceSeconds) * time.Second
}

// -----------------------------------------------------------------------------

// ListenAndServe listens on addr, with TLS when tlsCfg is set.
func (srv *StreamServer) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := Listen(addr, tlsCfg)
	if err != nil {
		return err
	}
	srv.Logger.Info("Stream server listening on %s (tls=%t)", ln.Addr(), tlsCfg != nil)
	return srv.Serve(ctx, ln)
}

// -----------------------------------------------------------------------------

// Serve accepts connections until ctx is cancelled, then drains every session
// within the shutdown grace period.
func (srv *StreamServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				srv.Shutdown()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				srv.Shutdown()
				return nil
			}
			return helpers.Wrap(err, helpers.ErrCodeReadFailed, "stream accept")
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConn(conn)
		}()
	}
}

// -----------------------------------------------------------------------------

func (srv *StreamServer) handleConn(conn net.Conn) {
	if !srv.trackPending(conn) {
		_ = conn.Close()
		return
	}

	reg, err := srv.awaitRegistration(conn)
	srv.untrackPending(conn)
	if err != nil {
		srv.Logger.Info("Rejected stream connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	sess := newSession(srv, conn, reg)
	if !srv.add(sess) {
		_ = conn.Close()
		return
	}
	defer srv.remove(sess.ID)

	sess.Logger.Info("Stream client %s registered (port %d, flush %v)", conn.RemoteAddr(), reg.Port, reg.FlushInterval())
	sess.run()
}

// awaitRegistration reads the first frame, which must be a registration sent
// within the registration timeout.
func (srv *StreamServer) awaitRegistration(conn net.Conn) (models.RegisterStreamer, error) {
	_ = conn.SetReadDeadline(time.Now().Add(srv.registrationTimeout()))
	defer conn.SetReadDeadline(time.Time{})

	payload, err := srv.framer.ReadFrame(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return models.RegisterStreamer{}, helpers.NewProtocolError(helpers.ErrCodeRegistrationTimeout, "no registration within %v", srv.registrationTimeout())
		}
		return models.RegisterStreamer{}, err
	}

	req, err := network.DecodeStreamRequest(payload)
	if err != nil {
		return models.RegisterStreamer{}, err
	}
	if req.Type != models.StreamRegister {
		return models.RegisterStreamer{}, helpers.NewProtocolError(helpers.ErrCodeUnexpectedMessage, "first frame was %s, not registration", req.Type)
	}
	return *req.Register, nil
}

// -----------------------------------------------------------------------------
// Session table
// -----------------------------------------------------------------------------

func (srv *StreamServer) trackPending(conn net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closing {
		return false
	}
	srv.pending[conn] = struct{}{}
	return true
}

func (srv *StreamServer) untrackPending(conn net.Conn) {
	srv.mu.Lock()
	delete(srv.pending, conn)
	srv.mu.Unlock()
}

func (srv *StreamServer) add(s *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closing {
		return false
	}
	srv.sessions[s.ID] = s
	return true
}

func (srv *StreamServer) remove(id string) {
	srv.mu.Lock()
	delete(srv.sessions, id)
	srv.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Session looks up a live session by id.
func (srv *StreamServer) Session(id string) (*Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[id]
	return s, ok
}

// Sessions describes every live session, oldest first.
func (srv *StreamServer) Sessions() []SessionInfo {
	srv.mu.Lock()
	list := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		list = append(list, s)
	}
	srv.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (srv *StreamServer) Len() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// -----------------------------------------------------------------------------

// Shutdown drains every session and waits up to the grace period before
// closing whatever is left.
func (srv *StreamServer) Shutdown() {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		srv.wg.Wait()
		return
	}
	srv.closing = true
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	for conn := range srv.pending {
		_ = conn.Close()
	}
	srv.mu.Unlock()

	srv.Logger.Info("Draining %d stream sessions", len(sessions))
	for _, s := range sessions {
		s.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	timer := srv.clock.Timer(srv.shutdownGrace())
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		srv.Logger.Warning("Grace period over, closing remaining sessions")
		for _, s := range sessions {
			s.Close()
		}
		<-done
	}
}
