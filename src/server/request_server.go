package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	datasource "market-feeder/src/data_source"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
)

// -----------------------------------------------------------------------------
// RequestServer
// -----------------------------------------------------------------------------

// RequestServer answers registry requests (8-byte frames). Requests on one
// connection are handled concurrently and answered in completion order; the
// callback id ties each response to its request.
type RequestServer struct {
	Router  *datasource.Router
	History *HistoryService
	Logger  *logger.Logger

	framer   network.Framer
	conns    map[net.Conn]struct{}
	served   atomic.Uint64
	failures atomic.Uint64
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewRequestServer(router *datasource.Router, history *HistoryService, maxFrameBytes int, log *logger.Logger) *RequestServer {
	return &RequestServer{
		Router:  router,
		History: history,
		Logger:  log,
		framer:  network.RegistryFramer(maxFrameBytes),
		conns:   make(map[net.Conn]struct{}),
	}
}

// -----------------------------------------------------------------------------

func (rs *RequestServer) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := Listen(addr, tlsCfg)
	if err != nil {
		return err
	}
	rs.Logger.Info("Registry server listening on %s (tls=%t)", ln.Addr(), tlsCfg != nil)
	return rs.Serve(ctx, ln)
}

// -----------------------------------------------------------------------------

// Serve accepts connections until ctx is cancelled, then closes them and
// waits for in-flight handlers.
func (rs *RequestServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	defer func() {
		rs.mu.Lock()
		for conn := range rs.conns {
			_ = conn.Close()
		}
		rs.mu.Unlock()
		rs.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return helpers.Wrap(err, helpers.ErrCodeReadFailed, "registry accept")
		}

		rs.mu.Lock()
		rs.conns[conn] = struct{}{}
		rs.mu.Unlock()

		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			rs.serveConn(ctx, conn)
		}()
	}
}

// -----------------------------------------------------------------------------

func (rs *RequestServer) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		rs.mu.Lock()
		delete(rs.conns, conn)
		rs.mu.Unlock()
		_ = conn.Close()
	}()

	var (
		writeMu  sync.Mutex
		handlers sync.WaitGroup
	)
	defer handlers.Wait()

	reply := func(resp models.DataServerResponse) {
		payload, err := network.EncodeResponse(resp)
		if err != nil {
			rs.Logger.Error("Encoding response %d: %v", resp.CallbackID, err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := rs.framer.WriteFrame(conn, payload); err != nil {
			rs.Logger.Warning("Reply to %s failed: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
		}
	}

	for {
		payload, err := rs.framer.ReadFrame(conn)
		if err != nil {
			if helpers.HasCode(err, helpers.ErrCodeFrameTooLarge) || helpers.HasCode(err, helpers.ErrCodeMalformedFrame) {
				rs.Logger.Warning("Closing %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		req, err := network.DecodeRequest(payload)
		if err != nil {
			rs.Logger.Warning("Undecodable request from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			reply(rs.Handle(ctx, req))
		}()
	}
}

// -----------------------------------------------------------------------------

// Handle answers one request; failures become error responses carrying the
// request's callback id.
func (rs *RequestServer) Handle(ctx context.Context, req models.DataServerRequest) models.DataServerResponse {
	resp, err := rs.handle(ctx, req)
	rs.served.Add(1)
	if err != nil {
		rs.failures.Add(1)
		rs.Logger.Debug("Request %s (%d) failed: %v", req.Kind, req.CallbackID, err)
		return models.NewErrorResponse(req.CallbackID, err)
	}
	resp.CallbackID = req.CallbackID
	resp.Kind = req.Kind
	return resp
}

func (rs *RequestServer) handle(ctx context.Context, req models.DataServerRequest) (models.DataServerResponse, error) {
	var resp models.DataServerResponse

	switch req.Kind {
	case models.RequestHeartbeat:
		return resp, nil

	case models.RequestHistoricalRange:
		if len(req.Subscriptions) == 0 {
			return resp, helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "historical request without subscriptions")
		}
		ts, err := rs.History.Range(ctx, req.Subscriptions, req.From, req.To)
		if err != nil {
			return resp, err
		}
		resp.Data = ts.Events()
		return resp, nil

	case models.RequestAccounts, models.RequestAccountInfo, models.RequestCommissionInfo, models.RequestMarginRequired:
		return rs.handleBroker(ctx, req)
	}

	vendor, err := rs.Router.Vendor(req.Vendor)
	if err != nil {
		return resp, err
	}
	if err := rs.Router.Acquire(ctx, req.Vendor); err != nil {
		return resp, err
	}

	switch req.Kind {
	case models.RequestSymbolsVendor:
		resp.Symbols, err = vendor.SymbolsVendor(ctx, req.MarketType)
	case models.RequestSymbolInfo:
		var info models.SymbolInfo
		info, err = vendor.SymbolInfo(ctx, req.SymbolName)
		resp.SymbolInfo = &info
	case models.RequestTickSize:
		resp.Value, err = vendor.TickSize(ctx, req.SymbolName)
	case models.RequestDecimalAccuracy:
		resp.DecimalAccuracy, err = vendor.DecimalAccuracy(ctx, req.SymbolName)
	case models.RequestExchangeRate:
		// From carries the quote time
		resp.Value, err = vendor.ExchangeRate(ctx, req.FromCurrency, req.ToCurrency, req.From, req.Side)
	default:
		err = helpers.NewProtocolError(helpers.ErrCodeUnexpectedMessage, "unknown request kind %q", req.Kind)
	}
	return resp, err
}

// -----------------------------------------------------------------------------

func (rs *RequestServer) handleBroker(ctx context.Context, req models.DataServerRequest) (models.DataServerResponse, error) {
	var resp models.DataServerResponse

	broker, err := rs.Router.Broker(req.Brokerage)
	if err != nil {
		return resp, err
	}

	switch req.Kind {
	case models.RequestAccounts:
		resp.Accounts, err = broker.Accounts(ctx)
	case models.RequestAccountInfo:
		var info models.AccountInfo
		info, err = broker.AccountInfo(ctx, req.AccountID)
		resp.AccountInfo = &info
	case models.RequestCommissionInfo:
		var info models.CommissionInfo
		info, err = broker.CommissionInfo(ctx, req.SymbolName)
		resp.CommissionInfo = &info
	case models.RequestMarginRequired:
		resp.Value, err = broker.MarginRequired(ctx, req.SymbolName, req.Quantity)
	}
	return resp, err
}

// -----------------------------------------------------------------------------

// Stats returns the number of requests served and how many failed.
func (rs *RequestServer) Stats() (served, failed uint64) {
	return rs.served.Load(), rs.failures.Load()
}

// Connections is the number of open registry connections.
func (rs *RequestServer) Connections() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.conns)
}
