package client

import (
	"context"
	"sync"

	"market-feeder/src/helpers"
	"market-feeder/src/models"
)

// RequestDispatcher picks the upstream connection for each request from its
// ConnectionType. Types without a route go to the fallback connection.
type RequestDispatcher struct {
	mu       sync.RWMutex
	routes   map[models.ConnectionType]*Connection
	fallback *Connection
}

func NewRequestDispatcher(fallback *Connection) *RequestDispatcher {
	return &RequestDispatcher{
		routes:   make(map[models.ConnectionType]*Connection),
		fallback: fallback,
	}
}

// DialRoutes connects every entry of a routing table such as
// {"default": "host:8444", "vendor:bitget": "host:9444"}. Entries sharing an
// address share a connection.
func DialRoutes(ctx context.Context, d Dialer, table map[string]string) (*RequestDispatcher, error) {
	byAddr := make(map[string]*Connection)
	disp := NewRequestDispatcher(nil)

	for key, addr := range table {
		ct, err := models.ParseConnectionType(key)
		if err != nil {
			disp.Close()
			return nil, helpers.Wrap(err, helpers.ErrCodeConfiguration, "routing table")
		}
		conn, ok := byAddr[addr]
		if !ok {
			conn, err = d.Connect(ctx, addr)
			if err != nil {
				disp.Close()
				return nil, err
			}
			byAddr[addr] = conn
		}
		if ct.Kind == models.ConnectionDefault {
			disp.fallback = conn
		}
		disp.Route(ct, conn)
	}
	return disp, nil
}

// RouteTable turns configured routes into the table DialRoutes expects.
func RouteTable(routes []models.MRouteConfig) map[string]string {
	table := make(map[string]string, len(routes))
	for _, r := range routes {
		table[r.Connection] = r.Address
	}
	return table
}

// -----------------------------------------------------------------------------

func (d *RequestDispatcher) Route(ct models.ConnectionType, conn *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[ct] = conn
}

// ConnectionFor resolves ct, falling back to the default connection.
func (d *RequestDispatcher) ConnectionFor(ct models.ConnectionType) (*Connection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if conn, ok := d.routes[ct]; ok {
		return conn, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, helpers.New(helpers.ErrCodeVendorUnavailable, "no connection for %s", ct)
}

// -----------------------------------------------------------------------------

func (d *RequestDispatcher) SendCallback(ctx context.Context, req models.DataServerRequest) (models.DataServerResponse, error) {
	conn, err := d.ConnectionFor(req.ConnectionType())
	if err != nil {
		return models.DataServerResponse{}, err
	}
	return conn.SendCallback(ctx, req)
}

func (d *RequestDispatcher) SendOneWay(req models.DataServerRequest) error {
	conn, err := d.ConnectionFor(req.ConnectionType())
	if err != nil {
		return err
	}
	return conn.SendOneWay(req)
}

// Close closes every routed connection once.
func (d *RequestDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[*Connection]bool)
	closeOnce := func(c *Connection) {
		if c != nil && !seen[c] {
			seen[c] = true
			_ = c.Close()
		}
	}
	for _, c := range d.routes {
		closeOnce(c)
	}
	closeOnce(d.fallback)
}
