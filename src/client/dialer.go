package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Dialer opens connections to the streaming and registry ports. A zero
// Retry.InitialDelay dials once.
type Dialer struct {
	TLS           *tls.Config
	Retry         helpers.RetryConfig
	MaxFrameBytes int
	Logger        *logger.Logger
}

func (d Dialer) logger() *logger.Logger {
	if d.Logger == nil {
		return logger.Nop()
	}
	return d.Logger
}

// -----------------------------------------------------------------------------

func (d Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	attempt := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		var err error
		if d.TLS != nil {
			td := &tls.Dialer{Config: d.TLS}
			conn, err = td.DialContext(dialCtx, "tcp", addr)
		} else {
			var nd net.Dialer
			conn, err = nd.DialContext(dialCtx, "tcp", addr)
		}
		return err
	}

	var err error
	if d.Retry.InitialDelay <= 0 {
		err = attempt()
	} else {
		err = helpers.RetryWithBackoff(ctx, "dial "+addr, d.Retry, d.logger(), attempt)
	}
	if err != nil {
		return nil, helpers.Wrap(err, helpers.ErrCodeConnectionClosed, "dial %s", addr)
	}
	return conn, nil
}

// -----------------------------------------------------------------------------

// Connect dials a registry port.
func (d Dialer) Connect(ctx context.Context, addr string) (*Connection, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn, d.MaxFrameBytes, d.logger().With("upstream", addr)), nil
}

// Stream dials a streaming port and registers with the given flush settings.
func (d Dialer) Stream(ctx context.Context, addr string, port uint16, flush time.Duration) (*StreamClient, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	sc := NewStreamClient(conn, d.MaxFrameBytes, d.logger().With("stream", addr))
	if err := sc.Register(port, flush); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// -----------------------------------------------------------------------------

// ClientTLSConfig trusts the PEM bundle at caFile. An empty path uses the
// system roots.
func ClientTLSConfig(caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, helpers.Wrap(err, helpers.ErrCodeConfiguration, "read ca bundle %s", caFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, helpers.NewConfigurationError("no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
