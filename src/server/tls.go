package server

import (
	"crypto/tls"
	"net"

	"market-feeder/src/helpers"
)

// LoadTLSConfig reads a PEM certificate and key. Empty paths mean plain TCP
// and return a nil config.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, helpers.Wrap(err, helpers.ErrCodeConfiguration, "load tls key pair %s", certFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// -----------------------------------------------------------------------------

// Listen opens a TCP listener, wrapped in TLS when cfg is not nil.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	if cfg != nil {
		return tls.Listen("tcp", addr, cfg)
	}
	return net.Listen("tcp", addr)
}
