package chirp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// loadTLSConfig builds a *tls.Config for both the server and client sides
// of a node's connections, following Atlas's LoadX509KeyPair-based
// configureServerTLS. If cfg.TLSClientCA is set, client certificates are
// required and verified against it (spec.md's "optional mutual TLS").
func loadTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	t := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.TLSClientCA != "" {
		pem, err := os.ReadFile(cfg.TLSClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: no certificates found")
		}
		t.ClientCAs = pool
		t.ClientAuth = tls.RequireAndVerifyClientCert
		t.RootCAs = pool // peers present certs from the same CA when dialing out
	} else {
		t.InsecureSkipVerify = true // no CA configured: identity is proven by the chirp handshake, not TLS
	}

	return t, nil
}
