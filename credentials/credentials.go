// Package credentials is the TLS collaborator: ALPN negotiation selecting
// exactly h2, peer verification with hostname match on the client, and a
// byte stream for the transport. TLS 1.2 is the floor.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

const alpnH2 = "h2"

var errNotH2 = errors.New("credentials: peer did not negotiate h2")

// Client carries channel-side TLS configuration.
type Client struct {
	conf               *tls.Config
	serverNameOverride string
}

// NewClientTLS builds client credentials from PEM root certificates.
// rootPEM == nil uses the system pool.
func NewClientTLS(rootPEM []byte, serverNameOverride string) (*Client, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{alpnH2},
	}
	if rootPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootPEM) {
			return nil, errors.New("credentials: no certificates parsed from root pem")
		}
		conf.RootCAs = pool
	}
	return &Client{conf: conf, serverNameOverride: serverNameOverride}, nil
}

// Handshake wraps the socket in TLS, verifying the peer against the
// authority's hostname (or the override).
func (c *Client) Handshake(nc net.Conn, authority string) (net.Conn, error) {
	conf := c.conf.Clone()
	if conf.ServerName == "" {
		name := c.serverNameOverride
		if name == "" {
			name = authority
			if host, _, err := net.SplitHostPort(authority); err == nil {
				name = host
			}
			name = strings.TrimSuffix(name, ".")
		}
		conf.ServerName = name
	}

	tc := tls.Client(nc, conf)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if tc.ConnectionState().NegotiatedProtocol != alpnH2 {
		_ = tc.Close()
		return nil, errNotH2
	}
	return tc, nil
}

// Server carries listener-side TLS configuration.
type Server struct {
	conf *tls.Config
}

// NewServerTLS builds server credentials from a PEM certificate/key pair.
func NewServerTLS(certPEM, keyPEM []byte) (*Server, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("credentials: load key pair: %w", err)
	}
	return &Server{conf: &tls.Config{
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{alpnH2},
		Certificates: []tls.Certificate{cert},
	}}, nil
}

// Handshake wraps an accepted socket and requires the client to have
// selected h2.
func (s *Server) Handshake(nc net.Conn) (net.Conn, error) {
	tc := tls.Server(nc, s.conf)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if tc.ConnectionState().NegotiatedProtocol != alpnH2 {
		_ = tc.Close()
		return nil, errNotH2
	}
	return tc, nil
}
