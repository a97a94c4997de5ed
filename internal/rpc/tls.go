// ABOUTME: Transport credentials with pinned-root validation for the Control channel.
// ABOUTME: A pin failure is fatal to the connection attempt, never downgraded.

package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// ClientCredentials builds TLS credentials that validate the gateway's
// certificate chain against the pinned root bundle at rootCAFile. serverName
// overrides SNI/hostname verification when the dial address differs from the
// certificate subject (empty means use the dial target).
func ClientCredentials(rootCAFile, serverName string) (credentials.TransportCredentials, error) {
	pem, err := os.ReadFile(rootCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading pinned root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", rootCAFile)
	}
	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	return credentials.NewTLS(cfg), nil
}

// ServerCredentials loads the gateway's certificate and key.
func ServerCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(cfg), nil
}
