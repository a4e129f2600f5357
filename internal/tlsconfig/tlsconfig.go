// Package tlsconfig builds the *tls.Config used by SSE/PSE listeners, plus a
// client-side BuildClient that SCE and PCE do not call (they build their own
// client configs): TLS 1.2 minimum, AEAD-and-forward-secrecy cipher suites
// only. Certificate/key material is supplied by the deployment; this package
// does not generate or provision certificates (out of scope per the
// specification).
package tlsconfig

import (
	"crypto/tls"
	"fmt"

	"github.com/mailstack/mailstack/internal/config"
)

// preferredCipherSuites restricts negotiation to AEAD ciphers offering
// forward secrecy (ECDHE key exchange). TLS 1.3 suites are not listed here:
// Go's tls package always uses its own fixed TLS 1.3 suite list, which is
// already AEAD-only with forward secrecy built into the handshake.
var preferredCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Build loads the configured certificate/key pair and returns a server-side
// *tls.Config enforcing the minimum version and cipher policy. Returns
// (nil, nil) if TLS is not enabled in cfg.
func Build(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: failed to load cert/key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: preferredCipherSuites,
	}, nil
}

// BuildClient returns a client-side *tls.Config. insecureSkipVerify is the
// "self-signed acceptance is a client-side opt-in flag" knob from the
// specification's TLS policy (§6); it must never default to true.
func BuildClient(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       preferredCipherSuites,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
