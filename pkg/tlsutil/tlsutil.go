// Package tlsutil builds crypto/tls configurations from the daemon's
// security settings, for both the listening socket and outbound clients.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/pkg/security"
)

// LoadServerTLSConfig creates a tls.Config for listening sockets. Returns
// (nil, nil) when TLS is disabled so callers can fall back to plaintext.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}, nil
}

// LoadServerTLSConfigWithMTLS creates a server tls.Config with optional
// client certificate validation.
func LoadServerTLSConfigWithMTLS(cfg security.ServerTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadServerTLSConfig(cfg)
	if err != nil || tlsConfig == nil {
		return tlsConfig, err
	}

	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}

	if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
		return nil, err
	}

	return tlsConfig, nil
}

// applyMTLSConfig applies client-certificate validation to an existing
// server tls.Config.
func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg security.ServerMTLSConfig) error {
	clientCAs := x509.NewCertPool()
	for _, caFile := range mtlsCfg.ClientCAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", "applyMTLSConfig",
				fmt.Sprintf("read client CA file %s", caFile))
		}
		if !clientCAs.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "applyMTLSConfig",
				fmt.Sprintf("parse client CA certificate from %s", caFile))
		}
	}

	tlsConfig.ClientCAs = clientCAs
	if mtlsCfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, mtlsCfg.AllowedClientCNs)
		}
	}

	return nil
}

// verifyAllowedClientCN checks if the client certificate CN is whitelisted.
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leafCert := chains[0][0]
	for _, allowedCN := range allowedCNs {
		if leafCert.Subject.CommonName == allowedCN {
			return nil
		}
	}

	return fmt.Errorf("client certificate CN '%s' not in allowed list",
		leafCert.Subject.CommonName)
}

// LoadClientTLSConfig creates a tls.Config for outbound connections. The
// system CA pool is always trusted; CAFiles add further trusted CAs.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}

	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}

	tlsConfig.RootCAs = rootCAs

	// Intentional via config; operators know the security implications.
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// LoadClientTLSConfigWithMTLS creates a client tls.Config with optional
// client certificate provision.
func LoadClientTLSConfigWithMTLS(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}

	clientCert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfigWithMTLS",
			"load client certificate")
	}

	tlsConfig.Certificates = []tls.Certificate{clientCert}

	return tlsConfig, nil
}

// parseTLSVersion converts a version string to a crypto/tls constant.
// Returns tls.VersionTLS12 if empty or invalid.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
