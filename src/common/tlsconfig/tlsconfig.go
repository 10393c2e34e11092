// Package tlsconfig builds the single server tls.Config bumper's inbound
// surfaces share: the MQTT listener on 8883 and the XMPP STARTTLS upgrade
// both present the same certificate pair, loaded once at startup. The
// outbound MQTT clients (the proxy mirror and the loopback helper) build
// their own configs at their call sites because their trust decisions are
// deliberately different -- see proxyclient and bumperserver.
package tlsconfig

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
)

// Config locates the server certificate pair and sets the protocol floor.
type Config struct {
	// CertFile and KeyFile are the PEM server certificate and private key.
	// Both are required: bumper never serves a plaintext MQTT or XMPP
	// listener.
	CertFile string
	KeyFile  string

	// CAFile, when set, is appended to the served chain. Devices redirected
	// to bumper validate against a locally-minted CA, and older firmware
	// only accepts the chain if the issuing CA certificate is served along
	// with the leaf.
	CAFile string

	// MinVersion is the lowest TLS version accepted: "1.0", "1.1", "1.2" or
	// "1.3". Empty defaults to "1.2". Robots with old firmware may only
	// speak 1.0/1.1, in which case a deployment lowers this explicitly.
	MinVersion string
}

// BuildServerConfig loads the certificate pair (and CA chain, if any) and
// returns the tls.Config handed to every inbound listener.
func (c Config) BuildServerConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("tlsconfig: server certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load certificate pair: %w", err)
	}

	if c.CAFile != "" {
		caDER, err := readPEMCertificates(c.CAFile)
		if err != nil {
			return nil, err
		}
		cert.Certificate = append(cert.Certificate, caDER...)
	}

	minVersion, err := parseMinVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	// Cipher suites are left at crypto/tls defaults. Robot firmware in the
	// field predates most modern-only suites, and pinning a restricted list
	// locks those devices out of their own listener.
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion, // #nosec G402 -- floor is deployment-configured, see Config.MinVersion
	}, nil
}

// readPEMCertificates returns the DER bytes of every CERTIFICATE block in
// the PEM file at path.
func readPEMCertificates(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
	}

	var out [][]byte
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			out = append(out, block.Bytes)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("tlsconfig: no CERTIFICATE blocks in %s", path)
	}
	return out, nil
}

func parseMinVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tlsconfig: unsupported minimum TLS version %q", v)
	}
}
