// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io/ioutil"
	"os"
	"strings"
)

// TLSOptions describe a TLS connection to a broker. The CA certificate,
// client certificate and client key each accept either a file path or inline
// PEM content, since gateway provisioning delivers both forms.
type TLSOptions struct {
	CACert         string
	ClientCert     string
	ClientKey      string
	VerifyHostname bool
	Insecure       bool
}

// Default CA bundle locations on the gateway
var defaultCABundles = []string{
	"/var/config/ca-cert-links/ca-certificates.crt",
	"/etc/ssl/certs/ca-certificates.crt",
}

// NewTLSConfig builds a *tls.Config from TLSOptions.
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: opts.Insecure || !opts.VerifyHostname,
	}

	caPEM, err := loadPEM(opts.CACert)
	if err != nil {
		return nil, err
	}
	if caPEM == nil {
		for _, bundle := range defaultCABundles {
			if caPEM, err = loadPEM(bundle); err == nil && caPEM != nil {
				break
			}
		}
	}
	if caPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("mqtt: could not parse CA certificate")
		}
		config.RootCAs = pool
	}

	certPEM, err := loadPEM(opts.ClientCert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := loadPEM(opts.ClientKey)
	if err != nil {
		return nil, err
	}
	if certPEM != nil && keyPEM != nil {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// loadPEM resolves a value that is either a file path or PEM content.
func loadPEM(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.Contains(value, "-----BEGIN") {
		return []byte(value), nil
	}
	if _, err := os.Stat(value); err != nil {
		return nil, err
	}
	return ioutil.ReadFile(value)
}
