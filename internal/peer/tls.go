// TLS configuration for peer links and the request listener. The recognized
// options mirror the wire spec: cafile, capath, cert, key, pass, ciphers,
// verify.

package peer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TLSConfig holds the transport TLS options for one endpoint.
type TLSConfig struct {
	CAFile  string `json:"cafile,omitempty" yaml:"cafile"`
	CAPath  string `json:"capath,omitempty" yaml:"capath"`
	Cert    string `json:"cert,omitempty" yaml:"cert"`
	Key     string `json:"key,omitempty" yaml:"key"`
	Pass    string `json:"pass,omitempty" yaml:"pass"`
	Ciphers string `json:"ciphers,omitempty" yaml:"ciphers"`
	Verify  *bool  `json:"verify,omitempty" yaml:"verify"`
}

func (c *TLSConfig) verify() bool {
	return c.Verify == nil || *c.Verify
}

func (c *TLSConfig) caPool() (*x509.CertPool, error) {
	if c.CAFile == "" && c.CAPath == "" {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
	}
	if c.CAPath != "" {
		entries, err := os.ReadDir(c.CAPath)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(c.CAPath, e.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(pem)
		}
	}
	return pool, nil
}

func (c *TLSConfig) certificate() (*tls.Certificate, error) {
	if c.Cert == "" {
		return nil, nil
	}
	key := c.Key
	if key == "" {
		key = c.Cert
	}
	cert, err := tls.LoadX509KeyPair(c.Cert, key)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (c *TLSConfig) cipherSuites() ([]uint16, error) {
	if c.Ciphers == "" {
		return nil, nil
	}
	byName := map[string]uint16{}
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}
	var ids []uint16
	for _, name := range strings.Split(c.Ciphers, ",") {
		id, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ClientConfig builds the tls.Config for an outbound peer connection.
func (c *TLSConfig) ClientConfig(serverName string) (*tls.Config, error) {
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cert, err := c.certificate()
	if err != nil {
		return nil, err
	}
	ciphers, err := c.cipherSuites()
	if err != nil {
		return nil, err
	}
	conf := &tls.Config{
		RootCAs:            pool,
		ServerName:         serverName,
		InsecureSkipVerify: !c.verify(),
		CipherSuites:       ciphers,
	}
	if cert != nil {
		conf.Certificates = []tls.Certificate{*cert}
	}
	return conf, nil
}

// ServerConfig builds the tls.Config for the request listener.
func (c *TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, err := c.certificate()
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, errors.New("listener ssl requires cert")
	}
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	ciphers, err := c.cipherSuites()
	if err != nil {
		return nil, err
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		CipherSuites: ciphers,
	}
	if pool != nil && c.verify() {
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}
