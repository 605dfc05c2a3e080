// Package sshgateway implements activities.SshGateway: the HTTP collaborator
// that publishes a workspace's authorized public keys to the edge SSH
// gateway so inbound `ssh` connections reach the right guest (§6, §8
// StartWorkspace/StopWorkspace).
package sshgateway

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	sharedtls "github.com/zeitwork/zeitwork/internal/shared/tls"
)

// TLSConfig names the mTLS material the client authenticates itself with
// and the CA it trusts for the gateway's own certificate.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Client is an activities.SshGateway backed by an mTLS HTTP client, following
// internal/shared/tls's NewMTLSClient idiom rather than a bare http.Client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client. A zero TLSConfig yields a client with the Go default
// trust store (used for the insecure dev-local gateway).
func New(baseURL string, tlsCfg TLSConfig) (*Client, error) {
	httpClient := http.DefaultClient
	if tlsCfg.CertFile != "" {
		cfg, err := loadTLSConfig(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("sshgateway: %w", err)
		}
		httpClient = sharedtls.NewMTLSClient(cfg)
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

func loadTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}

	pool := x509.NewCertPool()
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse ca file %s: no certificates found", cfg.CAFile)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

type addKeysRequest struct {
	Keys []string `json:"keys"`
}

// AddPublicKeysToAuthorizedKeys registers keys with the gateway so it starts
// forwarding `ssh` connections for them to the workspace's guest (§8).
func (c *Client) AddPublicKeysToAuthorizedKeys(keys []string) error {
	body, err := json.Marshal(addKeysRequest{Keys: keys})
	if err != nil {
		return fmt.Errorf("sshgateway: marshal request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/authorized-keys", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sshgateway: request authorized-keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sshgateway: authorized-keys: unexpected status %d", resp.StatusCode)
	}
	return nil
}
