// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/docfix-cli/internal/config"
)

// Default transport settings for the few API hosts docfix talks to.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultMaxIdleConnsPerHost   = 4
	DefaultIdleConnTimeout       = 90 * time.Second
)

// NewHTTPTransport builds the transport shared by the API clients. The proxy comes from
// cfg.ProxyURL, or from the environment when that is empty.
func NewHTTPTransport(cfg config.NetworkConfig, logger *zap.Logger) (*http.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.IgnoreTLSErrors},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid network.proxy_url %q", cfg.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	if cfg.IgnoreTLSErrors {
		logger.Warn("TLS certificate verification is disabled for API calls.")
	}

	// http2.ConfigureTransport modifies the transport in place to add HTTP/2 support.
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport, nil
}

// NewClient returns an http.Client over NewHTTPTransport. A zero timeout leaves request
// deadlines to the caller's context.
func NewClient(cfg config.NetworkConfig, timeout time.Duration, logger *zap.Logger) (*http.Client, error) {
	transport, err := NewHTTPTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
