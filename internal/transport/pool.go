// Package transport keeps pooled upstream HTTP clients keyed by origin,
// proxy and protocol preference.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol is the HTTP version preference of an upstream.
type Protocol string

const (
	ProtocolAuto  Protocol = "auto"
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
)

// ParseProtocol maps a config value onto a Protocol; unknown values are auto.
func ParseProtocol(s string) Protocol {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolHTTP1:
		return ProtocolHTTP1
	case ProtocolHTTP2:
		return ProtocolHTTP2
	}
	return ProtocolAuto
}

// Key identifies one pooled transport.
type Key struct {
	Origin   string
	Proxy    string
	Protocol Protocol
}

func (k Key) String() string {
	if k.Proxy == "" {
		return k.Origin + "|" + string(k.Protocol)
	}
	return k.Origin + "|" + k.Proxy + "|" + string(k.Protocol)
}

// Handle is a cached client for one Key.
type Handle struct {
	Key    Key
	Client *http.Client

	transport *http.Transport
	unhealthy atomic.Bool
}

// Healthy reports whether the handle may still be reused.
func (h *Handle) Healthy() bool { return !h.unhealthy.Load() }

// Config tunes the transports created by a Pool.
type Config struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 32,
	}
}

// Pool caches one Handle per Key. Handles marked unhealthy are replaced on
// the next Acquire.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	handles map[Key]*Handle
	created atomic.Int64
}

// NewPool returns an empty pool.
func NewPool(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	return &Pool{cfg: cfg, handles: make(map[Key]*Handle)}
}

// Acquire returns the cached handle for the origin of rawURL, creating it
// when missing or unhealthy.
func (p *Pool) Acquire(ctx context.Context, rawURL, proxyURL string, proto Protocol) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	origin, err := Origin(rawURL)
	if err != nil {
		return nil, err
	}
	key := Key{Origin: origin, Proxy: strings.TrimSpace(proxyURL), Protocol: proto}
	if key.Protocol == "" {
		key.Protocol = ProtocolAuto
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[key]; ok && h.Healthy() {
		return h, nil
	}
	if old, ok := p.handles[key]; ok {
		old.transport.CloseIdleConnections()
	}

	h, err := p.build(key)
	if err != nil {
		return nil, err
	}
	p.handles[key] = h
	p.created.Add(1)
	return h, nil
}

func (p *Pool) build(key Key) (*Handle, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   p.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       p.cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   p.cfg.MaxIdleConnsPerHost,
		ExpectContinueTimeout: time.Second,
	}

	if key.Proxy != "" {
		pu, err := url.Parse(key.Proxy)
		if err != nil {
			return nil, fmt.Errorf("transport: parse proxy: %w", err)
		}
		switch pu.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("transport: unsupported proxy scheme %q", pu.Scheme)
		}
		tr.Proxy = http.ProxyURL(pu)
	}

	switch key.Protocol {
	case ProtocolHTTP1:
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	default:
		tr.ForceAttemptHTTP2 = true
	}

	return &Handle{
		Key:       key,
		Client:    &http.Client{Transport: tr},
		transport: tr,
	}, nil
}

// MarkUnhealthy forces the next Acquire for h's key to build a fresh
// transport.
func (p *Pool) MarkUnhealthy(h *Handle) {
	if h == nil {
		return
	}
	h.unhealthy.Store(true)
}

// Len returns the number of cached handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Created returns how many transports were built over the pool lifetime.
func (p *Pool) Created() int64 { return p.created.Load() }

// Close drops idle connections of every handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, h := range p.handles {
		h.transport.CloseIdleConnections()
		delete(p.handles, k)
	}
}

// Origin returns scheme://host[:port] of rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("transport: url %q has no origin", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
