package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/net/proxy"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

type cachedTransport struct {
	transport *http.Transport
	lastUsed  atomic.Int64
}

// transportCache keeps one transport per proxy so keep-alive connections
// are reused across attempts. The cache is bounded; the least recently
// used transport is closed and dropped when a new proxy would overflow it.
type transportCache struct {
	entries *xsync.Map[string, *cachedTransport]
	cfg     Config
	max     int
}

func newTransportCache(cfg Config) *transportCache {
	return &transportCache{
		entries: xsync.NewMap[string, *cachedTransport](),
		cfg:     cfg,
		max:     cfg.MaxCachedTransports,
	}
}

func (c *transportCache) get(p *domain.Proxy) (*http.Transport, error) {
	if e, ok := c.entries.Load(p.ID); ok {
		e.lastUsed.Store(time.Now().UnixNano())
		return e.transport, nil
	}

	tr, err := buildTransport(p, c.cfg)
	if err != nil {
		return nil, err
	}

	if c.max > 0 && c.entries.Size() >= c.max {
		c.evictIdlest()
	}

	e, _ := c.entries.LoadOrCompute(p.ID, func() (*cachedTransport, bool) {
		ct := &cachedTransport{transport: tr}
		ct.lastUsed.Store(time.Now().UnixNano())
		return ct, false
	})
	e.lastUsed.Store(time.Now().UnixNano())
	return e.transport, nil
}

func (c *transportCache) evictIdlest() {
	var (
		oldestKey string
		oldestAt  int64
		found     bool
	)
	c.entries.Range(func(key string, e *cachedTransport) bool {
		at := e.lastUsed.Load()
		if !found || at < oldestAt {
			oldestKey, oldestAt, found = key, at, true
		}
		return true
	})
	if found {
		c.remove(oldestKey)
	}
}

func (c *transportCache) remove(proxyID string) {
	if e, ok := c.entries.LoadAndDelete(proxyID); ok {
		e.transport.CloseIdleConnections()
	}
}

func (c *transportCache) closeAll() {
	c.entries.Range(func(key string, e *cachedTransport) bool {
		c.entries.Delete(key)
		e.transport.CloseIdleConnections()
		return true
	})
}

func (c *transportCache) size() int {
	return c.entries.Size()
}

// buildTransport wires one proxy endpoint into an http.Transport. HTTP
// proxies go through Transport.Proxy so the standard library injects
// Proxy-Authorization from the URL's userinfo; SOCKS proxies replace the
// dial function instead, and the target URL never carries credentials.
func buildTransport(p *domain.Proxy, cfg Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerProxy,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit config opt-in
	}

	switch p.Scheme {
	case domain.SchemeHTTP, domain.SchemeHTTPS:
		tr.Proxy = http.ProxyURL(p.URL())
		// Surface the CONNECT status before net/http flattens it into a
		// reason-phrase string, so tunnel refusals classify precisely.
		tr.OnProxyConnectResponse = func(_ context.Context, _ *url.URL, _ *http.Request, res *http.Response) error {
			if res.StatusCode >= 400 {
				return &proxyConnectError{StatusCode: res.StatusCode}
			}
			return nil
		}

	case domain.SchemeSOCKS5:
		var auth *proxy.Auth
		if p.HasCredentials() {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", p.Address(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer for proxy %s: %w", p.ID, err)
		}
		tr.DialContext = dialContextFrom(socksDialer)

	case domain.SchemeSOCKS4:
		tr.DialContext = (&socks4Dialer{
			proxyAddr: p.Address(),
			userID:    p.Username,
			timeout:   cfg.ConnectTimeout,
			keepAlive: cfg.KeepAlive,
		}).DialContext

	default:
		return nil, domain.NewConfigValidationError("scheme", string(p.Scheme), "must be one of http, https, socks4, socks5")
	}

	return tr, nil
}

func dialContextFrom(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		default:
			return conn, nil
		}
	}
}
