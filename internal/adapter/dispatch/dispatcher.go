// Package dispatch executes exactly one HTTP attempt through one upstream
// proxy: transport lookup, request build, response read, and normalization
// of every failure into the closed error-kind taxonomy. Retrying, breaker
// updates and stats belong to the executor above; the dispatcher never
// retries and never decides whether a status is a success.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/pkg/bufpool"
)

var errBodyTooLarge = errors.New("response body exceeds configured cap")

type Dispatcher struct {
	cfg    Config
	cache  *transportCache
	bufs   *bufpool.Pool
	logger *logger.StyledLogger
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

func New(cfg Config, log *logger.StyledLogger) (*Dispatcher, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:    cfg,
		cache:  newTransportCache(cfg),
		bufs:   bufpool.New(DefaultBufferSize, int(cfg.MaxBodyBytes)),
		logger: log,
	}, nil
}

// Dispatch runs one attempt. A *domain.Response comes back for any HTTP
// status the target (or proxy) produced; a *domain.DispatchFailure comes
// back when no usable response exists. Errors never carry the proxy's
// credentials.
func (d *Dispatcher) Dispatch(ctx context.Context, req *domain.Request, p *domain.Proxy) (*domain.Response, error) {
	started := time.Now()

	tr, err := d.cache.get(p)
	if err != nil {
		// A proxy whose transport cannot be built is a broken proxy;
		// attributing it lets the breaker quarantine the entry.
		return nil, domain.NewDispatchFailure(p.ID, domain.ErrKindConnect, 0, err)
	}

	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}

	httpReq, err := d.buildRequest(ctx, req)
	if err != nil {
		return nil, domain.NewDispatchFailure(p.ID, domain.ErrKindProtocol, time.Since(started), err)
	}

	client := &http.Client{Transport: tr}
	if !req.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		latency := time.Since(started)
		return nil, domain.NewDispatchFailure(p.ID, classifyErr(err), latency, scrubCredentials(err, p))
	}
	defer resp.Body.Close()

	body, err := d.readBody(resp.Body)
	if err != nil {
		latency := time.Since(started)
		kind := classifyErr(err)
		if errors.Is(err, errBodyTooLarge) {
			kind = domain.ErrKindProtocol
		}
		return nil, domain.NewDispatchFailure(p.ID, kind, latency, scrubCredentials(err, p))
	}

	latency := time.Since(started)
	if d.logger != nil {
		d.logger.Debug("Attempt completed",
			"proxy_id", p.ID,
			"method", req.Method,
			"target", httpReq.URL.Host,
			"status", resp.StatusCode,
			"elapsed_ms", latency.Milliseconds())
	}

	return &domain.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		ElapsedMs:  latency.Milliseconds(),
		ProxyID:    p.ID,
	}, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, req *domain.Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	// Caller headers forwarded verbatim, multi-value included.
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if d.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	return httpReq, nil
}

func (d *Dispatcher) readBody(r io.Reader) ([]byte, error) {
	buf := d.bufs.Get()
	defer d.bufs.Put(buf)

	if limit := d.cfg.MaxBodyBytes; limit > 0 {
		n, err := io.Copy(buf, io.LimitReader(r, limit+1))
		if err != nil {
			return nil, err
		}
		if n > limit {
			return nil, errBodyTooLarge
		}
	} else if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}

	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return body, nil
}

// RemoveProxy drops the cached transport for a proxy that left the pool and
// closes its idle connections.
func (d *Dispatcher) RemoveProxy(proxyID string) {
	d.cache.remove(proxyID)
}

// CachedTransports reports how many per-proxy transports are currently held.
func (d *Dispatcher) CachedTransports() int {
	return d.cache.size()
}

// Close releases every pooled connection.
func (d *Dispatcher) Close() {
	d.cache.closeAll()
}

// scrubCredentials replaces any occurrence of the proxy password in an
// error's text. Transport errors only name hosts in practice, so the typed
// chain survives unless a leak is actually found.
func scrubCredentials(err error, p *domain.Proxy) error {
	if err == nil || p.Password == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, p.Password) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, p.Password, "***"))
}
