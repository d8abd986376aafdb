// Package fetch pulls proxy lists from remote sources and normalizes them
// into pool candidates. Sources are fetched concurrently and a flaky source
// never poisons the batch; whatever arrived cleanly is merged.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/internal/version"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "%s-Fetch/%s"
	MaxResponseSize  = 10 * 1024 * 1024 // generous even for the big public lists

	DefaultMaxIdleConnections = 10
	DefaultIdleConnTimeout    = 60 * time.Second
)

type Config struct {
	Sources []string
	Timeout time.Duration
}

// HTTPFetcher downloads each configured source and parses whatever comes
// back, line lists or JSON. Implements ports.ProxyFetcher.
type HTTPFetcher struct {
	sources    []string
	httpClient *http.Client
	logger     *logger.StyledLogger
}

func NewHTTPFetcher(cfg Config, log *logger.StyledLogger) (*HTTPFetcher, error) {
	if len(cfg.Sources) == 0 {
		return nil, domain.NewConfigValidationError("fetch.sources", cfg.Sources, "needs at least one source URL")
	}
	for _, src := range cfg.Sources {
		u, err := url.Parse(src)
		if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, domain.NewConfigValidationError("fetch.sources", redactSource(src), "must be an absolute http(s) URL")
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{
		sources: cfg.Sources,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    DefaultMaxIdleConnections,
				IdleConnTimeout: DefaultIdleConnTimeout,
			},
		},
		logger: log,
	}, nil
}

// Fetch downloads all sources concurrently, then dedups by proxy id with the
// earliest source winning. It fails only when every source failed.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]*domain.Proxy, error) {
	results := make([][]*domain.Proxy, len(f.sources))
	errs := make([]error, len(f.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range f.sources {
		g.Go(func() error {
			list, err := f.fetchOne(gctx, src)
			if err != nil {
				errs[i] = err
				if f.logger != nil {
					f.logger.Warn("Proxy source fetch failed", "source", redactSource(src), "error", err)
				}
				return nil
			}
			results[i] = list
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []*domain.Proxy
	failed := 0
	for i, list := range results {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, p := range list {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}

	if failed == len(f.sources) {
		return nil, fmt.Errorf("all %d proxy sources failed: %w", len(f.sources), errors.Join(errs...))
	}
	if f.logger != nil {
		f.logger.InfoWithCount("Proxy sources fetched", len(merged), "sources", len(f.sources), "failed", failed)
	}
	return merged, nil
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, source string) ([]*domain.Proxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf(DefaultUserAgent, version.Name, version.Version))
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source answered HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read source body: %w", err)
	}

	list, skipped := parseList(body)
	if f.logger != nil && skipped > 0 {
		f.logger.Warn("Proxy source had unparsable entries",
			"source", redactSource(source), "skipped", skipped, "parsed", len(list))
	}
	return list, nil
}

// redactSource strips userinfo and query from a source URL so API keys never
// reach logs or errors.
func redactSource(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return "(unparsable source)"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
