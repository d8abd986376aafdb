package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// GeoTargeted restricts the snapshot to proxies matching the request's
// country or region, then delegates to the inner selector. With widen set,
// an empty geo match falls back to the full snapshot instead of failing.
type GeoTargeted struct {
	inner domain.ProxyStrategy
	widen bool
}

func NewGeoTargeted(inner domain.ProxyStrategy, widen bool) *GeoTargeted {
	return &GeoTargeted{
		inner: inner,
		widen: widen,
	}
}

func (g *GeoTargeted) Name() string {
	return StrategyGeoTargeted
}

func (g *GeoTargeted) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	if sel == nil || (sel.TargetCountry == "" && sel.TargetRegion == "") {
		return g.inner.Select(ctx, proxies, sel)
	}

	matched := make([]*domain.ProxyView, 0, len(proxies))
	for _, v := range proxies {
		if geoMatch(v, sel) {
			matched = append(matched, v)
		}
	}

	picked, err := g.inner.Select(ctx, matched, sel)
	if err == nil {
		return picked, nil
	}
	if g.widen && errors.Is(err, domain.ErrNoProxyAvailable) {
		return g.inner.Select(ctx, proxies, sel)
	}
	return nil, err
}

func geoMatch(v *domain.ProxyView, sel *domain.SelectionContext) bool {
	if sel.TargetCountry != "" && strings.EqualFold(v.CountryCode, sel.TargetCountry) {
		return true
	}
	if sel.TargetRegion != "" && strings.EqualFold(v.Region, sel.TargetRegion) {
		return true
	}
	return false
}
