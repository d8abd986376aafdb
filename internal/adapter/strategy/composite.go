package strategy

import (
	"context"
	"strings"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// Filter is a pure predicate over one candidate. Filters never mutate the
// view or the context.
type Filter struct {
	Name string
	Keep func(*domain.ProxyView, *domain.SelectionContext) bool
}

// Composite runs an ordered filter pipeline left-to-right and hands the
// survivors to a selector primitive. An empty survivor set at any stage
// short-circuits to no-proxy.
type Composite struct {
	filters  []Filter
	selector domain.ProxyStrategy
}

func NewComposite(filters []Filter, selector domain.ProxyStrategy) *Composite {
	return &Composite{
		filters:  filters,
		selector: selector,
	}
}

func (c *Composite) Name() string {
	return StrategyComposite
}

// Selector exposes the inner primitive for introspection.
func (c *Composite) Selector() domain.ProxyStrategy {
	return c.selector
}

func (c *Composite) Filters() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name
	}
	return names
}

func (c *Composite) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	remaining := proxies
	for _, f := range c.filters {
		kept := make([]*domain.ProxyView, 0, len(remaining))
		for _, v := range remaining {
			if f.Keep(v, sel) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			return nil, domain.ErrNoProxyAvailable
		}
		remaining = kept
	}
	return c.selector.Select(ctx, remaining, sel)
}

// CountryFilter keeps proxies whose country code matches any of the given
// ISO codes.
func CountryFilter(codes ...string) Filter {
	return Filter{
		Name: "country",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			for _, code := range codes {
				if strings.EqualFold(v.CountryCode, code) {
					return true
				}
			}
			return false
		},
	}
}

func RegionFilter(regions ...string) Filter {
	return Filter{
		Name: "region",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			for _, region := range regions {
				if strings.EqualFold(v.Region, region) {
					return true
				}
			}
			return false
		},
	}
}

// TagFilter keeps proxies carrying all of the given tags.
func TagFilter(tags ...string) Filter {
	return Filter{
		Name: "tags",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			return v.HasAllTags(tags)
		},
	}
}

func SchemeFilter(schemes ...domain.ProxyScheme) Filter {
	return Filter{
		Name: "scheme",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			for _, s := range schemes {
				if v.Scheme == s {
					return true
				}
			}
			return false
		},
	}
}

// MinSuccessRateFilter keeps proxies at or above the rate. Proxies with no
// completions pass so new pool members are not filtered out before they get
// a chance.
func MinSuccessRateFilter(rate float64) Filter {
	return Filter{
		Name: "min_success_rate",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			if v.RequestsCompleted == 0 {
				return true
			}
			return v.SuccessRate() >= rate
		},
	}
}

// HealthFilter keeps proxies whose derived health is one of the allowed
// states.
func HealthFilter(allowed ...domain.ProxyHealth) Filter {
	return Filter{
		Name: "health",
		Keep: func(v *domain.ProxyView, _ *domain.SelectionContext) bool {
			for _, h := range allowed {
				if v.Health == h {
					return true
				}
			}
			return false
		},
	}
}
