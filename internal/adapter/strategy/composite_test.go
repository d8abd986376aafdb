package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func TestComposite_Select_FiltersThenSelects(t *testing.T) {
	dc1 := testView("dc1")
	dc1.Tags = []string{"datacenter"}
	dc2 := testView("dc2")
	dc2.Tags = []string{"datacenter"}
	res := testView("res1")
	res.Tags = []string{"residential"}

	c := NewComposite(
		[]Filter{TagFilter("datacenter")},
		NewRoundRobin(),
	)

	ctx := context.Background()
	proxies := []*domain.ProxyView{dc1, res, dc2}

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		picked, err := c.Select(ctx, proxies, testSelCtx())
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[picked.ID]++
	}

	if counts["res1"] > 0 {
		t.Error("Residential proxy passed the datacenter filter")
	}
	if counts["dc1"] != 5 || counts["dc2"] != 5 {
		t.Errorf("Expected even rotation over datacenter proxies, got %v", counts)
	}
}

func TestComposite_Select_OrderedPipeline(t *testing.T) {
	a := testView("a")
	a.CountryCode = "US"
	a.Tags = []string{"fast"}
	b := testView("b")
	b.CountryCode = "US"
	c := testView("c")
	c.CountryCode = "GB"
	c.Tags = []string{"fast"}

	comp := NewComposite(
		[]Filter{CountryFilter("US"), TagFilter("fast")},
		NewRoundRobin(),
	)

	picked, err := comp.Select(context.Background(), []*domain.ProxyView{a, b, c}, testSelCtx())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "a" {
		t.Errorf("Expected a (US and fast), got %s", picked.ID)
	}
}

func TestComposite_Select_EmptyAfterFilter(t *testing.T) {
	comp := NewComposite(
		[]Filter{CountryFilter("JP")},
		NewRoundRobin(),
	)

	picked, err := comp.Select(context.Background(), geoPool(), testSelCtx())
	if !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Errorf("Expected ErrNoProxyAvailable, got %v", err)
	}
	if picked != nil {
		t.Error("Expected nil proxy")
	}
}

func TestComposite_Select_SelectorExclusionsStillApply(t *testing.T) {
	comp := NewComposite(
		[]Filter{RegionFilter("eu-west")},
		NewRoundRobin(),
	)

	sel := testSelCtx()
	sel.MarkFailed("gb-proxy")

	for i := 0; i < 5; i++ {
		picked, err := comp.Select(context.Background(), geoPool(), sel)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if picked.ID != "de-proxy" {
			t.Errorf("Expected de-proxy, got %s", picked.ID)
		}
	}
}

func TestComposite_Select_PerformanceSelectorGetsRegionBonus(t *testing.T) {
	local := testView("local", withStats(100, 100, 85, 100))
	local.Region = "eu-west"
	local.Tags = []string{"premium"}
	remote := testView("remote", withStats(100, 100, 90, 100))
	remote.Region = "us-east"
	remote.Tags = []string{"premium"}

	comp := NewComposite(
		[]Filter{TagFilter("premium")},
		NewPerformanceBased(),
	)

	sel := testSelCtx()
	sel.TargetRegion = "eu-west"
	sel.RegionBonus = 1.1

	picked, err := comp.Select(context.Background(), []*domain.ProxyView{remote, local}, sel)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "local" {
		t.Errorf("Expected local via region bonus, got %s", picked.ID)
	}
}

func TestComposite_Introspection(t *testing.T) {
	comp := NewComposite(
		[]Filter{CountryFilter("US"), TagFilter("fast")},
		NewLeastUsed(),
	)

	if comp.Name() != StrategyComposite {
		t.Errorf("Expected name %q, got %q", StrategyComposite, comp.Name())
	}

	filters := comp.Filters()
	if len(filters) != 2 || filters[0] != "country" || filters[1] != "tags" {
		t.Errorf("Unexpected filter names: %v", filters)
	}

	if comp.Selector().Name() != StrategyLeastUsed {
		t.Errorf("Expected least_used selector, got %s", comp.Selector().Name())
	}
}

func TestMinSuccessRateFilter(t *testing.T) {
	good := testView("good", withStats(100, 100, 90, 50))
	bad := testView("bad", withStats(100, 100, 40, 50))
	fresh := testView("fresh")

	f := MinSuccessRateFilter(0.8)

	if !f.Keep(good, nil) {
		t.Error("Expected good to pass")
	}
	if f.Keep(bad, nil) {
		t.Error("Expected bad to be filtered")
	}
	if !f.Keep(fresh, nil) {
		t.Error("Expected fresh (no completions) to pass")
	}
}

func TestSchemeFilter(t *testing.T) {
	socks := testView("socks")
	socks.Scheme = domain.SchemeSOCKS5

	f := SchemeFilter(domain.SchemeSOCKS5, domain.SchemeSOCKS4)

	if !f.Keep(socks, nil) {
		t.Error("Expected socks5 proxy to pass")
	}
	if f.Keep(testView("plain"), nil) {
		t.Error("Expected http proxy to be filtered")
	}
}

func TestHealthFilter(t *testing.T) {
	healthy := testView("h")
	healthy.Health = domain.HealthHealthy
	degraded := testView("d")
	degraded.Health = domain.HealthDegraded

	f := HealthFilter(domain.HealthHealthy, domain.HealthUnknown)

	if !f.Keep(healthy, nil) {
		t.Error("Expected healthy proxy to pass")
	}
	if f.Keep(degraded, nil) {
		t.Error("Expected degraded proxy to be filtered")
	}
}
