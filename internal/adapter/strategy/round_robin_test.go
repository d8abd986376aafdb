package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func TestNewRoundRobin(t *testing.T) {
	rr := NewRoundRobin()

	if rr == nil {
		t.Fatal("NewRoundRobin returned nil")
	}
	if rr.Name() != StrategyRoundRobin {
		t.Errorf("Expected name %q, got %q", StrategyRoundRobin, rr.Name())
	}
}

func TestRoundRobin_Select_EmptyPool(t *testing.T) {
	rr := NewRoundRobin()

	picked, err := rr.Select(context.Background(), nil, testSelCtx())
	if err == nil {
		t.Error("Expected error for empty pool")
	}
	if picked != nil {
		t.Error("Expected nil proxy for empty pool")
	}
}

func TestRoundRobin_Select_InsertionOrder(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
		testView("c"),
	}

	// Ten sequential selections walk insertion order and wrap
	expected := []string{"a", "b", "c", "a", "b", "c", "a", "b", "c", "a"}
	for i, want := range expected {
		picked, err := rr.Select(ctx, proxies, testSelCtx())
		if err != nil {
			t.Fatalf("Select %d failed: %v", i, err)
		}
		if picked.ID != want {
			t.Errorf("Selection %d: expected %s, got %s", i, want, picked.ID)
		}
	}
}

func TestRoundRobin_Select_SkipsExcluded(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
		testView("c"),
	}

	sel := testSelCtx()
	sel.MarkFailed("b")

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		picked, err := rr.Select(ctx, proxies, sel)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[picked.ID]++
	}

	if counts["b"] > 0 {
		t.Error("Failed proxy b was selected")
	}
	if counts["a"] != 5 || counts["c"] != 5 {
		t.Errorf("Expected even split between a and c, got a=%d c=%d", counts["a"], counts["c"])
	}
}

func TestRoundRobin_Select_BreakerDenied(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
	}

	sel := testSelCtx()
	sel.Admit = func(proxyID string) bool { return proxyID != "a" }

	for i := 0; i < 4; i++ {
		picked, err := rr.Select(ctx, proxies, sel)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if picked.ID != "b" {
			t.Errorf("Expected b, got %s", picked.ID)
		}
	}
}

func TestRoundRobin_Select_AllExcluded(t *testing.T) {
	rr := NewRoundRobin()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
	}

	sel := testSelCtx()
	sel.MarkFailed("a")
	sel.MarkFailed("b")

	picked, err := rr.Select(context.Background(), proxies, sel)
	if err == nil {
		t.Error("Expected error when every proxy is excluded")
	}
	if picked != nil {
		t.Error("Expected nil proxy when every proxy is excluded")
	}
}

func TestRoundRobin_Fairness(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
		testView("c"),
	}

	// Over M selections each proxy lands on floor(M/N) or ceil(M/N)
	const m = 100
	counts := make(map[string]int)
	for i := 0; i < m; i++ {
		picked, err := rr.Select(ctx, proxies, testSelCtx())
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[picked.ID]++
	}

	lo, hi := m/len(proxies), (m+len(proxies)-1)/len(proxies)
	for _, v := range proxies {
		if counts[v.ID] < lo || counts[v.ID] > hi {
			t.Errorf("Proxy %s selected %d times, expected %d or %d", v.ID, counts[v.ID], lo, hi)
		}
	}
}

func TestRoundRobin_PoolGrowth(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
	}

	for i := 0; i < 4; i++ {
		if _, err := rr.Select(ctx, proxies, testSelCtx()); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}

	// A proxy added mid-stream joins the cycle
	proxies = append(proxies, testView("c"))

	counts := make(map[string]int)
	for i := 0; i < 12; i++ {
		picked, err := rr.Select(ctx, proxies, testSelCtx())
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		counts[picked.ID]++
	}

	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 4 {
			t.Errorf("Expected 4 selections for %s, got %d", id, counts[id])
		}
	}
}

func TestRoundRobin_PoolShrink(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	large := make([]*domain.ProxyView, 10)
	for i := range large {
		large[i] = testView(fmt.Sprintf("p%02d", i))
	}

	// Push the cursor deep into the large snapshot
	for i := 0; i < 9; i++ {
		if _, err := rr.Select(ctx, large, testSelCtx()); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}

	// A much smaller snapshot must still select without panicking
	small := large[:2]
	picked, err := rr.Select(ctx, small, testSelCtx())
	if err != nil {
		t.Fatalf("Select failed after shrink: %v", err)
	}
	if picked.ID != "p00" && picked.ID != "p01" {
		t.Errorf("Selected proxy %s not in shrunken snapshot", picked.ID)
	}
}

func TestRoundRobin_ConcurrentAccess(t *testing.T) {
	rr := NewRoundRobin()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("a"),
		testView("b"),
		testView("c"),
	}

	var wg sync.WaitGroup
	picks := make(chan string, 200)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				picked, err := rr.Select(ctx, proxies, testSelCtx())
				if err != nil {
					t.Errorf("Select failed: %v", err)
					return
				}
				picks <- picked.ID
			}
		}()
	}

	wg.Wait()
	close(picks)

	counts := make(map[string]int)
	total := 0
	for id := range picks {
		counts[id]++
		total++
	}

	if total != 200 {
		t.Errorf("Expected 200 selections, got %d", total)
	}
	for _, v := range proxies {
		if counts[v.ID] == 0 {
			t.Errorf("Proxy %s was never selected", v.ID)
		}
	}
}
