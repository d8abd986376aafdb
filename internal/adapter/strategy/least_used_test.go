package strategy

import (
	"context"
	"testing"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func TestLeastUsed_Select_EmptyPool(t *testing.T) {
	l := NewLeastUsed()

	picked, err := l.Select(context.Background(), nil, testSelCtx())
	if err == nil {
		t.Error("Expected error for empty pool")
	}
	if picked != nil {
		t.Error("Expected nil proxy for empty pool")
	}
}

func TestLeastUsed_Select_FewestInFlight(t *testing.T) {
	l := NewLeastUsed()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("busy", withStats(10, 5, 5, 0)),   // 5 in flight
		testView("idle", withStats(10, 9, 9, 0)),   // 1 in flight
		testView("medium", withStats(10, 7, 7, 0)), // 3 in flight
	}

	picked, err := l.Select(ctx, proxies, testSelCtx())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "idle" {
		t.Errorf("Expected idle, got %s", picked.ID)
	}
}

func TestLeastUsed_Select_TieBreakByStarted(t *testing.T) {
	l := NewLeastUsed()
	ctx := context.Background()

	// Same in-flight, different lifetime volume
	proxies := []*domain.ProxyView{
		testView("veteran", withStats(100, 98, 98, 0)),
		testView("fresh", withStats(10, 8, 8, 0)),
	}

	picked, err := l.Select(ctx, proxies, testSelCtx())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "fresh" {
		t.Errorf("Expected fresh (fewer started), got %s", picked.ID)
	}
}

func TestLeastUsed_Select_TieBreakByID(t *testing.T) {
	l := NewLeastUsed()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("zz", withStats(10, 8, 8, 0)),
		testView("aa", withStats(10, 8, 8, 0)),
	}

	picked, err := l.Select(ctx, proxies, testSelCtx())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "aa" {
		t.Errorf("Expected aa (id order), got %s", picked.ID)
	}
}

func TestLeastUsed_Select_HonoursExclusions(t *testing.T) {
	l := NewLeastUsed()
	ctx := context.Background()

	proxies := []*domain.ProxyView{
		testView("idle", withStats(10, 10, 10, 0)),
		testView("busy", withStats(10, 2, 2, 0)),
	}

	sel := testSelCtx()
	sel.MarkFailed("idle")

	picked, err := l.Select(ctx, proxies, sel)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.ID != "busy" {
		t.Errorf("Expected busy (idle excluded), got %s", picked.ID)
	}
}
