package domain

import (
	"context"
)

// ProxyStrategy maps a pool snapshot plus request context onto one proxy.
// Implementations read only the snapshot and take no locks; an empty
// admissible set returns ErrNoProxyAvailable, never blocks.
type ProxyStrategy interface {
	Select(ctx context.Context, proxies []*ProxyView, sel *SelectionContext) (*ProxyView, error)
	Name() string
}

// SelectionContext travels from the executor to the strategy on every
// selection.
type SelectionContext struct {
	// SessionKey pins session_persistence bindings.
	SessionKey string

	// Geo targeting from the request.
	TargetCountry string
	TargetRegion  string

	// FailedIDs are proxies already burned by this logical request.
	FailedIDs map[string]struct{}

	// RequiredTags restricts selection to proxies carrying all of them.
	RequiredTags []string

	// Admit is the breaker's read-only admission predicate. Nil admits all.
	Admit func(proxyID string) bool

	// RegionBonus multiplies performance scores for candidates matching
	// TargetRegion. 1 means no bonus; the executor raises it on retries.
	RegionBonus float64
}

func NewSelectionContext() *SelectionContext {
	return &SelectionContext{
		FailedIDs:   make(map[string]struct{}),
		RegionBonus: 1.0,
	}
}

func (c *SelectionContext) MarkFailed(proxyID string) {
	if c.FailedIDs == nil {
		c.FailedIDs = make(map[string]struct{})
	}
	c.FailedIDs[proxyID] = struct{}{}
}

func (c *SelectionContext) IsFailed(proxyID string) bool {
	_, ok := c.FailedIDs[proxyID]
	return ok
}

// Admissible applies the exclusions every strategy must honour: the failed
// set, the breaker predicate and the tag filter.
func (c *SelectionContext) Admissible(v *ProxyView) bool {
	if c == nil {
		return true
	}
	if c.IsFailed(v.ID) {
		return false
	}
	if !v.HasAllTags(c.RequiredTags) {
		return false
	}
	if c.Admit != nil && !c.Admit(v.ID) {
		return false
	}
	return true
}
