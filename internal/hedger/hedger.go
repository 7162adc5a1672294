// Package hedger keeps the list of market makers allowed to act as partyB.
package hedger

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Registry owns every enlisted Hedger.
type Registry struct {
	hedgers map[string]*model.Hedger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hedgers: make(map[string]*model.Hedger)}
}

// Enlist registers address as a hedger with its pricing and markets
// endpoints.
func (r *Registry) Enlist(tx *txn.Tx, address string, pricingWssURLs, marketsHTTPSURLs []string, now time.Time) (model.Hedger, error) {
	if address == "" {
		return model.Hedger{}, fmt.Errorf("%w: empty hedger address", model.ErrInvalidArgument)
	}
	if _, ok := r.hedgers[address]; ok {
		return model.Hedger{}, fmt.Errorf("%w: hedger %s already enlisted", model.ErrInvalidState, address)
	}
	if err := checkURLs("pricing", "wss", pricingWssURLs); err != nil {
		return model.Hedger{}, err
	}
	if err := checkURLs("markets", "https", marketsHTTPSURLs); err != nil {
		return model.Hedger{}, err
	}
	h := &model.Hedger{
		Address:          address,
		PricingWssURLs:   slices.Clone(pricingWssURLs),
		MarketsHTTPSURLs: slices.Clone(marketsHTTPSURLs),
		EnlistedAt:       now.UTC(),
	}
	r.hedgers[address] = h
	tx.OnRollback(func() { delete(r.hedgers, address) })
	return clone(h), nil
}

// UpdatePricingWssURLs replaces the hedger's websocket pricing endpoints.
func (r *Registry) UpdatePricingWssURLs(tx *txn.Tx, address string, urls []string) (model.Hedger, error) {
	if err := checkURLs("pricing", "wss", urls); err != nil {
		return model.Hedger{}, err
	}
	return r.update(tx, address, func(h *model.Hedger) { h.PricingWssURLs = slices.Clone(urls) })
}

// UpdateMarketsHTTPSURLs replaces the hedger's markets endpoints.
func (r *Registry) UpdateMarketsHTTPSURLs(tx *txn.Tx, address string, urls []string) (model.Hedger, error) {
	if err := checkURLs("markets", "https", urls); err != nil {
		return model.Hedger{}, err
	}
	return r.update(tx, address, func(h *model.Hedger) { h.MarketsHTTPSURLs = slices.Clone(urls) })
}

// IsHedger reports whether address is enlisted.
func (r *Registry) IsHedger(address string) bool {
	_, ok := r.hedgers[address]
	return ok
}

// Get returns a copy of the hedger at address.
func (r *Registry) Get(address string) (model.Hedger, error) {
	h, ok := r.hedgers[address]
	if !ok {
		return model.Hedger{}, fmt.Errorf("%w: hedger %s", model.ErrNotFound, address)
	}
	return clone(h), nil
}

// List returns every hedger ordered by address.
func (r *Registry) List() []model.Hedger {
	out := make([]model.Hedger, 0, len(r.hedgers))
	for _, h := range r.hedgers {
		out = append(out, clone(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of enlisted hedgers.
func (r *Registry) Len() int {
	return len(r.hedgers)
}

func (r *Registry) update(tx *txn.Tx, address string, fn func(h *model.Hedger)) (model.Hedger, error) {
	h, ok := r.hedgers[address]
	if !ok {
		return model.Hedger{}, fmt.Errorf("%w: hedger %s", model.ErrNotFound, address)
	}
	prev := *h
	tx.Snapshot("hedger:"+address, func() { *h = prev })
	fn(h)
	return clone(h), nil
}

func checkURLs(kind, scheme string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: %s urls must be non-empty", model.ErrInvalidArgument, kind)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != scheme || u.Host == "" {
			return fmt.Errorf("%w: %s url %q must be a %s:// url", model.ErrInvalidArgument, kind, raw, scheme)
		}
	}
	return nil
}

func clone(h *model.Hedger) model.Hedger {
	c := *h
	c.PricingWssURLs = slices.Clone(h.PricingWssURLs)
	c.MarketsHTTPSURLs = slices.Clone(h.MarketsHTTPSURLs)
	return c
}
