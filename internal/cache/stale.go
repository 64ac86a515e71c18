package cache

import (
	"context"
	"time"
)

// FreshChecker is an optional capability a Store may implement to
// report the "fresh until" boundary recorded in the expiry index,
// independent of the physical (grace-extended) TTL used for Redis
// expiry. Only needed by the WARM extension point below.
type FreshChecker interface {
	FreshUntil(ctx context.Context, uriFull string) (at time.Time, found bool, err error)
}

// StalePolicy is the WARM/COLD extension point §9 calls out as
// inferable but explicitly not wired into the covered core: "the
// intended trigger ... is inferable ... but is not wired. Do not
// guess." With StalePolicy nil (the default), Engine.Handle behaves
// exactly as §4.8 describes and only ever produces HOT or SUBZERO.
//
// When configured, a LOOKUP hit whose fresh-until boundary (the
// expiry-index score) has already passed, but whose physical entry
// TTL has not, is classified WARM instead of HOT, and a background
// revalidation is published for it. COLD is reserved for the same
// mechanism applied to a physical miss that a future extension might
// still want to serve stale-if-error; the covered engine never
// produces it.
type StalePolicy struct {
	Publisher *RevalidationPublisher
}

// classify decides HOT vs WARM for a LOOKUP hit, publishing a
// revalidation request on a WARM transition. store is consulted for
// its optional FreshChecker capability; if absent, every hit is HOT.
func (p *StalePolicy) classify(ctx context.Context, store Store, uriFull string) CacheState {
	fc, ok := store.(FreshChecker)
	if !ok {
		return HOT
	}
	freshUntil, found, err := fc.FreshUntil(ctx, uriFull)
	if err != nil || !found || !now().After(freshUntil) {
		return HOT
	}
	if p.Publisher != nil {
		p.Publisher.Publish(uriFull)
	}
	return WARM
}
