package cache

import (
	"context"
)

// Engine is the State Engine (§4.8): it orchestrates one request,
// classifying it into a cache state, serving it from cache, fetching
// it from the origin, or passing it straight through, and emits the
// diagnostic headers described in set_headers.
//
// Engine holds no Store: per the Design Notes instruction to
// re-architect the shared connection as an explicit handle rather than
// ambient state, each call to Handle takes the Store to use for that
// one request.
type Engine struct {
	Bus     *EventBus
	Fetcher *Fetcher
	Host    string // used to build the Via header's "1.1 <host>" token
	Stale   *StalePolicy
}

// NewEngine constructs an Engine. bus and fetcher must share the same
// *EventBus so origin_required/origin_fetched fired by the Fetcher are
// visible to handlers registered on the Engine's bus.
func NewEngine(bus *EventBus, fetcher *Fetcher, host string, stale *StalePolicy) *Engine {
	return &Engine{Bus: bus, Fetcher: fetcher, Host: host, Stale: stale}
}

// Handle runs the full state machine for one request against key,
// using store for this request's lifetime. It never retries; any
// returned error is a *Fault and the caller must not send a partial
// response.
func (e *Engine) Handle(ctx context.Context, store Store, key string, req *Request) (*Response, error) {
	if !RequestAcceptsCache(req) {
		return e.fetchOnly(ctx, req)
	}

	cached, err := store.Read(ctx, key)
	if err != nil {
		return nil, asStoreFault(err)
	}
	if cached != nil {
		return e.serveHit(ctx, store, req, cached)
	}

	res := NewResponse()
	res.State = SUBZERO
	outcome, err := e.Fetcher.FetchAndStore(ctx, store, key, req, res)
	if err != nil {
		return nil, err
	}
	if outcome == FetchPassthrough {
		// Origin 5xx or transport failure: no state change, no
		// response_ready, send the origin response as-is (§4.8, §7).
		return res, nil
	}

	e.setHeaders(res, SUBZERO)
	if err := e.Bus.Fire(EventResponseReady, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// fetchOnly is the FETCH-ONLY path: the request itself is not
// cacheable (non-GET, or an explicit no-cache), so the engine forwards
// to the origin without consulting the store or firing any event —
// the diagram shows FETCH-ONLY going straight to "send origin
// response", with no set_headers node.
func (e *Engine) fetchOnly(ctx context.Context, req *Request) (*Response, error) {
	res := NewResponse()
	status, headers, body, err := e.Fetcher.Upstream.Do(ctx, req, e.Fetcher.ProxyLocation+req.URIRelative)
	if err != nil {
		res.Status = 502
		res.Body = []byte(err.Error())
		return res, nil
	}
	res.Status = status
	res.Headers.MergeFrom(headers)
	res.Body = body
	return res, nil
}

// serveHit completes the LOOKUP-hit path: classify HOT (or WARM, via
// the stale extension), fire cache_accessed, set diagnostic headers,
// fire response_ready.
func (e *Engine) serveHit(ctx context.Context, store Store, req *Request, res *Response) (*Response, error) {
	state := HOT
	if e.Stale != nil {
		state = e.Stale.classify(ctx, store, req.URIFull)
	}
	res.State = state

	if err := e.Bus.Fire(EventCacheAccessed, req, res); err != nil {
		return nil, err
	}
	e.setHeaders(res, state)
	if err := e.Bus.Fire(EventResponseReady, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// setHeaders emits Via, X-Cache and X-Cache-State per §4.8.
func (e *Engine) setHeaders(res *Response, state CacheState) {
	via := "1.1 " + e.Host
	if existing := res.Headers.Get("Via"); existing != "" {
		res.Headers.Set("Via", via+", "+existing)
	} else {
		res.Headers.Set("Via", via)
	}

	if state >= WARM {
		res.Headers.Set("X-Cache", "HIT")
	} else {
		res.Headers.Set("X-Cache", "MISS")
	}
	res.Headers.Set("X-Cache-State", state.String())
}

func asStoreFault(err error) error {
	if f, ok := err.(*Fault); ok {
		return f
	}
	return &Fault{Kind: FaultStore, Err: err}
}
