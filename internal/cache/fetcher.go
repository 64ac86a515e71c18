package cache

import (
	"context"
	"net/http"
	"time"
)

// Upstream is the external HTTP client collaborator (§1, §6): a plain
// HTTP call using the inbound request against target
// (proxy_location+uri_relative). req is passed through rather than its
// individual fields so an Upstream can see ambient request context
// (Host, RemoteAddr) a pure method+url+headers call would drop.
type Upstream interface {
	Do(ctx context.Context, req *Request, target string) (status int, respHeaders *HeaderMap, respBody []byte, err error)
}

// FetchOutcome reports what the Origin Fetcher did with an origin
// response, so the State Engine knows whether to continue into
// set_headers/response_ready or to pass the origin response straight
// through (§4.8).
type FetchOutcome int

const (
	// FetchPassthrough: origin returned >=500, or the transport call
	// itself failed. No event beyond origin_required fired, nothing
	// stored, response_ready suppressed (§7 kinds 2 and 3).
	FetchPassthrough FetchOutcome = iota
	// FetchStored: origin ok, response cacheable, write() succeeded.
	FetchStored
	// FetchNotStored: origin ok, response not cacheable.
	FetchNotStored
)

// Fetcher is the Origin Fetcher (§4.5). ProxyLocation and Upstream are
// read-once configuration; FetchAndStore is safe for concurrent use.
type Fetcher struct {
	Bus           *EventBus
	Upstream      Upstream
	ProxyLocation string
	Grace         time.Duration
}

// FetchAndStore proxies req to the origin, merges the response, and —
// if the response is cacheable — stores it through store. It returns
// the outcome the State Engine needs to decide its next transition.
func (f *Fetcher) FetchAndStore(ctx context.Context, store Store, key string, req *Request, res *Response) (FetchOutcome, error) {
	if err := f.Bus.Fire(EventOriginRequired, req, res); err != nil {
		return FetchPassthrough, err
	}

	target := f.ProxyLocation + req.URIRelative
	status, headers, body, err := f.Upstream.Do(ctx, req, target)
	if err != nil {
		// Upstream transport failure: 502-class passthrough, not a
		// fault (§7 kind 3).
		res.Status = http.StatusBadGateway
		res.Body = []byte(err.Error())
		return FetchPassthrough, nil
	}

	// Merge, not replace: earlier handlers (or a pre-seeded res) may
	// already carry headers.
	res.Headers.MergeFrom(headers)
	res.Status = status
	res.Body = body

	if status >= 500 {
		// Origin 5xx short-circuits: no event, no store (§4.5, §7 kind 2).
		return FetchPassthrough, nil
	}

	if err := f.Bus.Fire(EventOriginFetched, req, res); err != nil {
		return FetchPassthrough, err
	}

	if !ResponseIsCacheable(res) {
		return FetchNotStored, nil
	}

	ttl, storeTTL, expiresAt := CalculateTTL(res, now(), f.Grace)
	res.SetTTL(ttl)
	if ttl <= 0 {
		// §4.3 rule 4: no s-maxage/max-age/Expires resolved a TTL —
		// the response passed the Oracle but is not stored.
		return FetchNotStored, nil
	}

	if err := store.Write(ctx, key, req, res, storeTTL, expiresAt); err != nil {
		return FetchPassthrough, &Fault{Kind: FaultStore, Err: err}
	}
	return FetchStored, nil
}

// now is a seam so tests can freeze time; production code always calls
// time.Now.
var now = time.Now
