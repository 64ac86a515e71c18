package cache

import (
	"context"
	"time"
)

// Store is the Cache Store Adapter boundary (§4.4, §6): an atomic,
// pipelined key/value store. internal/redisstore is the concrete,
// Redis-backed implementation; the engine only depends on this
// interface, per the Design Notes instruction to thread an explicit
// handle through the engine rather than reach for ambient state.
type Store interface {
	// Read issues a batched get-all-fields + remaining-TTL against
	// key. It returns (nil, nil) on a miss (remaining TTL negative).
	// A positive TTL with a partial record is a *PartialEntryError,
	// wrapped by the caller into a Fault{Kind: FaultStore}.
	Read(ctx context.Context, key string) (*Response, error)

	// Write replaces key's hash (status, body, uri, one h:<Name> per
	// response header), sets its TTL, and inserts/updates uri_full in
	// the shared expiry index — all within one atomic, pipelined
	// transaction. The caller guarantees res already passed
	// ResponseIsCacheable; Write does not re-check cacheability.
	Write(ctx context.Context, key string, req *Request, res *Response, ttl time.Duration, expiresAt time.Time) error

	// Publish fire-and-forgets uri on the store's pub/sub facility,
	// for the Revalidation Publisher.
	Publish(ctx context.Context, channel, uri string) error
}

// RevalidateChannel is the literal, external-contract channel name
// out-of-process workers subscribe to (§6).
const RevalidateChannel = "revalidate"

// ExpiryIndexKey is the literal, external-contract sorted-set key
// holding uri_full -> absolute-epoch-seconds expiry (§6).
const ExpiryIndexKey = "ledge:uris_by_expiry"
