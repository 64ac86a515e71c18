package cache

import (
	"context"
	"time"
)

// RevalidationPublisher is the §4.6 component: it enqueues a
// background-refresh request by publishing uri_full on the well-known
// revalidate channel and returns immediately. It holds its own
// long-lived Store handle, independent of any single request's scoped
// connection, since a fire-and-forget publish may outlive the request
// that triggered it.
type RevalidationPublisher struct {
	Store   Store
	Timeout time.Duration // defaults to 2s if zero
	// OnError is called with any publish error; may be nil.
	OnError func(uriFull string, err error)
}

// Publish enqueues uriFull for background revalidation without
// blocking the caller.
func (p *RevalidationPublisher) Publish(uriFull string) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Store.Publish(ctx, RevalidateChannel, uriFull); err != nil && p.OnError != nil {
			p.OnError(uriFull, err)
		}
	}()
}
