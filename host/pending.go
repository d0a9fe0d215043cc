package host

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/plugwire/plugwire/protocol"
)

// Outcome is the host-side view of one finished request: either a decoded
// response or a terminal complete/error notification.
type Outcome struct {
	Success     bool
	Message     string
	Data        any
	KeepSession bool
	Code        protocol.ErrorCode
}

// pendingEntry tracks one in-flight request. expect counts the deliveries
// the caller will wait for: one for most methods, two for input (the
// immediate ack response plus the terminal notification).
type pendingEntry struct {
	ch     chan *Outcome
	expect int
}

// pendingCalls correlates request ids to waiting callers. Entries carry a
// TTL; an entry evicted by expiry delivers a timeout outcome so the waiter
// never blocks forever on a silent plugin.
type pendingCalls struct {
	cache *ttlcache.Cache[int64, *pendingEntry]
}

func newPendingCalls() *pendingCalls {
	c := ttlcache.New[int64, *pendingEntry](
		ttlcache.WithDisableTouchOnHit[int64, *pendingEntry](),
	)
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[int64, *pendingEntry]) {
		// Explicit deletes happen after normal delivery; only expiry means
		// the plugin went silent.
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		entry := item.Value()
		timeout := &Outcome{
			Success: false,
			Message: "Request timeout",
			Code:    protocol.CodeTimeout,
		}
		for i := 0; i < entry.expect; i++ {
			select {
			case entry.ch <- timeout:
			default:
			}
		}
	})
	go c.Start()
	return &pendingCalls{cache: c}
}

func (p *pendingCalls) close() {
	p.cache.Stop()
	p.cache.DeleteAll()
}

// add registers a request id and returns the channel its outcomes arrive
// on. The channel is buffered for every expected delivery plus the timeout
// path, so producers never block.
func (p *pendingCalls) add(id int64, expect int, ttl time.Duration) <-chan *Outcome {
	entry := &pendingEntry{
		ch:     make(chan *Outcome, expect+1),
		expect: expect,
	}
	p.cache.Set(id, entry, ttl)
	return entry.ch
}

// deliver hands an outcome to the waiter for id. terminal forces removal
// regardless of remaining expected deliveries. Unmatched ids are stale
// replies from a timed-out call and are dropped.
func (p *pendingCalls) deliver(id int64, outcome *Outcome, terminal bool) {
	item := p.cache.Get(id)
	if item == nil {
		return
	}
	entry := item.Value()
	select {
	case entry.ch <- outcome:
	default:
	}
	entry.expect--
	if terminal || entry.expect <= 0 {
		p.cache.Delete(id)
	}
}
