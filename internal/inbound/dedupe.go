package inbound

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

type dedupeState int

const (
	dedupeInFlight dedupeState = iota
	dedupeDone
	// dedupeLogged: the message was appended but scheduling failed. A
	// provider retry resumes from the logged message instead of appending
	// it again.
	dedupeLogged
)

type dedupeEntry struct {
	at    time.Time
	state dedupeState
	msg   *store.Message
}

// dedupeCache remembers recently handled provider message ids so webhook
// retries and bridge replays are not stored twice. A key is reserved before
// the message is stored, so concurrent deliveries of the same id see each
// other. The messages table carries a unique index as the durable backstop
// across processes.
type dedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*dedupeEntry
}

func newDedupeCache(ttl time.Duration, max int) *dedupeCache {
	return &dedupeCache{ttl: ttl, max: max, entries: make(map[string]*dedupeEntry)}
}

// reserve claims key for the caller. ok is false when the key is in flight
// or already handled. logged is non-nil when an earlier attempt stored the
// message but did not finish.
func (d *dedupeCache) reserve(key string, now time.Time) (logged *store.Message, ok bool) {
	if key == "" {
		return nil, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, found := d.entries[key]; found && now.Sub(e.at) < d.ttl {
		if e.state != dedupeLogged {
			return nil, false
		}
		e.state, e.at = dedupeInFlight, now
		return e.msg, true
	}
	d.evict(now)
	d.entries[key] = &dedupeEntry{at: now, state: dedupeInFlight}
	return nil, true
}

// complete marks key as handled.
func (d *dedupeCache) complete(key string, now time.Time) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = &dedupeEntry{at: now, state: dedupeDone}
}

// abort gives up a reservation. With a nil msg the key is forgotten so the
// retry starts over; otherwise the retry resumes from msg.
func (d *dedupeCache) abort(key string, msg *store.Message, now time.Time) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg == nil {
		delete(d.entries, key)
		return
	}
	d.entries[key] = &dedupeEntry{at: now, state: dedupeLogged, msg: msg}
}

// evict makes room for one entry. Caller holds mu. In-flight entries are
// kept so a running handler's reservation is not dropped.
func (d *dedupeCache) evict(now time.Time) {
	if len(d.entries) < d.max {
		return
	}
	for k, e := range d.entries {
		if now.Sub(e.at) >= d.ttl {
			delete(d.entries, k)
		}
	}
	for k, e := range d.entries {
		if len(d.entries) < d.max {
			return
		}
		if e.state != dedupeInFlight {
			delete(d.entries, k)
		}
	}
}
