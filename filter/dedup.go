package filter

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"msgguard/capture"
)

const dedupHashLen = 32

// Deduplicator drops notifications that the OS re-posts with the same content
// within a short window, e.g. when a chat notification gets updated. It is
// off unless a window is configured: two identical messages sent on purpose
// are indistinguishable from a re-post.
type Deduplicator struct {
	window time.Duration
	cache  *gocache.Cache
}

// NewDeduplicator returns a deduplicator that remembers events for window.
// A zero or negative window disables it.
func NewDeduplicator(window time.Duration) *Deduplicator {
	d := &Deduplicator{window: window}
	if window > 0 {
		d.cache = gocache.New(window, 2*window)
	}
	return d
}

// Fingerprint identifies an event by package, grouping key and normalized body.
func Fingerprint(ev capture.Event) string {
	return HashNormalized(ev.PackageName+"|"+ev.Key+"|"+NormalizeText(ev.Body()), dedupHashLen)
}

// Seen records ev and reports whether an equivalent event was already
// recorded inside the window.
func (d *Deduplicator) Seen(ev capture.Event) bool {
	if d == nil || d.cache == nil {
		return false
	}
	// Add fails when an unexpired entry exists, which makes the check atomic.
	return d.cache.Add(Fingerprint(ev), struct{}{}, gocache.DefaultExpiration) != nil
}

func (d *Deduplicator) Window() time.Duration {
	if d == nil {
		return 0
	}
	return d.window
}

// Flush forgets every recorded event.
func (d *Deduplicator) Flush() {
	if d != nil && d.cache != nil {
		d.cache.Flush()
	}
}
