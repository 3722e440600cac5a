package notify

import (
	"sync"
	"time"

	"github.com/chrono-hq/ingestd/app/tracker"
)

// Announcement is a sequenced one-shot message consumed by UI readers
type Announcement struct {
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	JobID       string         `json:"job_id"`
	DisplayName string         `json:"display_name"`
	Status      tracker.Status `json:"status"`
	Message     string         `json:"message"`
}

// Feed is a bounded in-memory buffer of recent announcements with incremental
// reads. Readers poll Since with the last sequence number they have seen.
type Feed struct {
	mu      sync.RWMutex
	nextSeq int64
	max     int
	items   []Announcement
}

// NewFeed creates a feed keeping up to max announcements, 100 by default
func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 100
	}
	return &Feed{max: max, items: make([]Announcement, 0, max)}
}

// Publish appends an announcement, assigning sequence and timestamp
func (f *Feed) Publish(a Announcement) Announcement {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSeq++
	a.Seq = f.nextSeq
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	f.items = append(f.items, a)
	if len(f.items) > f.max {
		trim := len(f.items) - f.max
		f.items = append([]Announcement(nil), f.items[trim:]...)
	}
	return a
}

// Since returns announcements with sequence strictly greater than seq
func (f *Feed) Since(seq int64) []Announcement {
	f.mu.RLock()
	defer f.mu.RUnlock()

	res := []Announcement{}
	for _, a := range f.items {
		if a.Seq > seq {
			res = append(res, a)
		}
	}
	return res
}
