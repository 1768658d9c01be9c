package ratelimit

import (
	"time"

	"github.com/gammazero/deque"
)

// SlidingWindow admits at most limit events in any window-long interval.
// It is not safe for concurrent use; each session owns its own.
type SlidingWindow struct {
	limit  int
	window time.Duration
	hits   deque.Deque[time.Time]
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	w := &SlidingWindow{
		limit:  limit,
		window: window,
	}
	w.hits.SetMinCapacity(4)
	return w
}

func (w *SlidingWindow) Allow(now time.Time) bool {
	for w.hits.Len() > 0 && now.Sub(w.hits.Front()) >= w.window {
		w.hits.PopFront()
	}
	if w.hits.Len() >= w.limit {
		return false
	}
	w.hits.PushBack(now)
	return true
}
