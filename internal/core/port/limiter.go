package port

import "time"

type Limiter interface {
	Allow(now time.Time) bool
}
