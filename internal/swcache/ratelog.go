package swcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger writes at most one warning per interval and counts what
// it suppressed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	l.lastAt = now
	entry := log.NewEntry(log.StandardLogger())
	if l.suppressed > 0 {
		entry = entry.WithField("suppressed", l.suppressed)
		l.suppressed = 0
	}
	entry.Warnf(format, args...)
}
