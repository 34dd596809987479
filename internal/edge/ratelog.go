package edge

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one warning per interval and reports how many
// it swallowed in between.
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
	entry := logrus.NewEntry(logrus.StandardLogger())
	if l.suppressed > 0 {
		entry = entry.WithField("suppressed", l.suppressed)
		l.suppressed = 0
	}
	entry.Warnf(format, args...)
}
