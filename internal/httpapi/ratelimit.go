package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jxucoder/ClassPod/internal/auth"
	"github.com/jxucoder/ClassPod/internal/metrics"
)

// rateLimiter hands out one token bucket per caller. A bucket left idle
// for a full refill period is indistinguishable from a new one, so such
// entries are swept on the next call after that period.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*callerLimiter
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*callerLimiter),
		rate:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		idle:     time.Minute,
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idle {
		rl.sweep(now)
	}

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// sweep drops callers not seen for rl.idle. Callers hold rl.mu.
func (rl *rateLimiter) sweep(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) >= rl.idle {
			delete(rl.limiters, key)
		}
	}
	rl.lastSweep = now
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// callerKey prefers the authenticated user and falls back to the remote
// address set by middleware.RealIP.
func callerKey(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id.UserID != 0 {
		return "user:" + strconv.FormatInt(id.UserID, 10)
	}
	return "ip:" + r.RemoteAddr
}

func (s *Server) limitJoins(next http.Handler) http.Handler {
	if s.joins == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !s.joins.allow(key) {
			metrics.JoinsRateLimited.Inc()
			s.log.WithFields(logrus.Fields{"key": key, "path": r.URL.Path}).Warn("Join rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many join attempts, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
