package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vitwit/x402-facilitator/metrics"
)

// visitorIdle is how long an unused per-IP limiter is kept.
const visitorIdle = 3 * time.Minute

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// ipLimiter hands out one token bucket per client IP refilling perMinute
// tokens a minute with a burst of perMinute.
type ipLimiter struct {
	perMinute int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		perMinute: perMinute,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.seen) > visitorIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.visitors[ip] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}

func rateLimit(route string, l *ipLimiter, rec metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.allow(c.ClientIP()) {
			c.Next()
			return
		}
		rec.IncCounter("http_rate_limited", map[string]string{"reason": route})
		c.Header("Retry-After", strconv.Itoa(60/max(l.perMinute, 1)+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
