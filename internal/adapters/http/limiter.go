package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Plaza/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	visitorCap = 10000
	visitorTTL = 3 * time.Minute
)

// ConnectLimiter throttles WebSocket upgrades per client IP. Idle visitors
// expire out of the cache.
type ConnectLimiter struct {
	r     rate.Limit
	burst int

	mu       sync.Mutex
	visitors *expirable.LRU[string, *rate.Limiter]
}

func NewConnectLimiter(r rate.Limit, burst int) *ConnectLimiter {
	return &ConnectLimiter{
		r:        r,
		burst:    burst,
		visitors: expirable.NewLRU[string, *rate.Limiter](visitorCap, nil, visitorTTL),
	}
}

func (l *ConnectLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.visitors.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
	}
	// re-adding refreshes the ttl
	l.visitors.Add(ip, lim)
	l.mu.Unlock()
	return lim.Allow()
}

func (l *ConnectLimiter) Middleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			m.ConnectRejected.Inc()
			log.Warn().Str("module", "adapters.http").Str("ip", c.ClientIP()).Msg("connect rate exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
		c.Next()
	}
}
