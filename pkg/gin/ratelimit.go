package gin

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// EndpointClass groups routes that share a request budget.
type EndpointClass string

const (
	ClassSearch   EndpointClass = "search"
	ClassPurchase EndpointClass = "purchase"
	ClassDNS      EndpointClass = "dns"
)

// RateLimits is the per-client budget of each class, in requests per minute.
// Zero disables limiting for the class.
type RateLimits struct {
	Search   int
	Purchase int
	DNS      int
}

// DefaultRateLimits mirror the production budgets.
var DefaultRateLimits = RateLimits{Search: 20, Purchase: 10, DNS: 30}

func (r RateLimits) perMinute(class EndpointClass) int {
	switch class {
	case ClassSearch:
		return r.Search
	case ClassPurchase:
		return r.Purchase
	case ClassDNS:
		return r.DNS
	default:
		return 0
	}
}

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client IP and class.
type RateLimiter struct {
	mu      sync.Mutex
	limits  RateLimits
	clients map[string]*clientLimiter
	now     func() time.Time
	swept   time.Time
}

func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow spends one token of the client's class budget.
func (l *RateLimiter) Allow(class EndpointClass, ip string) (allowed bool, limit int) {
	limit = l.limits.perMinute(class)
	if limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterIdleTTL {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, key)
			}
		}
		l.swept = now
	}

	key := string(class) + "|" + ip
	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1), limit
}

// Limit returns middleware enforcing the class budget. A nil limiter allows
// everything.
func (l *RateLimiter) Limit(class EndpointClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		allowed, limit := l.Allow(class, c.ClientIP())
		if limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		}
		if !allowed {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "Rate limit exceeded. Please slow down."})
			return
		}
		c.Next()
	}
}
