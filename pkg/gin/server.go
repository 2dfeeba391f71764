// Package gin is the marketplace's HTTP surface: domain search, the purchase
// flow with its x402 payment middleware, and owner-gated domain management.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/metrics"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

// Config holds the HTTP-facing settings.
type Config struct {
	// PublicURL prefixes the resource field of payment challenges.
	PublicURL      string
	MockMode       bool
	Environment    string
	AllowedOrigins []string
	RateLimits     RateLimits
}

// Server wires the ledger and registrar into gin handlers.
type Server struct {
	cfg       Config
	purchases *ledger.Service
	registrar registrar.Client
	limiter   *RateLimiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	mcp       http.Handler
}

type ServerOption func(*Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMCPHandler serves h on /mcp under the purchase rate limit.
func WithMCPHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.mcp = h
	}
}

func NewServer(cfg Config, purchases *ledger.Service, reg registrar.Client, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		purchases: purchases,
		registrar: reg,
		limiter:   NewRateLimiter(cfg.RateLimits),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), requestLogger(s.logger, s.metrics), cors(s.cfg.AllowedOrigins))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the marketplace routes to r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.mcp != nil {
		r.Any("/mcp", s.limiter.Limit(ClassPurchase), gin.WrapH(s.mcp))
	}

	r.POST("/search", s.limiter.Limit(ClassSearch), s.search)

	purchase := r.Group("/purchase")
	purchase.Use(s.limiter.Limit(ClassPurchase))
	{
		purchase.POST("/initiate", s.initiate)
		purchase.GET("/pay/:id",
			PaymentMiddleware(s.purchases, WithResourceRootURL(s.cfg.PublicURL), WithLogger(s.logger)),
			s.paid)
		purchase.POST("/complete/:id", s.complete)
		purchase.POST("/confirm", s.confirm)
		purchase.GET("/:id", s.status)
	}

	r.GET("/domains", s.listDomains)
	domains := r.Group("/domains/:domain")
	domains.Use(s.limiter.Limit(ClassDNS))
	{
		domains.GET("/auth-code", s.authCode)
		domains.PUT("/nameservers", s.updateNameservers)
		domains.GET("/dns", s.listDNS)
		domains.POST("/dns", s.createDNS)
		domains.DELETE("/dns/:record_id", s.deleteDNS)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"mock_mode":   s.cfg.MockMode,
		"environment": s.cfg.Environment,
	})
}
