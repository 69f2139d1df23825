package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/Aidin1998/denver/internal/lending"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// MarketService is the order and proposal surface.
type MarketService interface {
	ListOrders(ctx context.Context, side models.Side, owner string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, owner string, req lending.PlaceOrderRequest) (models.Order, error)
	CancelOrder(ctx context.Context, owner string, side models.Side, candidate string) error
	ListProposals(ctx context.Context, party string) ([]models.MatchedProposal, error)
	GetProposal(ctx context.Context, party, candidate string, admin bool) (models.MatchedProposal, error)
}

// OrderBook serves the aggregated public book.
type OrderBook interface {
	Snapshot(ctx context.Context) (models.OrderBook, error)
}

// MatchingTrigger runs one matching cycle on demand.
type MatchingTrigger interface {
	Trigger(ctx context.Context) (matches int, skipped bool, err error)
}

// Options configures the HTTP surface.
type Options struct {
	JWTSecret      string
	AdminRole      string
	AllowedOrigins []string
	RateLimit      string
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	market    MarketService
	book      OrderBook
	matching  MatchingTrigger
	jwtSecret []byte
	adminRole string
	limiter   gin.HandlerFunc
}

// NewServer creates a new API server with injected services
func NewServer(logger *zap.Logger, market MarketService, book OrderBook, matching MatchingTrigger, opts Options) *Server {
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	server := &Server{
		logger:    logger,
		market:    market,
		book:      book,
		matching:  matching,
		jwtSecret: []byte(opts.JWTSecret),
		adminRole: opts.AdminRole,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("denver-api"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !slices.Contains(opts.AllowedOrigins, "*"),
		MaxAge:           12 * time.Hour,
	}))

	if opts.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(opts.RateLimit)
		if err != nil {
			logger.Warn("invalid rate limit, requests are not limited", zap.String("rate", opts.RateLimit), zap.Error(err))
		} else {
			server.limiter = ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate))
		}
	}

	server.router = router
	server.registerRoutes()
	return server
}

// Handler returns the HTTP handler for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
		public.GET("/orderbook", s.getOrderBook)
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.authMiddleware())
	if s.limiter != nil {
		protected.Use(s.limiter)
	}
	{
		market := protected.Group("/market")
		{
			market.GET("/orders", s.listOrders)
			market.POST("/orders", s.placeOrder)
			market.DELETE("/orders/:side/:id", s.cancelOrder)
		}

		proposals := protected.Group("/proposals")
		{
			proposals.GET("", s.listProposals)
			proposals.GET("/:id", s.getProposal)
		}

		admin := protected.Group("/admin")
		admin.Use(s.adminMiddleware())
		{
			admin.POST("/matching/run", s.runMatching)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getOrderBook(c *gin.Context) {
	book, err := s.book.Snapshot(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// listOrders lists the caller's active orders on one side; admins may pass
// all=true to see every party's orders.
func (s *Server) listOrders(c *gin.Context) {
	side := models.Side(c.Query("side"))
	owner := c.GetString(ctxParty)
	if c.Query("all") == "true" && s.isAdmin(c) {
		owner = ""
	}
	orders, err := s.market.ListOrders(c.Request.Context(), side, owner)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) placeOrder(c *gin.Context) {
	var req lending.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Invalid.Explain("malformed request body").Because(err))
		return
	}
	order, err := s.market.PlaceOrder(c.Request.Context(), c.GetString(ctxParty), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

func (s *Server) cancelOrder(c *gin.Context) {
	side := models.Side(c.Param("side"))
	id := c.Param("id")
	if err := s.market.CancelOrder(c.Request.Context(), c.GetString(ctxParty), side, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status": models.OrderCancelled})
}

func (s *Server) listProposals(c *gin.Context) {
	proposals, err := s.market.ListProposals(c.Request.Context(), c.GetString(ctxParty))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *Server) getProposal(c *gin.Context) {
	p, err := s.market.GetProposal(c.Request.Context(), c.GetString(ctxParty), c.Param("id"), s.isAdmin(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// runMatching runs one cycle now. A cycle already in flight is reported as
// skipped with zero matches.
func (s *Server) runMatching(c *gin.Context) {
	n, skipped, err := s.matching.Trigger(c.Request.Context())
	if err != nil {
		s.writeError(c, errors.Unavailable.Explain("matching cycle failed").Because(err))
		return
	}
	s.logger.Info("manual matching cycle",
		zap.String("party", c.GetString(ctxParty)),
		zap.Int("matches", n),
		zap.Bool("skipped", skipped))
	c.JSON(http.StatusOK, gin.H{"matches": n, "skipped": skipped})
}
