package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lernova/credits/internal/config"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/credit/watch"
	obsmetrics "github.com/lernova/credits/internal/observability/metrics"
	"github.com/lernova/credits/internal/policy"
	"github.com/lernova/credits/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const adjustLockTTL = 5 * time.Second

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	creditSvc    creditdomain.Service
	watcher      *watch.Watcher
	spendLimiter *ratelimit.SpendLimiter
	adjustLocker *ratelimit.Locker
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	CreditSvc    creditdomain.Service
	Watcher      *watch.Watcher
	SpendLimiter *ratelimit.SpendLimiter `optional:"true"`
	AdjustLocker *ratelimit.Locker       `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.credits"),
		creditSvc:    p.CreditSvc,
		watcher:      p.Watcher,
		spendLimiter: p.SpendLimiter,
		adjustLocker: p.AdjustLocker,
		obsMetrics:   p.ObsMetrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api/users/:user_id/credits")
	api.GET("", s.GetBalance)
	api.GET("/transactions", s.ListTransactions)
	api.GET("/ai-limit", s.CheckAIMonthlyLimit)
	api.GET("/stream", s.StreamBalance)
	api.POST("/use-feature", s.UseFeature)
	api.POST("/use-class", s.UseCreditsForClass)
	api.POST("/grant", s.AddCredits)
	api.POST("/revoke", s.DeductCredits)
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	forceRefresh := isTruthy(c.Query("refresh"))

	account, err := s.creditSvc.GetBalance(c.Request.Context(), userID, forceRefresh)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}

	transactions, err := s.creditSvc.ListTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func (s *Server) CheckAIMonthlyLimit(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	status, err := s.creditSvc.CheckAIMonthlyLimit(c.Request.Context(), userID, s.roleOf(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type useFeatureRequest struct {
	FeatureKey string `json:"feature_key" binding:"required"`
}

func (s *Server) UseFeature(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var req useFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !s.allowSpend(c, userID) {
		return
	}

	actorID, _ := s.actor(c)
	deductedBy := ""
	if actorID != "" && actorID != userID {
		deductedBy = actorID
	}

	result, err := s.creditSvc.UseFeature(c.Request.Context(), creditdomain.UseFeatureRequest{
		UserID:     userID,
		FeatureKey: req.FeatureKey,
		Role:       s.roleOf(c),
		DeductedBy: deductedBy,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type useClassRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	ClassID   string `json:"class_id"`
	ClassName string `json:"class_name"`
}

func (s *Server) UseCreditsForClass(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var req useClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !s.allowSpend(c, userID) {
		return
	}

	result, err := s.creditSvc.UseCreditsForClass(c.Request.Context(), creditdomain.UseClassRequest{
		UserID:    userID,
		Amount:    req.Amount,
		ClassID:   req.ClassID,
		ClassName: req.ClassName,
		Role:      s.roleOf(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type adjustCreditsRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) AddCredits(c *gin.Context) {
	s.adjustCredits(c, func(req creditdomain.AdjustCreditsRequest) (creditdomain.SpendResult, error) {
		return s.creditSvc.AddCredits(c.Request.Context(), req)
	})
}

func (s *Server) DeductCredits(c *gin.Context) {
	s.adjustCredits(c, func(req creditdomain.AdjustCreditsRequest) (creditdomain.SpendResult, error) {
		return s.creditSvc.DeductCredits(c.Request.Context(), req)
	})
}

func (s *Server) adjustCredits(c *gin.Context, apply func(creditdomain.AdjustCreditsRequest) (creditdomain.SpendResult, error)) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	actorID, actorRole := s.actor(c)
	if actorID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if s.adjustLocker != nil {
		lockKey := fmt.Sprintf("credits:adjust:lock:%s", userID)
		token, ok, err := s.adjustLocker.TryLock(c.Request.Context(), lockKey, adjustLockTTL)
		if err != nil {
			s.log.Warn("adjust lock unavailable, continuing on store atomicity", zap.Error(err))
		} else if !ok {
			AbortWithError(c, ErrConflict)
			return
		} else {
			defer func() {
				_ = s.adjustLocker.Release(c.Request.Context(), lockKey, token)
			}()
		}
	}

	result, err := apply(creditdomain.AdjustCreditsRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		ActorID:   actorID,
		ActorRole: actorRole,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// allowSpend enforces the per-user spend rate limit. Returns false when
// the request was aborted.
func (s *Server) allowSpend(c *gin.Context, userID string) bool {
	result, err := s.spendLimiter.AllowSpend(c.Request.Context(), userID)
	if err != nil {
		s.log.Warn("spend rate limiter unavailable, allowing request", zap.Error(err))
		return true
	}
	if result.Allowed {
		return true
	}

	s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), c.FullPath())
	if result.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds()+1)))
	}
	AbortWithError(c, ErrRateLimited)
	return false
}

// actor reads the caller identity forwarded by the platform gateway.
func (s *Server) actor(c *gin.Context) (string, policy.Role) {
	actorID := strings.TrimSpace(c.GetHeader("X-Actor-ID"))
	role := policy.Role(strings.ToLower(strings.TrimSpace(c.GetHeader("X-Actor-Role"))))
	return actorID, role
}

// roleOf resolves the role governing the target user: an explicit role
// query from an internal caller, otherwise the caller's own role when
// acting on their own account.
func (s *Server) roleOf(c *gin.Context) policy.Role {
	if role := strings.TrimSpace(c.Query("role")); role != "" {
		return policy.Role(strings.ToLower(role))
	}
	actorID, actorRole := s.actor(c)
	if actorID == strings.TrimSpace(c.Param("user_id")) {
		return actorRole
	}
	return ""
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
