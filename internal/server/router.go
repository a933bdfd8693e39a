package server

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/archive"
	"github.com/MarcoPoloResearchLab/tally/internal/counter"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const operatorContextKey = "tally_operator"

var (
	errMissingArchiveService = errors.New("archive service dependency required")
	errMissingCounterService = errors.New("counter service dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks an operator bearer token and returns the operator.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Dependencies wires the read-only report API.
type Dependencies struct {
	ArchiveService *archive.Service
	CounterService *counter.Service
	Tokens         TokenValidator
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the report surface. Health and
// metrics are open; ledger reads require an operator token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ArchiveService == nil {
		return nil, errMissingArchiveService
	}
	if deps.CounterService == nil {
		return nil, errMissingCounterService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		archiveService: deps.ArchiveService,
		counterService: deps.CounterService,
		tokens:         deps.Tokens,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			deps.Metrics.Registry,
			promhttp.HandlerOpts{},
		)))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/archive/stats", handler.handleArchiveStats)
	protected.GET("/archive/activity", handler.handleArchiveActivity)
	protected.GET("/archive/:id", handler.handleArchiveItem)
	protected.GET("/counters", handler.handleCounterQuery)
	protected.GET("/counters/:subject", handler.handleCounterPeek)

	return router, nil
}

type httpHandler struct {
	archiveService *archive.Service
	counterService *counter.Service
	tokens         TokenValidator
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	operator, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("operator token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.Set(operatorContextKey, operator)
	c.Next()
}

func (h *httpHandler) handleArchiveItem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item id must be a positive integer"})
		return
	}

	item, err := h.archiveService.Get(c.Request.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such item"})
		return
	}
	if err != nil {
		h.logger.Error("archive item read failed", zap.Int64("item_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	text, err := h.archiveService.Content(item.ID)
	if err != nil {
		h.logger.Error("archive content read failed", zap.Int64("item_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         item.ID,
		"score":      item.Score,
		"created_at": item.CreatedAtSeconds,
		"created_by": item.CreatedBy,
		"text":       text,
	})
}

func (h *httpHandler) handleArchiveStats(c *gin.Context) {
	stats, err := h.archiveService.Stats(c.Request.Context(), nil)
	if err != nil {
		h.logger.Error("archive stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}

	payload := make([]gin.H, 0, len(stats))
	for _, row := range stats {
		payload = append(payload, gin.H{
			"creator":          row.Creator,
			"count":            row.Count,
			"mean_score":       row.MeanScore,
			"mean_cubed_score": row.MeanCubedScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"creators": payload})
}

func (h *httpHandler) handleArchiveActivity(c *gin.Context) {
	activity, err := h.archiveService.Activity(c.Request.Context())
	if err != nil {
		h.logger.Error("archive activity failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity failed"})
		return
	}

	payload := make([]gin.H, 0, len(activity))
	for _, row := range activity {
		payload = append(payload, gin.H{"year": row.Year, "count": row.Count})
	}
	c.JSON(http.StatusOK, gin.H{"years": payload})
}

func (h *httpHandler) handleCounterQuery(c *gin.Context) {
	rawPattern := c.Query("pattern")
	if rawPattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern query parameter is required"})
		return
	}
	pattern, err := regexp.Compile(rawPattern)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pattern"})
		return
	}
	descending := c.DefaultQuery("order", "desc") != "asc"

	results, err := h.counterService.Query(c.Request.Context(), func(subject string) bool {
		return pattern.MatchString(subject)
	}, descending)
	if err != nil {
		h.logger.Error("counter query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	payload := make([]gin.H, 0, len(results))
	for _, row := range results {
		payload = append(payload, gin.H{"subject": row.Subject, "value": row.Value})
	}
	c.JSON(http.StatusOK, gin.H{"counters": payload})
}

func (h *httpHandler) handleCounterPeek(c *gin.Context) {
	subject := c.Param("subject")
	value, err := h.counterService.Peek(c.Request.Context(), subject)
	if errors.Is(err, counter.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such subject"})
		return
	}
	if err != nil {
		h.logger.Error("counter peek failed", zap.String("subject", subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subject": counter.NormalizeSubject(subject), "value": value})
}
