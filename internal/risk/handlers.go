package risk

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/abuseguard/internal/pagination"
	"github.com/mbd888/abuseguard/internal/validation"
)

// maxHistoryLimit caps GET /assessments/:identifier page size.
const maxHistoryLimit = 100

// Handler provides HTTP handlers for the abuse API.
type Handler struct {
	engine     *Engine
	classifier UserAgentClassifier
}

// NewHandler creates a new abuse API handler.
func NewHandler(engine *Engine, classifier UserAgentClassifier) *Handler {
	return &Handler{engine: engine, classifier: classifier}
}

// RegisterRoutes sets up the abuse routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/abuse/evaluate", h.Evaluate)
	r.POST("/abuse/classify-ua", h.ClassifyUserAgent)
	r.GET("/abuse/assessments/:identifier", validation.IdentifierParamMiddleware(), h.ListAssessments)
}

// Evaluate handles POST /v1/abuse/evaluate. The verdict is always returned
// with 200; callers act on isBot and confidence.
func (h *Handler) Evaluate(c *gin.Context) {
	var req Payload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("challengeToken", req.ChallengeToken, validation.MaxChallengeTokenLen),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	a := h.engine.EvaluateRequest(c.Request.Context(), RequestContext{
		ClientAddress: c.ClientIP(),
		UserAgent:     validation.SanitizeString(c.Request.UserAgent(), validation.MaxUserAgentLength),
	}, req)
	c.JSON(http.StatusOK, a)
}

// ClassifyUserAgentRequest is the body of POST /v1/abuse/classify-ua.
type ClassifyUserAgentRequest struct {
	UserAgent string `json:"userAgent"`
}

// ClassifyUserAgent handles POST /v1/abuse/classify-ua. An absent body
// field falls back to the request's own User-Agent header.
func (h *Handler) ClassifyUserAgent(c *gin.Context) {
	var req ClassifyUserAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	ua := req.UserAgent
	if ua == "" {
		ua = c.Request.UserAgent()
	}
	ua = validation.SanitizeString(ua, validation.MaxUserAgentLength)
	c.JSON(http.StatusOK, gin.H{
		"userAgent":      ua,
		"classification": h.classifier.Classify(ua),
	})
}

// ListAssessments handles GET /v1/abuse/assessments/:identifier
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	identifier := c.Param("identifier")
	list, err := h.engine.History(c.Request.Context(), identifier, before, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load assessments",
		})
		return
	}
	list, next := pagination.ComputePage(list, limit, func(a *RiskAssessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})
	resp := gin.H{
		"identifier":  identifier,
		"assessments": list,
		"count":       len(list),
		"hasMore":     next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
