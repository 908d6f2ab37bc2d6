package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"autotrader/internal/auth"
	"autotrader/internal/conditional"
	"autotrader/internal/database"
)

// errorResponse sends a JSON error
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": true, "message": message})
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *database.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "field": verr.Field, "message": verr.Message})
	case errors.Is(err, database.ErrInvalid):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrConflict), errors.Is(err, conditional.ErrNotCancellable):
		errorResponse(c, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Str("user_id", auth.GetUserID(c)).Msg("Request failed")
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

// bind decodes the JSON body, answering 400 on failure
func bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ============================================================================
// Conditional orders
// ============================================================================

func (s *Server) handleCreateConditionalOrder(c *gin.Context) {
	var o database.ConditionalOrder
	if !bind(c, &o) {
		return
	}
	created, err := s.engine.CreateConditionalOrder(c.Request.Context(), auth.GetUserID(c), &o)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListConditionalOrders(c *gin.Context) {
	var statuses []database.ConditionalStatus
	for _, st := range splitList(c.Query("status")) {
		statuses = append(statuses, database.ConditionalStatus(strings.ToLower(st)))
	}
	orders, err := s.engine.ListConditionalOrders(c.Request.Context(), auth.GetUserID(c), statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handleCancelConditionalOrder(c *gin.Context) {
	o, err := s.engine.CancelConditionalOrder(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ============================================================================
// Rules
// ============================================================================

func (s *Server) handleCreateRule(c *gin.Context) {
	var r database.TradingRule
	if !bind(c, &r) {
		return
	}
	created, err := s.engine.CreateRule(c.Request.Context(), auth.GetUserID(c), &r)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.engine.ListRules(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	var r database.TradingRule
	if !bind(c, &r) {
		return
	}
	r.ID = c.Param("id")
	updated, err := s.engine.UpdateRule(c.Request.Context(), auth.GetUserID(c), &r)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	if err := s.engine.DeleteRule(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleToggleRule(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Enabled == nil {
		s.writeError(c, database.Invalid("enabled", "is required"))
		return
	}
	r, err := s.engine.ToggleRule(c.Request.Context(), auth.GetUserID(c), c.Param("id"), *req.Enabled)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ============================================================================
// Bots
// ============================================================================

func (s *Server) handleCreateBot(c *gin.Context) {
	var b database.Bot
	if !bind(c, &b) {
		return
	}
	created, err := s.engine.CreateBot(c.Request.Context(), auth.GetUserID(c), &b)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.engine.ListBots(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots, "count": len(bots)})
}

func (s *Server) handleStartBot(c *gin.Context) {
	b, err := s.engine.StartBot(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleStopBot(c *gin.Context) {
	b, err := s.engine.StopBot(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	if err := s.engine.DeleteBot(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// Auto-trading
// ============================================================================

func (s *Server) handleGetAutoTrading(c *gin.Context) {
	st, err := s.engine.GetAutoTradingState(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStartAutoTrading(c *gin.Context) {
	st, err := s.engine.StartAutoTrading(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStopAutoTrading(c *gin.Context) {
	st, err := s.engine.StopAutoTrading(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleResumeAutoTrading(c *gin.Context) {
	st, err := s.engine.ResumeAutoTrading(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleUpdateAutoTradingConfig(c *gin.Context) {
	var cfg database.AutoTradingConfig
	if !bind(c, &cfg) {
		return
	}
	st, err := s.engine.UpdateAutoTradingConfig(c.Request.Context(), auth.GetUserID(c), cfg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ============================================================================
// Reads
// ============================================================================

func (s *Server) handleGetTradeHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(c, database.Invalid("limit", "must be an integer"))
			return
		}
		limit = n
	}
	trades, err := s.engine.GetTradeHistory(c.Request.Context(), auth.GetUserID(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleGetSignals(c *gin.Context) {
	var symbols []string
	for _, sym := range splitList(c.Query("symbols")) {
		symbols = append(symbols, strings.ToUpper(sym))
	}
	signals, err := s.engine.GetSignals(c.Request.Context(), symbols)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
