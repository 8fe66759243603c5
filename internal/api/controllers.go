package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"signal-engine/internal/engine"
	"signal-engine/internal/indicators"
	"signal-engine/internal/risk"
	"signal-engine/internal/strategy"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/i18n"
)

type strategyPayload struct {
	Type   string             `json:"type" binding:"required,min=1"`
	Symbol string             `json:"symbol" binding:"required,min=1"`
	Size   float64            `json:"size" binding:"gt=0"`
	Params map[string]float64 `json:"params"`
}

func (p strategyPayload) config() strategy.InstanceConfig {
	return strategy.InstanceConfig{
		Type:   p.Type,
		Symbol: strings.ToUpper(p.Symbol),
		Size:   p.Size,
		Params: p.Params,
	}
}

type startSessionRequest struct {
	Mode       string            `json:"mode"`
	Symbols    []string          `json:"symbols" binding:"required,min=1"`
	Strategies []strategyPayload `json:"strategies" binding:"omitempty,dive"`
}

type historyQuery struct {
	Limit int `form:"limit"`
}

func (q *historyQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type riskLimitsRequest struct {
	MinOrderNotional    float64 `json:"min_order_notional" binding:"gte=0"`
	MaxOrderNotional    float64 `json:"max_order_notional" binding:"gte=0"`
	MaxPositionNotional float64 `json:"max_position_notional" binding:"gte=0"`
	MaxTotalNotional    float64 `json:"max_total_notional" binding:"gte=0"`
	MaxOpenPositions    int     `json:"max_open_positions" binding:"gte=0"`
	MaxDailyLoss        float64 `json:"max_daily_loss" binding:"gte=0"`
	MaxDailyTrades      int     `json:"max_daily_trades" binding:"gte=0"`
	MarginRatioFloor    float64 `json:"margin_ratio_floor" binding:"gte=0"`
	StopLossPct         float64 `json:"stop_loss_pct" binding:"gte=0"`
	TakeProfitPct       float64 `json:"take_profit_pct" binding:"gte=0"`
	Trailing            bool    `json:"trailing"`
	TrailingPct         float64 `json:"trailing_pct" binding:"gte=0"`
}

func (r riskLimitsRequest) limits() risk.Limits {
	return risk.Limits{
		MinOrderNotional:    r.MinOrderNotional,
		MaxOrderNotional:    r.MaxOrderNotional,
		MaxPositionNotional: r.MaxPositionNotional,
		MaxTotalNotional:    r.MaxTotalNotional,
		MaxOpenPositions:    r.MaxOpenPositions,
		MaxDailyLoss:        r.MaxDailyLoss,
		MaxDailyTrades:      r.MaxDailyTrades,
		MarginRatioFloor:    r.MarginRatioFloor,
		StopLossPct:         r.StopLossPct,
		TakeProfitPct:       r.TakeProfitPct,
		Trailing:            r.Trailing,
		TrailingPct:         r.TrailingPct,
	}
}

// respondError translates an engine error into the wire envelope. The
// code carries the symbolic name clients branch on; message carries the
// operator-language text for the active locale.
func respondError(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	body := gin.H{
		"code":  code.String(),
		"error": err.Error(),
	}
	if msg := i18n.ErrorMessage(code.String()); msg != "" {
		body["message"] = msg
	}
	c.AbortWithStatusJSON(httpStatus(code), body)
}

func httpStatus(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.CodeValidation, apperrors.CodeInvalidSessionType,
		apperrors.CodeMissingStrategyConfig, apperrors.CodeInvalidSymbol:
		return http.StatusBadRequest
	case apperrors.CodeNotFound, apperrors.CodeSessionNotFound:
		return http.StatusNotFound
	case apperrors.CodeSessionConflict, apperrors.CodeInvalidTransition:
		return http.StatusConflict
	case apperrors.CodeStrategyActivationFailed:
		return http.StatusUnprocessableEntity
	case apperrors.CodeResourceUnavailable, apperrors.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":    "validation_error",
		"error":   msg,
		"message": i18n.ErrorMessage("validation_error"),
	})
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "unauthorized",
		"error":   msg,
		"message": i18n.ErrorMessage("unauthorized"),
	})
}

// instanceID rebuilds the full instance identity from the route. IDs
// embed the session prefix, so routes carry the suffix only.
func instanceID(c *gin.Context) string {
	return c.Param("id") + "/" + c.Param("sid")
}

// --- Session lifecycle ---

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "symbols are required; strategies need type, symbol and size > 0")
		return
	}
	start := engine.StartRequest{
		Mode:    req.Mode,
		Symbols: make([]string, 0, len(req.Symbols)),
	}
	for _, sym := range req.Symbols {
		start.Symbols = append(start.Symbols, strings.ToUpper(strings.TrimSpace(sym)))
	}
	for _, p := range req.Strategies {
		start.Strategies = append(start.Strategies, p.config())
	}

	id, err := s.eng.StartSession(c.Request.Context(), start)
	if err != nil {
		respondError(c, err)
		return
	}
	status, err := s.eng.SessionStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := s.eng.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) sessionStatus(c *gin.Context) {
	status, err := s.eng.SessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) stopSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.eng.StopSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "stopped"})
}

func (s *Server) pauseSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.eng.PauseSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "paused"})
}

func (s *Server) resumeSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.eng.ResumeSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "running"})
}

// --- Strategy control ---

func (s *Server) activateStrategy(c *gin.Context) {
	var p strategyPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "strategy needs type, symbol and size > 0")
		return
	}
	id, err := s.eng.ActivateStrategy(c.Request.Context(), c.Param("id"), p.config())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance_id": id})
}

func (s *Server) deactivateStrategy(c *gin.Context) {
	id := instanceID(c)
	if err := s.eng.DeactivateStrategy(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "state": "deactivated"})
}

func (s *Server) resetStrategy(c *gin.Context) {
	id := instanceID(c)
	if err := s.eng.ResetStrategy(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "state": "reset"})
}

// --- History ---

func (s *Server) sessionOrders(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	q.normalize()
	rows, err := s.eng.OrdersBySession(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows, "count": len(rows)})
}

func (s *Server) sessionSignals(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	q.normalize()
	rows, err := s.eng.SignalsBySession(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": rows, "count": len(rows)})
}

func (s *Server) sessionFills(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	q.normalize()
	rows, err := s.eng.FillsBySession(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": rows, "count": len(rows)})
}

// --- Market and indicators ---

// indicatorValue reads one variant on demand. Numeric query parameters
// become the variant parameter set; "window" is reserved for the
// evaluation window and never reaches the parameter map.
func (s *Server) indicatorValue(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	kind := indicators.Kind(strings.ToLower(c.Param("kind")))

	window := 0
	params := map[string]float64{}
	for key, vals := range c.Request.URL.Query() {
		if len(vals) == 0 || vals[0] == "" {
			continue
		}
		if key == "window" {
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				badRequest(c, "window must be a non-negative integer")
				return
			}
			window = n
			continue
		}
		f, err := strconv.ParseFloat(vals[0], 64)
		if err != nil {
			badRequest(c, fmt.Sprintf("parameter %q must be numeric", key))
			return
		}
		params[key] = f
	}

	variant := indicators.Variant{Symbol: symbol, Kind: kind, Params: params}
	val, err := s.eng.IndicatorValue(c.Request.Context(), variant, window)
	if err != nil {
		respondError(c, err)
		return
	}
	if val.IsNone() {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "kind": kind, "ready": false})
		return
	}
	iv := val.Unwrap()
	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"kind":       kind,
		"ready":      true,
		"value":      iv.Value,
		"components": iv.Components,
		"at":         iv.At,
		"samples":    iv.Samples,
	})
}

func (s *Server) lastPrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	price, ok := s.eng.LastPrice(c.Request.Context(), symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not_found",
			"error":   fmt.Sprintf("no price observed for %s", symbol),
			"message": i18n.ErrorMessage("not_found"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price})
}

func (s *Server) positions(c *gin.Context) {
	views := s.eng.Positions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"positions": views, "count": len(views)})
}

// --- Risk and accounting ---

func (s *Server) riskStatus(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"limits":  s.eng.RiskLimits(ctx),
		"metrics": s.eng.RiskMetrics(ctx),
	})
}

func (s *Server) updateRiskLimits(c *gin.Context) {
	var req riskLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "risk limits must be non-negative numbers")
		return
	}
	ctx := c.Request.Context()
	if err := s.eng.UpdateRiskLimits(ctx, req.limits()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": s.eng.RiskLimits(ctx)})
}

func (s *Server) balance(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Balance(c.Request.Context()))
}

// --- System ---

func (s *Server) resources(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.ResourceUsage(c.Request.Context()))
}

func (s *Server) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.SystemStatus(c.Request.Context()))
}
