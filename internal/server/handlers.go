package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/invalidator"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/safeguard"
	"github.com/rickgao/tradesync/internal/store"
	"github.com/rickgao/tradesync/internal/version"
)

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) getHealth(c *gin.Context) {
	st := s.deps.Conn.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"connection": st.State,
		"message":    st.Message,
		"version":    version.String(),
	})
}

type stateResponse struct {
	Connection    any                    `json:"connection"`
	TradingMode   model.TradingMode      `json:"trading_mode"`
	SessionTimer  string                 `json:"session_timer,omitempty"`
	Subscriptions []string               `json:"subscriptions"`
	Stale         []store.Tag            `json:"stale,omitempty"`
	Quotes        []model.Quote          `json:"quotes"`
	Orders        []model.OrderUpdate    `json:"orders"`
	Positions     []model.PositionUpdate `json:"positions"`
	Portfolio     *model.PortfolioUpdate `json:"portfolio,omitempty"`
}

func (s *Server) getState(c *gin.Context) {
	tm := s.deps.Modes.Snapshot()
	st := s.deps.Store

	resp := stateResponse{
		Connection:    s.deps.Conn.Status(),
		TradingMode:   tm,
		SessionTimer:  s.deps.Modes.Timer().Render(),
		Subscriptions: st.Subscriptions(),
		Stale:         st.Stale(),
		Quotes:        st.Quotes(),
		Orders:        st.Orders(tm.Active),
		Positions:     st.Positions(tm.Active),
	}
	if p, ok := st.Portfolio(tm.Active); ok {
		resp.Portfolio = &p
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getQuote(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	if q, ok := s.deps.Store.Quote(symbol); ok {
		if s.deps.Reactions != nil {
			s.deps.Reactions.Observe(c.Request.Context(), invalidator.QuoteRequested{Symbol: symbol})
		}
		c.JSON(http.StatusOK, q)
		return
	}

	if err := s.deps.Actions.Handle(c.Request.Context(), invalidator.QuoteRequested{Symbol: symbol}); err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	q, ok := s.deps.Store.Quote(symbol)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no quote for " + symbol})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) postConnect(c *gin.Context) {
	if err := s.deps.Conn.Connect(c.Request.Context()); err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Conn.Status())
}

func (s *Server) postDisconnect(c *gin.Context) {
	if err := s.deps.Conn.Disconnect(); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Conn.Status())
}

func (s *Server) postLogout(c *gin.Context) {
	if err := s.deps.Conn.Disconnect(); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Subscriptions != nil {
		s.deps.Subscriptions.Reset()
		if err := s.deps.Modes.EnsureChannels(c.Request.Context()); err != nil {
			s.logger.Warn("re-subscribing mode channels after logout failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, s.deps.Conn.Status())
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) postMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	next, err := model.ParseMode(req.Mode)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	err = s.deps.Modes.SwitchMode(c.Request.Context(), next)
	var partial *mode.ResubscribeError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.deps.Modes.Snapshot())
	case errors.As(err, &partial):
		// The switch stands; the stream is missing some channels.
		c.JSON(http.StatusOK, gin.H{
			"trading_mode": s.deps.Modes.Snapshot(),
			"warning":      err.Error(),
		})
	case errors.Is(err, mode.ErrModeBlocked):
		abort(c, http.StatusConflict, err)
	case errors.Is(err, mode.ErrInvalidMode):
		abort(c, http.StatusBadRequest, err)
	default:
		abort(c, http.StatusInternalServerError, err)
	}
}

type navigateRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) postNavigate(c *gin.Context) {
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Actions.Handle(c.Request.Context(), invalidator.Navigated{Path: req.Path}); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	symbol, _ := invalidator.SymbolFromPath(req.Path)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol})
}

type orderRequest struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Side        string          `json:"side" binding:"required,oneof=buy sell"`
	OrderType   string          `json:"order_type" binding:"required,oneof=market limit"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
}

func (s *Server) postOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !req.Quantity.IsPositive() {
		abort(c, http.StatusBadRequest, errors.New("quantity must be > 0"))
		return
	}

	ticket := safeguard.OrderTicket{
		Symbol:    strings.ToUpper(req.Symbol),
		Side:      req.Side,
		OrderType: req.OrderType,
		Quantity:  req.Quantity,
		Price:     req.Price,
	}
	active := s.deps.Modes.Active()
	desc := req.Description
	if desc == "" {
		desc = req.Side + " " + ticket.Quantity.String() + " " + ticket.Symbol
	}

	res, err := s.deps.Gate.Submit(c.Request.Context(), safeguard.Action{
		Kind:        safeguard.KindOrder,
		Description: desc,
		Order:       &ticket,
		Execute:     s.placeOrder(ticket, active),
	})
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	if res.Pending != nil {
		c.JSON(http.StatusAccepted, res.Pending)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"executed": true})
}

// placeOrder is the gate's execute callback for one ticket. A successful
// placement is reported to the action chain as an executed trade.
func (s *Server) placeOrder(t safeguard.OrderTicket, m model.Mode) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req := api.OrderRequest{
			Symbol:       t.Symbol,
			Side:         t.Side,
			OrderType:    t.OrderType,
			Quantity:     t.Quantity,
			PaperTrading: m.IsPaper(),
		}
		if t.OrderType == "limit" {
			price := t.Price
			req.LimitPrice = &price
		}
		if _, err := s.deps.Orders.PlaceOrder(ctx, req); err != nil {
			return err
		}
		return s.deps.Actions.Handle(ctx, invalidator.TradeExecuted{Symbol: t.Symbol, Mode: m})
	}
}

func (s *Server) getPending(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Gate.PendingActions())
}

func pendingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return uuid.UUID{}, false
	}
	return id, true
}

func gateStatus(err error) int {
	var ae *safeguard.ActionError
	switch {
	case errors.Is(err, safeguard.ErrNotPending):
		return http.StatusNotFound
	case errors.Is(err, safeguard.ErrNotAcknowledged), errors.Is(err, safeguard.ErrInProgress),
		errors.Is(err, safeguard.ErrModeChanged):
		return http.StatusConflict
	case errors.As(err, &ae):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

type ackRequest struct {
	Ack   safeguard.Acknowledgement `json:"ack" binding:"required"`
	Given *bool                     `json:"given"`
}

func (s *Server) postAck(c *gin.Context) {
	id, ok := pendingID(c)
	if !ok {
		return
	}
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	given := req.Given == nil || *req.Given

	p, err := s.deps.Gate.Acknowledge(id, req.Ack, given)
	if err != nil {
		abort(c, gateStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": p, "can_execute": p.CanExecute()})
}

func (s *Server) postConfirm(c *gin.Context) {
	id, ok := pendingID(c)
	if !ok {
		return
	}
	if err := s.deps.Gate.Confirm(c.Request.Context(), id); err != nil {
		resp := gin.H{"error": err.Error()}
		if p, ok := s.deps.Gate.Get(id); ok {
			resp["pending"] = p
		}
		c.AbortWithStatusJSON(gateStatus(err), resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": true})
}

func (s *Server) deleteOrder(c *gin.Context) {
	id, ok := pendingID(c)
	if !ok {
		return
	}
	if err := s.deps.Gate.Cancel(id); err != nil {
		abort(c, gateStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}
