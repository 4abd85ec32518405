package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/selection"
	"tradedesk/internal/strategy"
)

type traderTypeRequest struct {
	TraderType string `json:"trader_type" binding:"required"`
}

type strategyRequest struct {
	TradingStrategy string `json:"trading_strategy" binding:"required"`
}

type timeframeRequest struct {
	Timeframe string `json:"timeframe" binding:"required"`
}

type thresholdRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

// weightsRequest edits one weight when Name is set, otherwise all four.
type weightsRequest struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	selection.Weights
}

type executionDefaultRequest struct {
	ExecutionType string `json:"execution_type" binding:"required"`
}

// settingsResponse adds the live weight check to the settings so the UI can
// flag the sum before save.
type settingsResponse struct {
	selection.Settings
	WeightsValid bool   `json:"weights_valid"`
	WeightsSum   string `json:"weights_sum"`
}

func newSettingsResponse(st selection.Settings) settingsResponse {
	return settingsResponse{
		Settings:     st,
		WeightsValid: st.Weights.Valid(),
		WeightsSum:   st.Weights.Sum().StringFixed(2),
	}
}

func (s *Server) getSettings(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

func (s *Server) setTraderType(c *gin.Context) {
	var req traderTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	tt, err := s.Resolver.Catalog().ParseTraderType(req.TraderType)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.Selection().SetTraderType(tt)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(st))
}

func (s *Server) setStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ts, err := s.Resolver.Catalog().ParseStrategy(req.TradingStrategy)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.Selection().SetStrategy(ts)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(st))
}

func (s *Server) setTimeframe(c *gin.Context) {
	var req timeframeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	tf, err := strategy.ParseTimeframe(req.Timeframe)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Selection().SetAnalysisTimeframe(tf); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

func (s *Server) setThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Selection().SetConfluenceThreshold(*req.Value); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

// setWeights stores the weights without checking the sum; the sum is only
// enforced by validate and save.
func (s *Server) setWeights(c *gin.Context) {
	var req weightsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}

	var err error
	if req.Name != "" {
		if req.Value == nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "value is required with name")
			return
		}
		err = ctrl.Selection().SetWeight(req.Name, *req.Value)
	} else {
		err = ctrl.Selection().SetWeights(req.Weights)
	}
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

func (s *Server) toggleExecutionType(c *gin.Context) {
	et, err := selection.ParseExecutionType(c.Param("type"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.Selection().ToggleExecutionType(et)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(st))
}

func (s *Server) setDefaultExecutionType(c *gin.Context) {
	var req executionDefaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	et, err := selection.ParseExecutionType(req.ExecutionType)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Selection().SetDefaultExecutionType(et); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

func (s *Server) setAIExtras(c *gin.Context) {
	var req selection.Extras
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	ctrl.Selection().SetExtras(req)
	c.JSON(http.StatusOK, newSettingsResponse(ctrl.Selection().Settings()))
}

func (s *Server) validateSettings(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Selection().Validate(); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) saveSettings(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	doc, err := ctrl.SaveConfiguration(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// getCatalog lists the catalog; with both trader and strategy query
// parameters it also returns their combined timeframe set.
func (s *Server) getCatalog(c *gin.Context) {
	cat := s.Resolver.Catalog()
	resp := gin.H{
		"trader_types": cat.TraderTypes,
		"strategies":   cat.Strategies,
		"timeframes":   strategy.AllTimeframes(),
	}

	trader, strat := c.Query("trader"), c.Query("strategy")
	if trader != "" && strat != "" {
		tt, err := cat.ParseTraderType(trader)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		ts, err := cat.ParseStrategy(strat)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		combined, err := s.Resolver.Combined(tt, ts)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		resp["combined"] = combined
	}
	c.JSON(http.StatusOK, resp)
}
