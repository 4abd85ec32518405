package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/risk"
)

type riskFieldRequest struct {
	Field string          `json:"field" binding:"required"`
	Value json.RawMessage `json:"value" binding:"required"`
}

func (s *Server) getRiskConfig(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.Risk().State())
}

func (s *Server) updateRiskField(c *gin.Context) {
	var req riskFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.UpdateRiskField(req.Field, req.Value)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) lockRisk(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.LockRisk(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// getRiskLock re-reads the persisted lock and folds it into local state.
func (s *Server) getRiskLock(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	status, err := ctrl.Risk().Load(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getRiskOptions(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st := ctrl.Risk().State()
	c.JSON(http.StatusOK, gin.H{
		"risk_percent_options": risk.RiskPercentOptions,
		"risk_percentage":      st.Config.RiskPercentage,
		"total_capital":        st.Config.TotalCapital,
		"max_risk_amount":      st.MaxRiskAmount,
		"is_locked":            st.IsLocked,
	})
}
