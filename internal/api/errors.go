package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/broker"
	"tradedesk/internal/controller"
	"tradedesk/internal/risk"
	"tradedesk/internal/selection"
	"tradedesk/internal/session"
	"tradedesk/internal/strategy"
	"tradedesk/pkg/i18n"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorTable is checked in order; the first errors.Is match wins.
var errorTable = []errorMapping{
	{session.ErrMissingCredentials, http.StatusBadRequest, "MISSING_CREDENTIALS"},
	{session.ErrOperationInProgress, http.StatusConflict, "OPERATION_IN_PROGRESS"},

	{risk.ErrConfigLocked, http.StatusLocked, "CONFIG_LOCKED"},
	{risk.ErrLockInProgress, http.StatusConflict, "LOCK_IN_PROGRESS"},
	{risk.ErrNotConnected, http.StatusPreconditionFailed, "NOT_CONNECTED"},
	{risk.ErrInvalidRiskConfig, http.StatusBadRequest, "INVALID_RISK_CONFIG"},
	{risk.ErrFieldNotEditable, http.StatusBadRequest, "FIELD_NOT_EDITABLE"},
	{risk.ErrUnknownField, http.StatusBadRequest, "UNKNOWN_FIELD"},
	{risk.ErrInvalidFieldValue, http.StatusBadRequest, "INVALID_FIELD_VALUE"},

	{selection.ErrLastExecutionType, http.StatusConflict, "LAST_EXECUTION_TYPE"},
	{selection.ErrUnknownExecutionType, http.StatusBadRequest, "UNKNOWN_EXECUTION_TYPE"},
	{selection.ErrExecutionTypeNotSet, http.StatusBadRequest, "EXECUTION_TYPE_NOT_ALLOWED"},
	{selection.ErrThresholdRange, http.StatusBadRequest, "INVALID_THRESHOLD"},
	{selection.ErrWeightRange, http.StatusBadRequest, "INVALID_WEIGHT"},
	{selection.ErrUnknownWeight, http.StatusBadRequest, "UNKNOWN_WEIGHT"},
	{selection.ErrTimeframeNotAllowed, http.StatusBadRequest, "TIMEFRAME_NOT_ALLOWED"},

	{strategy.ErrUnknownTimeframe, http.StatusBadRequest, "UNKNOWN_TIMEFRAME"},
	{strategy.ErrUnknownTraderType, http.StatusBadRequest, "UNKNOWN_TRADER_TYPE"},
	{strategy.ErrUnknownStrategy, http.StatusBadRequest, "UNKNOWN_STRATEGY"},

	{broker.ErrInvalidCredentials, http.StatusServiceUnavailable, "BROKER_LOGIN_REJECTED"},
	{broker.ErrNotLoggedIn, http.StatusServiceUnavailable, "BROKER_NOT_LOGGED_IN"},
	{broker.ErrTerminalUnavailable, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE"},

	{controller.ErrNoDocumentStore, http.StatusInternalServerError, "STORE_UNAVAILABLE"},
}

// respondDomainError maps a controller error onto the HTTP contract.
func respondDomainError(c *gin.Context, err error) {
	var weights *selection.WeightSumError
	if errors.As(err, &weights) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_WEIGHTS",
			"error": i18n.M().WeightsMustSumOne,
			"sum":   weights.Sum.StringFixed(2),
		})
		return
	}
	var invalid *selection.ValidationError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":     "INVALID_SETTINGS",
			"error":    err.Error(),
			"problems": invalid.Problems,
		})
		return
	}

	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			msg := err.Error()
			if m.code == "BROKER_UNAVAILABLE" {
				msg = i18n.M().BrokerUnavailable
			}
			respondError(c, m.status, m.code, msg)
			return
		}
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}
