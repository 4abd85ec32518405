package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/session"
)

type connectRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	Server      string `json:"server"`
	AccountType string `json:"account_type"`
	Remember    bool   `json:"remember"`
}

type profileRequest struct {
	Login       string          `json:"login" binding:"required"`
	Server      string          `json:"server" binding:"required"`
	AccountType string          `json:"account_type"`
	AISettings  json.RawMessage `json:"ai_settings"`
}

type hintsRequest struct {
	Remember      *bool `json:"remember"`
	AutoReconnect *bool `json:"auto_reconnect"`
}

type disconnectRequest struct {
	Forget bool `json:"forget"`
}

// statusResponse is the UI's view of the session.
type statusResponse struct {
	Connected   bool                     `json:"connected"`
	Status      session.Status           `json:"status"`
	AccountType session.AccountType      `json:"account_type"`
	Login       string                   `json:"login,omitempty"`
	Server      string                   `json:"server,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	Account     *session.AccountSnapshot `json:"account"`
	Profile     *session.StoredProfile   `json:"profile,omitempty"`
}

func newStatusResponse(st session.State) statusResponse {
	resp := statusResponse{
		Connected:   st.Connected(),
		Status:      st.Status,
		AccountType: st.AccountType,
		Login:       st.LastKnownLogin,
		Server:      st.LastKnownServer,
		LastError:   st.LastError,
		Account:     st.Account,
	}
	if st.Account != nil {
		resp.Login = st.Account.Login
		resp.Server = st.Account.Server
	}
	return resp
}

func (s *Server) connectBroker(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}

	creds := session.Credentials{
		Login:       req.Login,
		Password:    req.Password,
		Server:      req.Server,
		AccountType: session.NormalizeAccountType(req.AccountType),
	}
	if _, err := ctrl.Session().Connect(c.Request.Context(), creds, req.Remember); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(ctrl.Session().State()))
}

func (s *Server) brokerStatus(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	st, err := ctrl.Session().RefreshStatus(ctx)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	resp := newStatusResponse(st)
	if profiles := ctrl.Stores().Profiles; profiles != nil {
		if lookup, err := profiles.GetStoredProfile(ctx); err == nil && lookup.Exists {
			resp.Profile = lookup.Profile
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) brokerAccount(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Session().LoadAccount(c.Request.Context()); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(ctrl.Session().State()))
}

func (s *Server) autoConnectBroker(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	st, err := ctrl.Session().AutoReconnect(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(st))
}

func (s *Server) disconnectBroker(c *gin.Context) {
	var req disconnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.Disconnect(c.Request.Context(), req.Forget); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(ctrl.Session().State()))
}

func (s *Server) getProfile(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	profiles := ctrl.Stores().Profiles
	if profiles == nil {
		c.JSON(http.StatusOK, session.ProfileLookup{})
		return
	}
	lookup, err := profiles.GetStoredProfile(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, lookup)
}

// saveProfile stores login, server, account type and AI settings. Any
// password in the payload is ignored.
func (s *Server) saveProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	profiles := ctrl.Stores().Profiles
	if profiles == nil {
		respondError(c, http.StatusInternalServerError, "STORE_UNAVAILABLE", "profile store not configured")
		return
	}
	p := session.StoredProfile{
		Login:       req.Login,
		Server:      req.Server,
		AccountType: session.NormalizeAccountType(req.AccountType),
		AISettings:  req.AISettings,
	}
	if err := profiles.SaveStoredProfile(c.Request.Context(), p); err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	lookup, err := profiles.GetStoredProfile(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, lookup)
}

func (s *Server) deleteProfile(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	if profiles := ctrl.Stores().Profiles; profiles != nil {
		if err := profiles.DeleteStoredProfile(c.Request.Context()); err != nil {
			respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getHints(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	hints := ctrl.Stores().Hints
	if hints == nil {
		c.JSON(http.StatusOK, session.Hints{})
		return
	}
	h, err := hints.LoadHints(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) updateHints(c *gin.Context) {
	var req hintsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	hints := ctrl.Stores().Hints
	if hints == nil {
		respondError(c, http.StatusInternalServerError, "STORE_UNAVAILABLE", "hint store not configured")
		return
	}

	if req.Remember != nil {
		h, err := hints.LoadHints(ctx)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		h.Remember = *req.Remember
		if err := hints.SaveHints(ctx, h); err != nil {
			respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}
	if req.AutoReconnect != nil {
		if _, err := ctrl.SetAutoReconnect(ctx, *req.AutoReconnect); err != nil {
			respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}

	h, err := hints.LoadHints(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, h)
}
