package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradedesk/internal/broker"
	"tradedesk/internal/controller"
	"tradedesk/internal/events"
	"tradedesk/internal/hints"
	"tradedesk/internal/monitor"
	"tradedesk/internal/profile"
	"tradedesk/internal/session"
	"tradedesk/internal/strategy"
	"tradedesk/pkg/db"
)

const testSecret = "test-secret"

type testEnv struct {
	srv   *httptest.Server
	bus   *events.Bus
	users *controller.MultiUserManager

	mu        sync.Mutex
	terminals map[string]*broker.SimTerminal
}

// terminal returns the simulated terminal behind userID.
func (e *testEnv) terminal(userID string) *broker.SimTerminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.terminals[userID]
	if !ok {
		t = broker.NewSimTerminal(broker.SimConfig{Balance: 10000, Currency: "USD"})
		e.terminals[userID] = t
	}
	return t
}

func newTestAPIServer(t *testing.T) (*testEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	env := &testEnv{bus: events.NewBus(), terminals: make(map[string]*broker.SimTerminal)}
	logger := zerolog.Nop()

	cfg := broker.DefaultPoolConfig()
	cfg.Retry = broker.RetryPolicy{
		ConnectAttempts: 2,
		ConnectInterval: time.Millisecond,
		ReadAttempts:    1,
		ReadInterval:    time.Millisecond,
	}
	cfg.FailureThreshold = 100
	pool := broker.NewPool(func(userID string) (broker.Terminal, error) {
		return env.terminal(userID), nil
	}, nil, cfg, logger)

	hintStore := hints.NewMemoryStore()
	queries := database.Queries()
	resolver := strategy.NewResolver(nil, nil)
	metrics := monitor.NewMetrics()

	env.users = controller.NewMultiUserManager(func(userID string) (session.BrokerAPI, controller.Stores, error) {
		store := profile.ForUser(queries, userID)
		return pool.For(userID), controller.Stores{
			Profiles:  store,
			Hints:     hints.ForUser(hintStore, userID),
			Locks:     store,
			Documents: store,
		}, nil
	}, controller.Deps{Resolver: resolver, Bus: env.bus, Logger: logger})

	server := NewServer(env.bus, database, env.users, resolver, metrics, testSecret, Options{
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Version:        "test",
		Logger:         logger,
	})
	env.srv = httptest.NewServer(server.Router)

	cleanup := func() {
		env.srv.Close()
		env.users.CloseAll()
		pool.Stop()
		_ = database.Close()
	}
	return env, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL, email string) (token, userID string) {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	creds := map[string]string{"email": email, "password": "StrongPass123!"}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", "", creds, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", "", creds, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	if loginResp.UserID != regResp.UserID {
		t.Fatalf("login user %q != registered %q", loginResp.UserID, regResp.UserID)
	}
	return loginResp.Token, loginResp.UserID
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	Sum   string `json:"sum"`
}

var demoConnect = map[string]any{
	"login":        "123",
	"password":     "pw-secret",
	"server":       "Broker-Demo",
	"account_type": "demo",
}

func TestHealth(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	status := doJSONRequest(t, env.srv.Client(), http.MethodGet, env.srv.URL+"/health", "", nil, &body)
	if status != http.StatusOK || body.Status != "ok" || body.Version != "test" {
		t.Fatalf("health status=%d body=%+v", status, body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	var body errorBody
	status := doJSONRequest(t, env.srv.Client(), http.MethodGet, env.srv.URL+"/api/v1/broker/status", "", nil, &body)
	if status != http.StatusUnauthorized || body.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got %d %+v", status, body)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	registerAndLogin(t, client, env.srv.URL, "a@example.com")

	var body errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "WrongPass123!",
	}, &body)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %+v", status, body)
	}
}

func TestConnectThenStatus(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var connected statusResponse
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, demoConnect, &connected)
	if status != http.StatusOK {
		t.Fatalf("connect status=%d", status)
	}
	if !connected.Connected || connected.Login != "123" || connected.Server != "Broker-Demo" {
		t.Fatalf("unexpected connect response %+v", connected)
	}
	if connected.AccountType != session.AccountDemo {
		t.Fatalf("expected demo account, got %q", connected.AccountType)
	}

	var st statusResponse
	status = doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/v1/broker/status", token, nil, &st)
	if status != http.StatusOK || !st.Connected || st.Account == nil || st.Account.Balance != 10000 {
		t.Fatalf("status=%d body=%+v", status, st)
	}

	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/disconnect", token, nil, &st)
	if status != http.StatusOK || st.Connected || st.Status != session.StatusIdle {
		t.Fatalf("disconnect status=%d body=%+v", status, st)
	}
}

func TestConnectMissingPassword(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var body errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, map[string]string{
		"login": "123", "server": "Broker-Demo",
	}, &body)
	if status != http.StatusBadRequest || body.Code != "MISSING_CREDENTIALS" {
		t.Fatalf("expected 400 MISSING_CREDENTIALS, got %d %+v", status, body)
	}
}

func TestConnectWhenBrokerDown(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, userID := registerAndLogin(t, client, env.srv.URL, "trader@example.com")
	env.terminal(userID).SetDown(true)

	var body errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, demoConnect, &body)
	if status != http.StatusServiceUnavailable || body.Code != "BROKER_UNAVAILABLE" {
		t.Fatalf("expected 503 BROKER_UNAVAILABLE, got %d %+v", status, body)
	}
}

func TestLockRequiresConnection(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var body errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/risk/lock", token, nil, &body)
	if status != http.StatusPreconditionFailed || body.Code != "NOT_CONNECTED" {
		t.Fatalf("expected 412 NOT_CONNECTED, got %d %+v", status, body)
	}
}

func TestLockThenEditIsRejected(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	if status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, demoConnect, nil); status != http.StatusOK {
		t.Fatalf("connect status=%d", status)
	}

	var locked struct {
		IsLocked bool `json:"is_locked"`
		Config   struct {
			TotalCapital float64 `json:"total_capital"`
		} `json:"config"`
		Snapshot *struct {
			Login string `json:"login"`
		} `json:"mt5_snapshot"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/risk/lock", token, nil, &locked)
	if status != http.StatusOK || !locked.IsLocked {
		t.Fatalf("lock status=%d body=%+v", status, locked)
	}
	if locked.Config.TotalCapital != 10000 || locked.Snapshot == nil || locked.Snapshot.Login != "123" {
		t.Fatalf("unexpected lock body %+v", locked)
	}

	var body errorBody
	status = doJSONRequest(t, client, http.MethodPatch, env.srv.URL+"/api/v1/risk/config", token, map[string]any{
		"field": "risk_percentage", "value": 2,
	}, &body)
	if status != http.StatusLocked || body.Code != "CONFIG_LOCKED" {
		t.Fatalf("expected 423 CONFIG_LOCKED, got %d %+v", status, body)
	}

	// Locking again is a no-op success.
	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/risk/lock", token, nil, &locked)
	if status != http.StatusOK || !locked.IsLocked {
		t.Fatalf("relock status=%d body=%+v", status, locked)
	}
}

func TestRiskFieldEdit(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var st struct {
		Config struct {
			RiskPercentage float64 `json:"risk_percentage"`
		} `json:"config"`
	}
	status := doJSONRequest(t, client, http.MethodPatch, env.srv.URL+"/api/v1/risk/config", token, map[string]any{
		"field": "risk_percentage", "value": 3,
	}, &st)
	if status != http.StatusOK || st.Config.RiskPercentage != 3 {
		t.Fatalf("edit status=%d body=%+v", status, st)
	}

	var body errorBody
	status = doJSONRequest(t, client, http.MethodPatch, env.srv.URL+"/api/v1/risk/config", token, map[string]any{
		"field": "total_capital", "value": 5,
	}, &body)
	if status != http.StatusBadRequest || body.Code != "FIELD_NOT_EDITABLE" {
		t.Fatalf("expected 400 FIELD_NOT_EDITABLE, got %d %+v", status, body)
	}
}

func TestSaveRejectsInvalidWeights(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var settings settingsResponse
	status := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/v1/settings/weights", token, map[string]any{
		"name": "elliott_wave", "value": 0.9,
	}, &settings)
	if status != http.StatusOK || settings.WeightsValid {
		t.Fatalf("weights status=%d body=%+v", status, settings)
	}

	var body errorBody
	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/settings/save", token, nil, &body)
	if status != http.StatusBadRequest || body.Code != "INVALID_WEIGHTS" || body.Sum == "" {
		t.Fatalf("expected 400 INVALID_WEIGHTS, got %d %+v", status, body)
	}
}

func TestSaveWritesDocument(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, userID := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	if status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, demoConnect, nil); status != http.StatusOK {
		t.Fatalf("connect status=%d", status)
	}

	var doc controller.Document
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/settings/save", token, nil, &doc)
	if status != http.StatusOK {
		t.Fatalf("save status=%d", status)
	}
	if doc.UserID != userID || doc.Login != "123" || doc.Server != "Broker-Demo" {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestToggleLastExecutionTypeConflicts(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var body errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/settings/execution-types/market/toggle", token, nil, &body)
	if status != http.StatusConflict || body.Code != "LAST_EXECUTION_TYPE" {
		t.Fatalf("expected 409 LAST_EXECUTION_TYPE, got %d %+v", status, body)
	}

	var settings settingsResponse
	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/settings/execution-types/limit/toggle", token, nil, &settings)
	if status != http.StatusOK || len(settings.AllowedExecutionTypes) != 2 {
		t.Fatalf("toggle limit status=%d body=%+v", status, settings)
	}
}

func TestTraderTypeKeepsTimeframeInCombinedSet(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var settings settingsResponse
	status := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/v1/settings/trader-type", token, map[string]string{
		"trader_type": "scalping",
	}, &settings)
	if status != http.StatusOK {
		t.Fatalf("trader type status=%d", status)
	}
	if !strategy.Contains(settings.CombinedTimeframes, settings.AnalysisTimeframe) {
		t.Fatalf("timeframe %q not in %v", settings.AnalysisTimeframe, settings.CombinedTimeframes)
	}

	var body errorBody
	status = doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/v1/settings/trader-type", token, map[string]string{
		"trader_type": "astrology",
	}, &body)
	if status != http.StatusBadRequest || body.Code != "UNKNOWN_TRADER_TYPE" {
		t.Fatalf("expected 400 UNKNOWN_TRADER_TYPE, got %d %+v", status, body)
	}
}

func TestCatalogCombined(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var body struct {
		Combined []strategy.Timeframe `json:"combined"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/v1/catalog?trader=day_trading&strategy=swing_trading", token, nil, &body)
	if status != http.StatusOK {
		t.Fatalf("catalog status=%d", status)
	}
	want := []strategy.Timeframe{strategy.M15, strategy.M30, strategy.H1, strategy.H4, strategy.D1}
	if len(body.Combined) != len(want) {
		t.Fatalf("combined=%v want %v", body.Combined, want)
	}
	for i := range want {
		if body.Combined[i] != want[i] {
			t.Fatalf("combined=%v want %v", body.Combined, want)
		}
	}
}

func TestProfileNeverStoresPassword(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	payload := map[string]any{
		"login": "123", "password": "pw-secret", "server": "Broker-Demo", "remember": true,
	}
	if status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, payload, nil); status != http.StatusOK {
		t.Fatalf("connect status=%d", status)
	}

	// Remembering runs in the background.
	deadline := time.Now().Add(2 * time.Second)
	var raw []byte
	for {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/broker/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("get profile: %v", err)
		}
		raw, _ = io.ReadAll(resp.Body)
		resp.Body.Close()

		var lookup session.ProfileLookup
		if err := json.Unmarshal(raw, &lookup); err != nil {
			t.Fatalf("decode profile: %v", err)
		}
		if lookup.Exists {
			if lookup.Profile.Login != "123" || lookup.Profile.Server != "Broker-Demo" {
				t.Fatalf("unexpected profile %+v", lookup.Profile)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("profile was never remembered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if strings.Contains(string(raw), "pw-secret") {
		t.Fatalf("profile leaked the password: %s", raw)
	}
}

func TestHintsUpdate(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, _ := registerAndLogin(t, client, env.srv.URL, "trader@example.com")

	var h session.Hints
	status := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/v1/broker/hints", token, map[string]bool{
		"remember": true, "auto_reconnect": true,
	}, &h)
	if status != http.StatusOK || !h.Remember || !h.AutoReconnect {
		t.Fatalf("hints status=%d body=%+v", status, h)
	}
}

func TestWebsocketStreamsOwnEvents(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()
	client := env.srv.Client()
	token, userID := registerAndLogin(t, client, env.srv.URL, "trader@example.com")
	otherToken, _ := registerAndLogin(t, client, env.srv.URL, "other@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers(events.EventConfigSaved) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("socket never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The other user's traffic must not reach this socket.
	if status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", otherToken, demoConnect, nil); status != http.StatusOK {
		t.Fatalf("other connect status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/v1/broker/connect", token, demoConnect, nil); status != http.StatusOK {
		t.Fatalf("connect status=%d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env0 events.Envelope
	if err := conn.ReadJSON(&env0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env0.UserID != userID {
		t.Fatalf("received event for %q, want %q", env0.UserID, userID)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.DialContext(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}
