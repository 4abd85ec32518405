package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BridgeConfig points at the HTTP bridge that fronts the desktop terminal.
type BridgeConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// BridgeTerminal drives a remote terminal through the JSON bridge API.
type BridgeTerminal struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

// NewBridgeTerminal binds a bridge client to one user.
func NewBridgeTerminal(cfg BridgeConfig, userID string) *BridgeTerminal {
	return newBridgeTerminal(cfg, userID, nil)
}

func newBridgeTerminal(cfg BridgeConfig, userID string, client *http.Client) *BridgeTerminal {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &BridgeTerminal{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		userID:     userID,
		httpClient: client,
	}
}

// BridgeFactory shares one HTTP client across every user's bridge terminal.
func BridgeFactory(cfg BridgeConfig) TerminalFactory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(userID string) (Terminal, error) {
		if cfg.BaseURL == "" {
			return nil, errors.New("broker bridge url is not configured")
		}
		return newBridgeTerminal(cfg, userID, client), nil
	}
}

type loginRequest struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

func (t *BridgeTerminal) Login(ctx context.Context, login int64, password, server string) error {
	return t.do(ctx, http.MethodPost, "/terminal/login", loginRequest{Login: login, Password: password, Server: server}, nil)
}

func (t *BridgeTerminal) Reconnect(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/terminal/connect", nil, nil)
}

func (t *BridgeTerminal) Status(ctx context.Context) (TerminalStatus, error) {
	var st TerminalStatus
	err := t.do(ctx, http.MethodGet, "/terminal/status", nil, &st)
	return st, err
}

func (t *BridgeTerminal) Account(ctx context.Context) (AccountInfo, error) {
	var info AccountInfo
	err := t.do(ctx, http.MethodGet, "/terminal/account", nil, &info)
	return info, err
}

func (t *BridgeTerminal) Logout(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/terminal/logout", nil, nil)
}

func (t *BridgeTerminal) Ping(ctx context.Context) error {
	return t.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Close releases pooled connections.
func (t *BridgeTerminal) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

func (t *BridgeTerminal) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	endpoint := t.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("X-User-ID", t.userID)

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, strings.TrimSpace(string(raw)))
	case res.StatusCode == http.StatusConflict:
		return ErrNotLoggedIn
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: bridge %s %s status %d: %s", ErrTerminalUnavailable, method, path, res.StatusCode, string(raw))
	case res.StatusCode >= 300:
		return fmt.Errorf("bridge %s %s status %d: %s", method, path, res.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode bridge %s: %w", path, err)
		}
	}
	return nil
}
