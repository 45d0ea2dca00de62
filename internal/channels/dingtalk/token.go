package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultAPIBase    = "https://api.dingtalk.com"
	tokenExpiryBuffer = 5 * time.Minute
)

// tokenClient caches the DingTalk app access token, refreshing ahead of
// server expiry.
type tokenClient struct {
	apiBase   string
	appKey    string
	appSecret string
	client    *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newTokenClient(appKey, appSecret string) *tokenClient {
	return &tokenClient{
		apiBase:   defaultAPIBase,
		appKey:    appKey,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Get returns a cached token or fetches a fresh one from the OAuth2
// endpoint.
func (t *tokenClient) Get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.tokenExp) {
		return t.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appKey":    t.appKey,
		"appSecret": t.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("token response missing accessToken (status %d)", resp.StatusCode)
	}

	t.token = result.AccessToken
	t.tokenExp = time.Now().Add(time.Duration(result.ExpireIn)*time.Second - tokenExpiryBuffer)
	return t.token, nil
}

// postJSON performs one authenticated API call.
func (t *tokenClient) postJSON(ctx context.Context, path string, payload any) error {
	token, err := t.Get(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api call %s: status %d", path, resp.StatusCode)
	}
	return nil
}
