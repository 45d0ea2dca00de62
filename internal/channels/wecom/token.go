package wecom

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
	defaultAPIBase    = "https://qyapi.weixin.qq.com"
	tokenExpiryBuffer = 5 * time.Minute
)

// tokenClient caches the WeCom access token with an expiry buffer and
// refreshes on demand.
type tokenClient struct {
	apiBase string
	corpID  string
	secret  string
	client  *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newTokenClient(corpID, secret string) *tokenClient {
	return &tokenClient{
		apiBase: defaultAPIBase,
		corpID:  corpID,
		secret:  secret,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Get returns a cached token or fetches a fresh one.
func (t *tokenClient) Get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.tokenExp) {
		return t.token, nil
	}

	url := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s", t.apiBase, t.corpID, t.secret)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("token error: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}

	t.token = result.AccessToken
	t.tokenExp = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return t.token, nil
}

// postJSON performs one API call, surfacing WeCom error codes as errors.
func (t *tokenClient) postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("response decode: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}
	return nil
}
