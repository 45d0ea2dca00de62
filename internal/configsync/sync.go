// Package configsync pulls the authoritative daemon configuration from the
// web API, runs validation probes over its credentials, and produces the
// config:ack payload reported back to the gateway.
package configsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	fetchTimeout = 10 * time.Second
	probeTimeout = 5 * time.Second
)

// RemoteConfig is the authoritative config document served by the web API.
type RemoteConfig struct {
	LLMKeys     map[string]string     `json:"llmKeys,omitempty"`     // provider → api key
	OAuthTokens map[string]OAuthEntry `json:"oauthTokens,omitempty"` // provider → token
	EnvSecrets  []string              `json:"envSecrets,omitempty"`  // required env var names
	Settings    map[string]any        `json:"settings,omitempty"`
}

// OAuthEntry is one stored OAuth credential.
type OAuthEntry struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt,omitempty"` // ISO-8601 UTC
	UserinfoURL string `json:"userinfoUrl,omitempty"`
}

// Syncer fetches and validates remote config for one viber.
type Syncer struct {
	webURL  string
	viberID string
	token   string
	client  *http.Client

	// Probe endpoint overrides for tests; empty uses provider defaults.
	probeBase map[string]string
}

// NewSyncer creates a config syncer against the deployment web API.
func NewSyncer(webURL, viberID, token string) *Syncer {
	return &Syncer{
		webURL:  webURL,
		viberID: viberID,
		token:   token,
		client:  &http.Client{Timeout: fetchTimeout},
	}
}

// Fetch pulls the remote config with the 10s budget.
func (s *Syncer) Fetch(ctx context.Context) (*RemoteConfig, json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/vibers/%s/config", s.webURL, s.viberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("configsync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("configsync: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, fmt.Errorf("configsync: fetch: status %d: %s", resp.StatusCode, body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("configsync: read body: %w", err)
	}

	var cfg RemoteConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("configsync: decode: %w", err)
	}
	return &cfg, raw, nil
}

// Version computes the stable config version: the first 16 hex characters
// of SHA-256 over the canonically key-sorted JSON form of the document.
func Version(raw json.RawMessage) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("configsync: version: %w", err)
	}
	// encoding/json sorts map keys on marshal, which gives us the
	// canonical form for free.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("configsync: canonicalise: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Run performs a full pull-validate cycle and returns the version plus
// validations for the config:ack frame. An unreachable web API yields a
// failed validation with an explanatory message, never a silent skip.
func (s *Syncer) Run(ctx context.Context, lookupEnv func(string) (string, bool)) (string, []ValidationOutcome) {
	cfg, raw, err := s.Fetch(ctx)
	if err != nil {
		slog.Warn("configsync.fetch_failed", "error", err)
		return "", []ValidationOutcome{{
			Category:  "llm_keys",
			Status:    "failed",
			Message:   fmt.Sprintf("config fetch failed: %v", err),
			CheckedAt: time.Now().UTC().Format(time.RFC3339),
		}}
	}

	version, err := Version(raw)
	if err != nil {
		slog.Warn("configsync.version_failed", "error", err)
	}

	validations := s.Validate(ctx, cfg, lookupEnv)
	return version, validations
}
