package configsync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ValidationOutcome is one per-category validation entry for config:ack.
type ValidationOutcome struct {
	Category  string `json:"category"` // llm_keys, oauth, env_secrets, skills, binary_deps
	Status    string `json:"status"`   // verified, failed, unchecked
	Message   string `json:"message,omitempty"`
	CheckedAt string `json:"checkedAt"`
}

// keyProbe describes one provider's cheap authenticated endpoint.
type keyProbe struct {
	url    string
	header string // header name; "Authorization" uses Bearer form
}

// Documented no-op endpoints per provider. Each accepts a GET with the
// provider key and answers 200 when the key is live.
var providerProbes = map[string]keyProbe{
	"openrouter": {url: "https://openrouter.ai/api/v1/models", header: "Authorization"},
	"openai":     {url: "https://api.openai.com/v1/models", header: "Authorization"},
	"anthropic":  {url: "https://api.anthropic.com/v1/models", header: "x-api-key"},
	"groq":       {url: "https://api.groq.com/openai/v1/models", header: "Authorization"},
}

// Validate runs all configured probes. LLM key probes run in parallel,
// each with the 5s budget. Results are ordered by category for stable
// config:ack payloads.
func (s *Syncer) Validate(ctx context.Context, cfg *RemoteConfig, lookupEnv func(string) (string, bool)) []ValidationOutcome {
	var (
		mu  sync.Mutex
		out []ValidationOutcome
	)
	add := func(v ValidationOutcome) {
		v.CheckedAt = time.Now().UTC().Format(time.RFC3339)
		mu.Lock()
		out = append(out, v)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for provider, key := range cfg.LLMKeys {
		g.Go(func() error {
			add(s.probeLLMKey(gctx, provider, key))
			return nil
		})
	}
	for provider, entry := range cfg.OAuthTokens {
		g.Go(func() error {
			add(s.probeOAuth(gctx, provider, entry))
			return nil
		})
	}
	g.Wait()

	if len(cfg.EnvSecrets) > 0 {
		add(validateEnvSecrets(cfg.EnvSecrets, lookupEnv))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Message < out[j].Message
	})
	return out
}

func (s *Syncer) probeLLMKey(ctx context.Context, provider, key string) ValidationOutcome {
	probe, ok := providerProbes[provider]
	if !ok {
		return ValidationOutcome{
			Category: "llm_keys",
			Status:   "unchecked",
			Message:  fmt.Sprintf("%s: no probe endpoint known", provider),
		}
	}
	if base := s.probeBase[provider]; base != "" {
		probe.url = base
	}
	if key == "" {
		return ValidationOutcome{
			Category: "llm_keys",
			Status:   "failed",
			Message:  provider + ": empty key",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.url, nil)
	if err != nil {
		return ValidationOutcome{Category: "llm_keys", Status: "failed", Message: provider + ": " + err.Error()}
	}
	if probe.header == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+key)
	} else {
		req.Header.Set(probe.header, key)
	}
	if provider == "anthropic" {
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ValidationOutcome{
			Category: "llm_keys",
			Status:   "failed",
			Message:  fmt.Sprintf("%s: probe failed: %v", provider, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ValidationOutcome{Category: "llm_keys", Status: "verified", Message: provider}
	}
	return ValidationOutcome{
		Category: "llm_keys",
		Status:   "failed",
		Message:  fmt.Sprintf("%s: probe returned %d", provider, resp.StatusCode),
	}
}

func (s *Syncer) probeOAuth(ctx context.Context, provider string, entry OAuthEntry) ValidationOutcome {
	if entry.AccessToken == "" {
		return ValidationOutcome{Category: "oauth", Status: "failed", Message: provider + ": empty access token"}
	}

	if entry.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, entry.ExpiresAt)
		if err != nil {
			return ValidationOutcome{Category: "oauth", Status: "failed", Message: provider + ": bad expiry: " + err.Error()}
		}
		if time.Now().After(exp) {
			return ValidationOutcome{
				Category: "oauth",
				Status:   "failed",
				Message:  fmt.Sprintf("%s: token expired at %s", provider, entry.ExpiresAt),
			}
		}
	}

	if entry.UserinfoURL == "" {
		return ValidationOutcome{Category: "oauth", Status: "verified", Message: provider + ": not expired"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.UserinfoURL, nil)
	if err != nil {
		return ValidationOutcome{Category: "oauth", Status: "failed", Message: provider + ": " + err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+entry.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return ValidationOutcome{
			Category: "oauth",
			Status:   "failed",
			Message:  fmt.Sprintf("%s: userinfo probe failed: %v", provider, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ValidationOutcome{Category: "oauth", Status: "verified", Message: provider}
	}
	return ValidationOutcome{
		Category: "oauth",
		Status:   "failed",
		Message:  fmt.Sprintf("%s: userinfo returned %d", provider, resp.StatusCode),
	}
}

func validateEnvSecrets(names []string, lookupEnv func(string) (string, bool)) ValidationOutcome {
	var missing []string
	for _, name := range names {
		if v, ok := lookupEnv(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ValidationOutcome{
			Category: "env_secrets",
			Status:   "failed",
			Message:  "missing: " + strings.Join(missing, ", "),
		}
	}
	return ValidationOutcome{
		Category: "env_secrets",
		Status:   "verified",
		Message:  fmt.Sprintf("%d secrets present", len(names)),
	}
}
