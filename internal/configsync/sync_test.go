package configsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVersion_StableUnderKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":1,"nested":{"y":true,"x":false}}`)
	b := json.RawMessage(`{"nested":{"x":false,"y":true},"a":1,"b":2}`)

	va, err := Version(a)
	if err != nil {
		t.Fatalf("Version(a): %v", err)
	}
	vb, err := Version(b)
	if err != nil {
		t.Fatalf("Version(b): %v", err)
	}
	if va != vb {
		t.Errorf("versions differ for same document: %s vs %s", va, vb)
	}
	if len(va) != 16 {
		t.Errorf("version length %d, want 16 hex chars", len(va))
	}
	for _, c := range va {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("version %q contains non-hex char %q", va, c)
		}
	}
}

func TestVersion_ChangesWithContent(t *testing.T) {
	v1, _ := Version(json.RawMessage(`{"a":1}`))
	v2, _ := Version(json.RawMessage(`{"a":2}`))
	if v1 == v2 {
		t.Error("different documents must hash differently")
	}
}

func TestFetch_AuthAndPath(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"llmKeys":{"openrouter":"sk-x"}}`))
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL, "viber-1", "secret-token")
	cfg, raw, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/api/vibers/viber-1/config" {
		t.Errorf("path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth %q", gotAuth)
	}
	if cfg.LLMKeys["openrouter"] != "sk-x" {
		t.Errorf("config not decoded: %+v", cfg)
	}
	if len(raw) == 0 {
		t.Error("raw body must be returned for versioning")
	}
}

func TestRun_UnreachableAPIReportsFailure(t *testing.T) {
	s := NewSyncer("http://127.0.0.1:1", "viber-1", "t")
	version, validations := s.Run(context.Background(), func(string) (string, bool) { return "", false })
	if version != "" {
		t.Errorf("version %q, want empty on fetch failure", version)
	}
	if len(validations) != 1 || validations[0].Status != "failed" {
		t.Fatalf("want single failed validation, got %+v", validations)
	}
	if !strings.Contains(validations[0].Message, "config fetch failed") {
		t.Errorf("message %q lacks explanation", validations[0].Message)
	}
	if _, err := time.Parse(time.RFC3339, validations[0].CheckedAt); err != nil {
		t.Errorf("checkedAt %q not stamped: %v", validations[0].CheckedAt, err)
	}
}

func TestProbeLLMKey_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	s := NewSyncer("http://unused", "v", "t")
	s.probeBase = map[string]string{"openrouter": srv.URL}

	t.Run("bad key", func(t *testing.T) {
		out := s.probeLLMKey(context.Background(), "openrouter", "bad")
		if out.Status != "failed" {
			t.Errorf("status %q, want failed", out.Status)
		}
		if !strings.Contains(out.Message, "401") {
			t.Errorf("message %q must mention 401", out.Message)
		}
	})

	t.Run("good key", func(t *testing.T) {
		out := s.probeLLMKey(context.Background(), "openrouter", "good")
		if out.Status != "verified" {
			t.Errorf("status %q, want verified: %s", out.Status, out.Message)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		out := s.probeLLMKey(context.Background(), "mystery", "k")
		if out.Status != "unchecked" {
			t.Errorf("status %q, want unchecked", out.Status)
		}
	})
}

func TestProbeOAuth_Expiry(t *testing.T) {
	s := NewSyncer("http://unused", "v", "t")

	out := s.probeOAuth(context.Background(), "google", OAuthEntry{
		AccessToken: "tok",
		ExpiresAt:   "2020-01-01T00:00:00Z",
	})
	if out.Status != "failed" || !strings.Contains(out.Message, "expired") {
		t.Errorf("expired token not flagged: %+v", out)
	}

	out = s.probeOAuth(context.Background(), "google", OAuthEntry{
		AccessToken: "tok",
		ExpiresAt:   "2099-01-01T00:00:00Z",
	})
	if out.Status != "verified" {
		t.Errorf("unexpired token flagged: %+v", out)
	}
}

func TestValidateEnvSecrets(t *testing.T) {
	env := map[string]string{"PRESENT": "x", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	out := validateEnvSecrets([]string{"PRESENT"}, lookup)
	if out.Status != "verified" {
		t.Errorf("present secret: %+v", out)
	}

	out = validateEnvSecrets([]string{"PRESENT", "EMPTY", "ABSENT"}, lookup)
	if out.Status != "failed" {
		t.Fatalf("missing secrets: %+v", out)
	}
	if !strings.Contains(out.Message, "EMPTY") || !strings.Contains(out.Message, "ABSENT") {
		t.Errorf("message %q must name missing vars", out.Message)
	}
}
