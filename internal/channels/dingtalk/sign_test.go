package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	const secret = "SEC-abc123"
	const ts = int64(1700000000000)

	got := Sign(ts, secret)

	// Independent computation of base64(HMAC-SHA256("ts\nsecret", secret)).
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", ts, secret)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
	if Sign(ts, secret) != got {
		t.Error("Sign not deterministic")
	}
	if Sign(ts+1, secret) == got {
		t.Error("Sign ignores timestamp")
	}
	if Sign(ts, "other") == got {
		t.Error("Sign ignores secret")
	}
}

func TestVerifyCallback(t *testing.T) {
	const secret = "SEC-abc123"
	now := time.Now().UnixMilli()
	tsHeader := strconv.FormatInt(now, 10)

	if err := VerifyCallback(tsHeader, Sign(now, secret), secret); err != nil {
		t.Errorf("valid callback rejected: %v", err)
	}
	if err := VerifyCallback(tsHeader, Sign(now, "wrong"), secret); err == nil {
		t.Error("wrong-secret signature accepted")
	}
	if err := VerifyCallback("not-a-number", "sig", secret); err == nil {
		t.Error("garbage timestamp accepted")
	}

	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := VerifyCallback(strconv.FormatInt(stale, 10), Sign(stale, secret), secret); err == nil {
		t.Error("stale timestamp accepted")
	}
}
