package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// callbackSkew bounds how stale a signed callback timestamp may be.
const callbackSkew = time.Hour

// Sign computes the DingTalk callback signature: base64 of HMAC-SHA256
// over "timestamp\nsecret" keyed by the secret.
func Sign(timestamp int64, secret string) string {
	payload := fmt.Sprintf("%d\n%s", timestamp, secret)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks the signature and timestamp freshness of an
// inbound robot callback.
func VerifyCallback(timestampHeader, signature, secret string) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("dingtalk: bad timestamp %q", timestampHeader)
	}
	// Header timestamps are milliseconds.
	at := time.UnixMilli(ts)
	if d := time.Since(at); d > callbackSkew || d < -callbackSkew {
		return fmt.Errorf("dingtalk: callback timestamp out of window")
	}
	expected := Sign(ts, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("dingtalk: signature mismatch")
	}
	return nil
}
