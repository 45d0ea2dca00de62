package wecom

import (
	"crypto/aes"
	"encoding/base64"
	"strings"
	"testing"
)

// testAESKey is a 43-char EncodingAESKey (base64 of 32 bytes without the
// trailing "=").
var testAESKey = strings.TrimSuffix(base64.StdEncoding.EncodeToString(make([]byte, 32)), "=")

func newTestCrypto(t *testing.T) *Crypto {
	t.Helper()
	c, err := NewCrypto(testAESKey, "wx-corp-1", "cbtoken")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	return c
}

func TestCrypto_RoundTrip(t *testing.T) {
	c := newTestCrypto(t)

	cases := []string{
		"<xml><Content>hello</Content></xml>",
		"",
		"短消息 with 中文 and émojis 🎉",
		strings.Repeat("block-aligned-payload!", 100),
	}
	for _, msg := range cases {
		sealed, err := c.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", msg, err)
		}
		plain, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", msg, err)
		}
		if string(plain) != msg {
			t.Errorf("round trip: got %q, want %q", plain, msg)
		}
	}
}

func TestCrypto_EncryptIsRandomised(t *testing.T) {
	c := newTestCrypto(t)
	a, _ := c.Encrypt([]byte("same message"))
	b, _ := c.Encrypt([]byte("same message"))
	if a == b {
		t.Error("two encryptions of the same message produced identical ciphertext")
	}
}

func TestCrypto_CorpIDMismatch(t *testing.T) {
	c := newTestCrypto(t)
	other, err := NewCrypto(testAESKey, "other-corp", "cbtoken")
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := other.Encrypt([]byte("msg"))
	if _, err := c.Decrypt(sealed); err == nil {
		t.Error("decrypt accepted a foreign corp id")
	}
}

func TestCrypto_RejectsBadInput(t *testing.T) {
	c := newTestCrypto(t)
	if _, err := c.Decrypt("not base64!!"); err == nil {
		t.Error("bad base64 accepted")
	}
	// Valid base64 but not block-aligned.
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("non-block-aligned ciphertext accepted")
	}
}

func TestCrypto_KeyShape(t *testing.T) {
	if _, err := NewCrypto("tooshort", "corp", "tok"); err == nil {
		t.Error("short key accepted")
	}
}

func TestCrypto_Signature(t *testing.T) {
	c := newTestCrypto(t)
	sig := c.Signature("1700000000", "nonce1", "payload")
	if len(sig) != 40 {
		t.Errorf("signature length %d, want 40 hex chars", len(sig))
	}
	if !c.VerifySignature(sig, "1700000000", "nonce1", "payload") {
		t.Error("valid signature rejected")
	}
	if c.VerifySignature(sig, "1700000001", "nonce1", "payload") {
		t.Error("signature verified with wrong timestamp")
	}
	// Sorting means argument order inside the hash is canonical.
	if c.Signature("b", "a", "c") != c.Signature("b", "a", "c") {
		t.Error("signature not deterministic")
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 3*aes.BlockSize; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, aes.BlockSize)
		if len(padded)%aes.BlockSize != 0 {
			t.Fatalf("n=%d: padded length %d not block aligned", n, len(padded))
		}
		out, err := pkcs7Unpad(padded, aes.BlockSize)
		if err != nil {
			t.Fatalf("n=%d: unpad: %v", n, err)
		}
		if len(out) != n {
			t.Fatalf("n=%d: got %d bytes back", n, len(out))
		}
	}

	if _, err := pkcs7Unpad([]byte{}, aes.BlockSize); err == nil {
		t.Error("empty input accepted")
	}
	bad := make([]byte, aes.BlockSize)
	bad[aes.BlockSize-1] = 200
	if _, err := pkcs7Unpad(bad, aes.BlockSize); err == nil {
		t.Error("oversized pad byte accepted")
	}
}
