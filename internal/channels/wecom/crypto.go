package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	errInvalidPadding     = errors.New("wecom: invalid PKCS#7 padding")
	errCiphertextTooSmall = errors.New("wecom: ciphertext shorter than framing")
	errCorpIDMismatch     = errors.New("wecom: corp id mismatch")
)

// Crypto implements the WeCom encrypted-message scheme: AES-256-CBC where
// the key is the base64-decoded EncodingAESKey (padded with "="), the IV is
// the first 16 bytes of the key, and the plaintext framing is
// random(16) || msgLen(u32 BE) || msg || corpId.
type Crypto struct {
	key    []byte
	corpID string
	token  string
}

// NewCrypto builds the codec from the configured EncodingAESKey.
func NewCrypto(aesKey, corpID, token string) (*Crypto, error) {
	key, err := base64.StdEncoding.DecodeString(aesKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: aes key is %d bytes, want 32", len(key))
	}
	return &Crypto{key: key, corpID: corpID, token: token}, nil
}

// Encrypt seals a plaintext message into the base64 envelope form.
func (c *Crypto) Encrypt(msg []byte) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("wecom: random: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(random)
	var msgLen [4]byte
	binary.BigEndian.PutUint32(msgLen[:], uint32(len(msg)))
	buf.Write(msgLen[:])
	buf.Write(msg)
	buf.WriteString(c.corpID)

	plain := pkcs7Pad(buf.Bytes(), aes.BlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: new cipher: %w", err)
	}
	ct := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(ct, plain)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a base64 envelope and returns the inner message, verifying
// the trailing corp id.
func (c *Crypto) Decrypt(encrypted string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("wecom: base64 decode: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errCiphertextTooSmall
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("wecom: new cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, errCiphertextTooSmall
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, errCiphertextTooSmall
	}
	msg := plain[20 : 20+msgLen]
	corpID := string(plain[20+msgLen:])
	if corpID != c.corpID {
		return nil, errCorpIDMismatch
	}
	return msg, nil
}

// Signature computes the WeCom callback signature: SHA-1 over the sorted
// concatenation of token, timestamp, nonce and the encrypted payload.
func (c *Crypto) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a callback signature in constant structure.
func (c *Crypto) VerifySignature(signature, timestamp, nonce, encrypted string) bool {
	return c.Signature(timestamp, nonce, encrypted) == signature
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	if padLen == 0 {
		padLen = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errInvalidPadding
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(padLen)}, padLen), data[len(data)-padLen:]) {
		return nil, errInvalidPadding
	}
	return data[:len(data)-padLen], nil
}
