package wecom

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aibridge/wecomgw/pkg/logger"
)

// DecryptImage decrypts an encrypted image blob downloaded from a callback
// URL. The key is the same EncodingAESKey used for the message envelope but
// the plaintext carries no length/receiver framing: it is the raw image.
// Tolerates a key string with missing base64 padding.
func DecryptImage(ciphertext []byte, base64AESKey string) ([]byte, error) {
	if base64AESKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKeyLength)
	}
	pad := (4 - len(base64AESKey)%4) % 4
	aesKey, err := base64.StdEncoding.DecodeString(base64AESKey + strings.Repeat("=", pad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(aesKey))
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadPadding, len(ciphertext))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := aesKey[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("%w: pad byte %d", ErrBadPadding, padLen)
	}
	return plaintext[:len(plaintext)-padLen], nil
}

// EncryptImage is the inverse of DecryptImage: PKCS7 pad, AES-256-CBC with
// IV = key[:16], no framing. The platform encrypts callback images this way.
func EncryptImage(plaintext []byte, base64AESKey string) ([]byte, error) {
	pad := (4 - len(base64AESKey)%4) % 4
	aesKey, err := base64.StdEncoding.DecodeString(base64AESKey + strings.Repeat("=", pad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(aesKey))
	}

	padded := pkcs7Pad(plaintext, blockSize)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, aesKey[:aes.BlockSize]).CryptBlocks(out, padded)
	return out, nil
}

// ImageFetcher downloads encrypted image blobs referenced by callback
// payloads. Downloads run off the request-handling path.
type ImageFetcher struct {
	client   *http.Client
	proxy    string // optional internal proxy host, e.g. "10.0.0.5:8080"
	maxBytes int64
}

func NewImageFetcher(proxy string, maxSizeMB int, timeout time.Duration) *ImageFetcher {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ImageFetcher{
		client:   &http.Client{Timeout: timeout},
		proxy:    proxy,
		maxBytes: int64(maxSizeMB) << 20,
	}
}

// Fetch downloads the ciphertext at url and decrypts it with the envelope key.
func (f *ImageFetcher) Fetch(ctx context.Context, url, base64AESKey string) ([]byte, error) {
	target := f.rewriteURL(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	encrypted, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(encrypted)) > f.maxBytes {
		return nil, fmt.Errorf("image too large (exceeds %d MB)", f.maxBytes>>20)
	}

	logger.DebugCF("wecom", "Image downloaded", map[string]any{
		"size": len(encrypted),
	})

	return DecryptImage(encrypted, base64AESKey)
}

// cosHost is the Tencent COS bucket host that serves callback image blobs.
const cosHost = "cos.ap-guangzhou.myqcloud.com/"

// rewriteURL converts a COS image URL to the configured internal proxy
// when direct egress to COS is blocked. Unmatched URLs pass through.
func (f *ImageFetcher) rewriteURL(original string) string {
	if f.proxy == "" {
		return original
	}
	idx := strings.Index(original, cosHost)
	if idx < 0 {
		logger.WarnCF("wecom", "Image URL does not match COS host, using original", map[string]any{
			"url": original,
		})
		return original
	}
	path := original[idx+len(cosHost):]
	return fmt.Sprintf("http://%s/cos-image?path=%s", f.proxy, path)
}
