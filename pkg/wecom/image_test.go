package wecom

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func encryptTestImage(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	out, err := EncryptImage(plaintext, testKey)
	if err != nil {
		t.Fatalf("EncryptImage failed: %v", err)
	}
	return out
}

func TestDecryptImage(t *testing.T) {
	plaintext := []byte("\x89PNG fake image body")

	t.Run("round trip", func(t *testing.T) {
		encrypted := encryptTestImage(t, plaintext)
		out, err := DecryptImage(encrypted, testKey)
		if err != nil {
			t.Fatalf("DecryptImage failed: %v", err)
		}
		if !bytes.Equal(out, plaintext) {
			t.Errorf("Decrypted image does not match original")
		}
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := DecryptImage([]byte("x"), "")
		if !errors.Is(err, ErrInvalidKeyLength) {
			t.Fatalf("Expected ErrInvalidKeyLength, got %v", err)
		}
	})

	t.Run("short key", func(t *testing.T) {
		_, err := DecryptImage([]byte("x"), "c2hvcnQ")
		if !errors.Is(err, ErrInvalidKeyLength) {
			t.Fatalf("Expected ErrInvalidKeyLength, got %v", err)
		}
	})

	t.Run("ciphertext not block aligned", func(t *testing.T) {
		_, err := DecryptImage([]byte("not-aligned"), testKey)
		if !errors.Is(err, ErrBadPadding) {
			t.Fatalf("Expected ErrBadPadding, got %v", err)
		}
	})
}

func TestImageFetcher(t *testing.T) {
	plaintext := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02, 0x03}

	t.Run("fetch and decrypt", func(t *testing.T) {
		encrypted := encryptTestImage(t, plaintext)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(encrypted)
		}))
		defer srv.Close()

		f := NewImageFetcher("", 1, time.Second)
		out, err := f.Fetch(t.Context(), srv.URL, testKey)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if !bytes.Equal(out, plaintext) {
			t.Error("Fetched image does not match original")
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		f := NewImageFetcher("", 1, time.Second)
		if _, err := f.Fetch(t.Context(), srv.URL, testKey); err == nil {
			t.Fatal("Expected error for 404 response")
		}
	})

	t.Run("oversized download rejected", func(t *testing.T) {
		big := make([]byte, 64)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(big)
		}))
		defer srv.Close()

		f := &ImageFetcher{client: srv.Client(), maxBytes: 32}
		if _, err := f.Fetch(t.Context(), srv.URL, testKey); err == nil {
			t.Fatal("Expected error for oversized image")
		}
	})
}

func TestRewriteURL(t *testing.T) {
	t.Run("no proxy passes through", func(t *testing.T) {
		f := NewImageFetcher("", 1, time.Second)
		url := "https://bucket.cos.ap-guangzhou.myqcloud.com/path/to/img"
		if got := f.rewriteURL(url); got != url {
			t.Errorf("Expected passthrough, got %s", got)
		}
	})

	t.Run("cos url rewritten to proxy", func(t *testing.T) {
		f := NewImageFetcher("10.0.0.5:8080", 1, time.Second)
		got := f.rewriteURL("https://bucket.cos.ap-guangzhou.myqcloud.com/path/to/img?sign=abc")
		want := "http://10.0.0.5:8080/cos-image?path=path/to/img?sign=abc"
		if got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	})

	t.Run("non-cos url passes through", func(t *testing.T) {
		f := NewImageFetcher("10.0.0.5:8080", 1, time.Second)
		url := "https://example.com/img"
		if got := f.rewriteURL(url); got != url {
			t.Errorf("Expected passthrough, got %s", got)
		}
	})
}
