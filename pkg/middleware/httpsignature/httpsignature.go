// Package httpsignature verifies HMAC-SHA256 body signatures on inbound
// provider callbacks such as Shopify webhooks.
package httpsignature

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ordefy/ordefy/pkg/middleware"
	"github.com/ordefy/ordefy/pkg/server/router"
)

const (
	// KeyContextKey is the router context key holding the resolved Key.
	KeyContextKey = "http_signature_key"
)

// ErrUnknownKey is returned by a KeyProvider that does not know a key id.
var ErrUnknownKey = errors.New("unknown key id")

// Key is a resolved signing key. Owner identifies whom the key belongs to,
// the tenant for webhook callbacks.
type Key struct {
	ID     string
	Owner  string
	Secret []byte
}

// KeyProvider resolves signing keys by key id.
type KeyProvider interface {
	ResolveKey(ctx context.Context, keyID string) (Key, error)
}

// StaticKeyProvider resolves keys from a map of key id to Key.
type StaticKeyProvider map[string]Key

// ResolveKey returns the configured key or ErrUnknownKey.
func (p StaticKeyProvider) ResolveKey(_ context.Context, keyID string) (Key, error) {
	key, ok := p[strings.ToLower(strings.TrimSpace(keyID))]
	if !ok || len(key.Secret) == 0 {
		return Key{}, ErrUnknownKey
	}
	return key, nil
}

// Config controls signature validation.
type Config struct {
	KeyProvider     KeyProvider
	KeyIDHeader     string
	SignatureHeader string
	// TimestampHeader carries the RFC 3339 time the sender produced the call.
	TimestampHeader string
	// ReplayWindow rejects calls whose timestamp is further than this from
	// now. Zero disables the check.
	ReplayWindow time.Duration
	// RequireTimestamp rejects calls without a timestamp header when the
	// replay window is enabled.
	RequireTimestamp bool
	MaxBodyBytes     int64
	Now              func() time.Time
}

// ShopifyConfig returns the header layout used by Shopify webhooks.
func ShopifyConfig(provider KeyProvider) Config {
	return Config{
		KeyProvider:     provider,
		KeyIDHeader:     "X-Shopify-Shop-Domain",
		SignatureHeader: "X-Shopify-Hmac-Sha256",
		TimestampHeader: "X-Shopify-Triggered-At",
		MaxBodyBytes:    1 << 20,
	}
}

// Middleware verifies the signature of the raw body before calling next.
// Key problems are answered with 400, signature problems with 401, and
// oversized bodies with 413. The body is restored for downstream handlers.
func Middleware(cfg Config) router.MiddlewareFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if cfg.KeyProvider == nil {
				return unauthorized(c, "missing_key_provider")
			}

			keyID := strings.ToLower(strings.TrimSpace(req.Header.Get(cfg.KeyIDHeader)))
			if keyID == "" {
				return rejectKey(c, "missing_key_id")
			}
			signatureRaw := strings.TrimSpace(req.Header.Get(cfg.SignatureHeader))
			if signatureRaw == "" {
				return unauthorized(c, "missing_signature")
			}

			key, err := cfg.KeyProvider.ResolveKey(req.Context(), keyID)
			if err != nil || len(key.Secret) == 0 {
				if errors.Is(err, ErrUnknownKey) || err == nil {
					return rejectKey(c, "unknown_key_id")
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]any{
					"error":   "key_lookup_failed",
					"message": "signing key could not be resolved, retry later",
				})
			}

			body, err := readAndRestoreBody(req, cfg.MaxBodyBytes)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
						"error":   "payload_too_large",
						"message": "request body exceeds the configured limit",
					})
				}
				return unauthorized(c, "invalid_body")
			}

			received, ok := decodeSignature(signatureRaw)
			if !ok || !hmac.Equal(Sign(key.Secret, body), received) {
				return unauthorized(c, "invalid_signature")
			}

			if cfg.ReplayWindow > 0 {
				if reason := checkTimestamp(req.Header.Get(cfg.TimestampHeader), cfg); reason != "" {
					return unauthorized(c, reason)
				}
			}

			c.Set(KeyContextKey, key)
			if key.Owner != "" {
				ctx := context.WithValue(req.Context(), middleware.TenantIDKey, key.Owner)
				c.SetRequest(req.WithContext(ctx))
			}
			return next(c)
		}
	}
}

// KeyFromContext returns the key resolved by Middleware.
func KeyFromContext(c router.Context) (Key, bool) {
	key, ok := c.Get(KeyContextKey).(Key)
	return key, ok
}

// Sign computes the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignBase64 returns the header value a sender would attach for body.
func SignBase64(secret, body []byte) string {
	return base64.StdEncoding.EncodeToString(Sign(secret, body))
}

var errBodyTooLarge = errors.New("body too large")

func readAndRestoreBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func decodeSignature(raw string) ([]byte, bool) {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "sha256=")
	if value == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	return b, true
}

func checkTimestamp(raw string, cfg Config) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if cfg.RequireTimestamp {
			return "missing_timestamp"
		}
		return ""
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "invalid_timestamp"
	}
	delta := cfg.Now().UTC().Sub(ts.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > cfg.ReplayWindow {
		return "stale_delivery"
	}
	return ""
}

func rejectKey(c router.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error":   "unknown_tenant",
		"reason":  reason,
		"message": "request rejected: " + reason,
	})
}

func unauthorized(c router.Context, reason string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"error":   "invalid_request_signature",
		"reason":  reason,
		"message": "request rejected: " + reason,
	})
}
