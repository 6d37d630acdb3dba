package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/db"
)

// ──────────────────────────────────────────────────────────────────
// Authentication Middleware
//
// Two credential shapes are accepted:
//   X-API-Key: pge_<random>        — digest-matched against configured
//                                    keys and active rows in the store
//   Authorization: Bearer <jwt>    — HS256, the sub claim becomes the
//                                    principal
//
// Keys are never stored or compared in the clear: only SHA-256 digests
// are held, and digest comparison is constant-time. With no keys and no
// JWT secret configured every request is accepted (dev mode); that is
// loud in the logs because it must never survive into production.
// ──────────────────────────────────────────────────────────────────

const apiKeyPrefix = "pge_"

// touchInterval throttles last-used bookkeeping writes per key.
const touchInterval = time.Minute

type Authenticator struct {
	mu        sync.RWMutex
	keyHashes map[string]struct{}
	touched   map[string]time.Time
	jwtSecret []byte
	store     db.Store
	log       *logrus.Entry
}

// NewAuthenticator digests the configured keys. store may be nil; when set
// it contributes active key digests and receives last-used updates.
func NewAuthenticator(keys []string, jwtSecret string, store db.Store) *Authenticator {
	a := &Authenticator{
		keyHashes: make(map[string]struct{}),
		touched:   make(map[string]time.Time),
		store:     store,
		log:       logrus.WithField("component", "auth"),
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, apiKeyPrefix) {
			a.log.Warnf("[Auth] Ignoring configured key without %q prefix", apiKeyPrefix)
			continue
		}
		a.keyHashes[hashKey(key)] = struct{}{}
	}
	if a.openMode() {
		a.log.Warn("[Auth] No API keys or JWT secret configured. " +
			"All requests are accepted. Set GATEWAY_API_KEYS or GATEWAY_JWT_SECRET before exposing this gateway.")
	}
	return a
}

// RefreshFromStore merges active key digests from the store. Called at
// startup and safe to call periodically.
func (a *Authenticator) RefreshFromStore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	hashes, err := a.store.ActiveKeyHashes(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	for _, h := range hashes {
		a.keyHashes[h] = struct{}{}
	}
	a.mu.Unlock()
	return nil
}

// Middleware validates the request credential and records the principal.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if !strings.HasPrefix(key, apiKeyPrefix) {
				respondUnauthenticated(c, "API keys carry the "+apiKeyPrefix+" prefix")
				return
			}
			digest := hashKey(key)
			if !a.matches(digest) {
				respondUnauthenticated(c, "unknown API key")
				return
			}
			c.Set("principal", "key:"+digest[:12])
			c.Set("rate_key", digest)
			a.touch(digest)
			c.Next()
			return
		}

		if auth := c.GetHeader("Authorization"); auth != "" {
			if len(a.jwtSecret) == 0 {
				respondUnauthenticated(c, "bearer tokens are not enabled on this gateway")
				return
			}
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				respondUnauthenticated(c, "use: Authorization: Bearer <token>")
				return
			}
			sub, err := a.verifyJWT(raw)
			if err != nil {
				respondUnauthenticated(c, "invalid or expired token")
				return
			}
			c.Set("principal", sub)
			c.Set("rate_key", "jwt:"+sub)
			c.Next()
			return
		}

		if a.openMode() {
			c.Next()
			return
		}
		respondUnauthenticated(c, "provide X-API-Key or a bearer token")
	}
}

// matches compares the digest against every accepted hash in constant time
// per candidate, so timing reveals nothing about key validity.
func (a *Authenticator) matches(digest string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	found := false
	for h := range a.keyHashes {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(h)) == 1 {
			found = true
		}
	}
	return found
}

func (a *Authenticator) verifyJWT(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token carries no subject")
	}
	return sub, nil
}

func (a *Authenticator) openMode() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keyHashes) == 0 && len(a.jwtSecret) == 0
}

// touch records key usage at most once per touchInterval.
func (a *Authenticator) touch(digest string) {
	if a.store == nil {
		return
	}
	a.mu.Lock()
	last, seen := a.touched[digest]
	now := time.Now()
	if seen && now.Sub(last) < touchInterval {
		a.mu.Unlock()
		return
	}
	a.touched[digest] = now
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKey(ctx, digest); err != nil {
			a.log.WithError(err).Debug("[Auth] Key usage update failed")
		}
	}()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
