package app

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cogtest/internal/app/apiresp"
	"cogtest/internal/auth"

	"golang.org/x/time/rate"
)

const csrfCookieName = "cogtest_csrf"
const csrfHeaderName = "X-CSRF-Token"

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyRateLimiter hands out one token bucket per key. Buckets idle for longer
// than limiterIdleTTL are dropped on the next sweep.
type KeyRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	store     map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewKeyRateLimiter allows perMinute requests per key per minute with a burst
// of the same size.
func NewKeyRateLimiter(perMinute int) *KeyRateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &KeyRateLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: perMinute,
		store: make(map[string]*limiterEntry),
		now:   time.Now,
	}
}

func (l *KeyRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, e := range l.store {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.store, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.store[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (l *KeyRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.store)
}

func RateLimitMiddleware(l *KeyRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r) + "|" + r.Method + "|" + r.URL.Path
			if !l.Allow(key) {
				w.Header().Set("Retry-After", "60")
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// CSRFMiddleware checks the double-submit cookie on state-changing requests
// that authenticate with the session cookie. Bearer requests are exempt.
func CSRFMiddleware(enforced bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforced {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			c, err := r.Cookie(csrfCookieName)
			if err != nil || strings.TrimSpace(c.Value) == "" {
				apiresp.WriteErrorCode(w, r, http.StatusForbidden, "csrf_missing", "csrf token missing", nil)
				return
			}
			h := strings.TrimSpace(r.Header.Get(csrfHeaderName))
			if h == "" || subtle.ConstantTimeCompare([]byte(h), []byte(c.Value)) != 1 {
				apiresp.WriteErrorCode(w, r, http.StatusForbidden, "csrf_invalid", "csrf token invalid", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFTokenHandler issues a fresh token in a script-readable cookie and in
// the response body.
func CSRFTokenHandler(secure bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.GenerateSecret(32)
		if err != nil {
			apiresp.WriteError(w, r, http.StatusInternalServerError, "cannot issue csrf token")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     csrfCookieName,
			Value:    token,
			Path:     "/",
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
		})
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"csrf_token": token})
	}
}
