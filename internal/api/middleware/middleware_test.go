package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupTestRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/terminals", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"terminals": []string{}})
	})
	return router
}

func request(router *gin.Engine, method, ip, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/terminals", nil)
	req.RemoteAddr = ip + ":1234"
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"simple GET request with origin", http.MethodGet, "http://localhost:3000", http.StatusOK, true},
		{"preflight for PATCH", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, true},
		{"no origin header", http.MethodGet, "", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(router, tt.method, "127.0.0.1", tt.origin)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORSHeader {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSWithOrigins(t *testing.T) {
	// the test request's host is example.com, so a listed origin must differ
	// from it or cors treats the request as same-origin
	cfg := DefaultCORSConfig().WithOrigins([]string{"https://app.example"})
	assert.Equal(t, []string{"https://app.example"}, cfg.AllowOrigins)
	assert.Equal(t, []string{"*"}, DefaultCORSConfig().WithOrigins(nil).AllowOrigins)

	router := setupTestRouter(CORS(cfg))
	w := request(router, http.MethodGet, "127.0.0.1", "https://app.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = request(router, http.MethodGet, "127.0.0.1", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"listed", []string{"https://a.example"}, "https://a.example", true},
		{"not listed", []string{"https://a.example"}, "https://b.example", false},
		{"no origin header", []string{"https://a.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, OriginChecker(tt.origins)(req))
		})
	}
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))

	// burst capacity
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "192.168.1.1", "").Code, "request %d", i+1)
	}

	w := request(router, http.MethodGet, "192.168.1.1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

func TestRateLimitDifferentClients(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "192.168.1.1", "").Code)
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "192.168.1.2", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(router, http.MethodGet, "192.168.1.1", "").Code)
}

func TestRateLimitForgetsIdleClients(t *testing.T) {
	l := newLimiters(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.get(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 5, l.len())

	now = now.Add(30 * time.Second)
	l.get("10.0.0.0")
	assert.Equal(t, 5, l.len())

	now = now.Add(2 * time.Minute)
	l.get("10.0.0.9")
	assert.Equal(t, 1, l.len(), "only the client seen in this sweep survives")
}

func TestGlobalRateLimit(t *testing.T) {
	router := setupTestRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))

	for i := 0; i < 2; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i+10)
		assert.Equal(t, http.StatusOK, request(router, http.MethodGet, ip, "").Code, "request %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, request(router, http.MethodGet, "192.168.1.3", "").Code)
}

func TestDefaultConfigs(t *testing.T) {
	cors := DefaultCORSConfig()
	assert.Contains(t, cors.AllowOrigins, "*")
	assert.Contains(t, cors.AllowMethods, "PATCH")
	assert.Contains(t, cors.AllowMethods, "DELETE")
	assert.Equal(t, 12*time.Hour, cors.MaxAge)

	rl := DefaultRateLimitConfig()
	assert.Equal(t, 100, rl.RequestsPerSecond)
	assert.Equal(t, 200, rl.Burst)
	assert.Equal(t, 10*time.Minute, rl.IdleTTL)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter(RateLimit(DefaultRateLimitConfig()))
	req := httptest.NewRequest(http.MethodGet, "/terminals", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
}
