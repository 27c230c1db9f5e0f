package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordRateLimited(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[backend]++
}

func TestCheck_RedisFixedWindow(t *testing.T) {
	_, client := newRedis(t)
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 3}, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := rl.Check(ctx, "op", "/api/v1/workflow", http.MethodGet)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, BackendRedis, res.Backend)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := rl.Check(ctx, "op", "/api/v1/workflow", http.MethodGet)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Positive(t, res.RetryAfter)

	other := rl.Check(ctx, "someone-else", "/api/v1/workflow", http.MethodGet)
	assert.True(t, other.Allowed, "limits are per client")
}

func TestCheck_RedisWindowExpires(t *testing.T) {
	mr, client := newRedis(t)
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1}, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	require.True(t, rl.Check(ctx, "op", "/x", http.MethodGet).Allowed)
	require.False(t, rl.Check(ctx, "op", "/x", http.MethodGet).Allowed)

	mr.FastForward(61 * time.Second)

	assert.True(t, rl.Check(ctx, "op", "/x", http.MethodGet).Allowed)
}

func TestCheck_FallsBackToLocalWhenRedisDown(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2}, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	first := rl.Check(ctx, "op", "/x", http.MethodGet)
	assert.Equal(t, BackendLocal, first.Backend)
	assert.True(t, first.Allowed)
	assert.True(t, rl.Check(ctx, "op", "/x", http.MethodGet).Allowed)
	assert.False(t, rl.Check(ctx, "op", "/x", http.MethodGet).Allowed)
}

func TestCheck_LocalOnly(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1}, nil, nil)

	res := rl.Check(context.Background(), "op", "/x", http.MethodGet)
	assert.True(t, res.Allowed)
	assert.Equal(t, BackendLocal, res.Backend)

	res = rl.Check(context.Background(), "op", "/x", http.MethodGet)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestEffectiveLimit(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{RequestsPerMinute: 120}, nil, nil)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/workflow", 120},
		{http.MethodPost, "/api/v1/workflow/intersect", 20},
		{http.MethodPost, "/api/v1/workflow/batch-predict", 6},
		{http.MethodGet, "/api/v1/workflow/batch-predict", 120},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, rl.effectiveLimit(tt.path, tt.method))
		})
	}
}

func TestMiddleware(t *testing.T) {
	_, client := newRedis(t)
	rec := &countingRecorder{counts: map[string]int{}}
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1, IncludeHeaders: true}, zaptest.NewLogger(t), rec)

	handler := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Operator") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
		req.Header.Set("X-Operator", "alice")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := do()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := do()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","message":"Rate limit exceeded","retry_after":60}`, second.Body.String())
	assert.Equal(t, 1, rec.counts[BackendRedis])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.2.3.4:5", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.9"}, "1.2.3.4:5", "10.0.0.9"},
		{"remote addr", nil, "1.2.3.4:5678", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
