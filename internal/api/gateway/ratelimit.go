// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// Recorder counts rejected requests.
type Recorder interface {
	RecordRateLimited(backend string)
}

// RateLimiter limits operator API requests per client and endpoint. Counters
// live in Redis when a client is configured; otherwise, or when Redis fails,
// an in-process token bucket is used.
type RateLimiter struct {
	redis       *redis.Client
	logger      *zap.Logger
	recorder    Recorder
	config      RateLimitConfig
	localLimits sync.Map
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	Endpoints         map[string]EndpointLimits
	IncludeHeaders    bool
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string
	Method            string
	RequestsPerMinute int
	CostMultiplier    int
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Backend    string
	Reason     string
}

// NewRateLimiter creates a new rate limiter. redisClient and recorder may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger, recorder Recorder) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:    redisClient,
		logger:   logger,
		recorder: recorder,
		config:   cfg,
	}
}

// DefaultEndpointLimits returns tighter limits for operator actions that
// reach the inference service.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/telemetry/refresh": {
			Path:              "/api/v1/telemetry/refresh",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    1,
		},
		"POST:/api/v1/workflow/intersect": {
			Path:              "/api/v1/workflow/intersect",
			Method:            http.MethodPost,
			RequestsPerMinute: 20,
			CostMultiplier:    1,
		},
		"POST:/api/v1/workflow/predict": {
			Path:              "/api/v1/workflow/predict",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    1,
		},
		"POST:/api/v1/workflow/batch-predict": {
			Path:              "/api/v1/workflow/batch-predict",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    5,
		},
	}
}

// Check counts one request from clientID against endpoint.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.effectiveLimit(endpoint, method)
	key := fmt.Sprintf("medguard:ratelimit:%s:%s:%s:minute", clientID, method, endpoint)

	if rl.redis != nil {
		result, err := rl.checkRedis(ctx, key, limit)
		if err == nil {
			return result
		}
		rl.logger.Warn("Redis rate limit check failed, using local limiter", zap.Error(err))
	}
	return rl.checkLocal(key, limit)
}

func (rl *RateLimiter) checkRedis(ctx context.Context, key string, limit int) (*RateLimitResult, error) {
	vals, err := windowScript.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   time.Now().Add(ttl),
		Backend:   BackendRedis,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) checkLocal(key string, limit int) *RateLimitResult {
	burst := min(rl.config.BurstSize, limit)
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), burst))
	limiter := v.(*rate.Limiter)

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)

	result := &RateLimitResult{
		Allowed: delay == 0,
		Limit:   limit,
		Backend: BackendLocal,
	}
	if !result.Allowed {
		reservation.CancelAt(now)
		result.RetryAfter = delay
		result.ResetAt = now.Add(delay)
		result.Reason = "Rate limit exceeded"
	} else {
		result.ResetAt = now
	}
	result.Remaining = max(int(limiter.TokensAt(now)), 0)
	return result
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	return max(limit, 1)
}

// Middleware returns an HTTP middleware for rate limiting. getClientID may
// return "" to fall back to the remote address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				if rl.recorder != nil {
					rl.recorder.RecordRateLimited(result.Backend)
				}
				retryAfter := max(int(result.RetryAfter.Round(time.Second).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first forwarded address, the real IP header, or the
// host part of the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
