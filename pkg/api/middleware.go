package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
)

// maxTrackedClients bounds the per-client limiter cache
const maxTrackedClients = 10000

// statusRecorder captures the status written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Instrument records request count, latency and concurrency
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		metrics.HTTPInflight.Inc()
		defer metrics.HTTPInflight.Dec()

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, r.Method)
	})
}

// corsPreflight answers OPTIONS without invoking the function
func corsPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InflightLimiter rejects requests beyond a fixed concurrency
type InflightLimiter struct {
	sem *semaphore.Weighted
	max int
}

// NewInflightLimiter allows max concurrent requests; max <= 0 disables it
func NewInflightLimiter(max int) *InflightLimiter {
	l := &InflightLimiter{max: max}
	if max > 0 {
		l.sem = semaphore.NewWeighted(int64(max))
	}
	return l
}

// Wrap applies the limit to next
func (l *InflightLimiter) Wrap(next http.Handler) http.Handler {
	if l.sem == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.sem.TryAcquire(1) {
			log.Logger.Warn().Int("max_inflight", l.max).Msg("Concurrent request limit reached")
			http.Error(w, fmt.Sprintf("Concurrent request limit exceeded. Max concurrent requests: %d", l.max), http.StatusTooManyRequests)
			return
		}
		defer l.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	clients *lru.Cache
	mu      sync.Mutex
}

// NewRateLimiter creates a limiter; rps <= 0 disables it
func NewRateLimiter(rps float64, burst int) (*RateLimiter, error) {
	l := &RateLimiter{rps: rate.Limit(rps), burst: burst}
	if rps <= 0 {
		return l, nil
	}
	clients, err := lru.New(maxTrackedClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter cache: %w", err)
	}
	l.clients = clients
	return l, nil
}

// Allow reports whether a request from client may proceed
func (l *RateLimiter) Allow(client string) bool {
	if l.clients == nil {
		return true
	}

	l.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := l.clients.Get(client); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients.Add(client, limiter)
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Wrap applies the limit to next
func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	if l.clients == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !l.Allow(client) {
			log.Logger.Warn().Str("client", client).Msg("Rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection's remote address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
