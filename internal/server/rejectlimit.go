package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRejectLimit  = 30
	defaultRejectWindow = time.Minute
)

// RejectionLimiter throttles clients whose webhook deliveries keep being
// rejected. Only 400 and 413 responses count against a client, so a processor
// sending validly signed events (including retries answered with 5xx or 409)
// is never throttled.
type RejectionLimiter struct {
	mu       sync.Mutex
	rejected map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRejectionLimiter allows limit rejected deliveries per client per window.
func NewRejectionLimiter(limit int, window time.Duration) *RejectionLimiter {
	if limit <= 0 {
		limit = defaultRejectLimit
	}
	if window <= 0 {
		window = defaultRejectWindow
	}
	return &RejectionLimiter{
		rejected: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Blocked reports whether key has used up its rejection budget, and for how
// long the oldest counted rejection keeps it blocked.
func (rl *RejectionLimiter) Blocked(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	times := rl.prune(key, now)
	if len(times) < rl.limit {
		return false, 0
	}
	return true, times[0].Add(rl.window).Sub(now)
}

// Reject records a rejected delivery for key.
func (rl *RejectionLimiter) Reject(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.rejected[key] = append(rl.prune(key, now), now)
}

// prune drops rejections outside the window. Callers hold mu.
func (rl *RejectionLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	valid := rl.rejected[key][:0]
	for _, t := range rl.rejected[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(rl.rejected, key)
		return nil
	}
	rl.rejected[key] = valid
	return valid
}

// Sweep drops clients with no rejections inside the window.
func (rl *RejectionLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key := range rl.rejected {
		rl.prune(key, now)
	}
}

// Middleware answers 429 for blocked clients and counts the rejections next
// produces.
func (rl *RejectionLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if blocked, retryAfter := rl.Blocked(key); blocked {
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.status == http.StatusBadRequest || sw.status == http.StatusRequestEntityTooLarge {
			rl.Reject(key)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
