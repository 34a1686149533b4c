package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"genqueue/internal/ratelimit"
)

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	Limit int
	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For. Empty means the peer address is always the key.
	TrustedProxies []netip.Prefix
	Logger         zerolog.Logger
	OnReject       func()
}

type rateLimitedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimit admits at most opts.Limit requests per client address per window.
func RateLimit(limiter ratelimit.Limiter, opts RateLimitOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.CheckAndIncrement(r.Context(), rateLimitKey(r, opts.TrustedProxies), opts.Limit)
			if err != nil {
				// Only reachable with a limiter that is not wrapped in ratelimit.Resilient.
				opts.Logger.Warn().Err(err).Msg("ratelimit: check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if res.Degraded {
				h.Set("X-RateLimit-Degraded", "true")
			}
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if opts.OnReject != nil {
				opts.OnReject()
			}
			h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rateLimitedBody{
				Error:      "rate_limited",
				Message:    "Rate limit exceeded",
				RetryAfter: res.RetryAfter,
			})
		})
	}
}

func rateLimitKey(r *http.Request, trusted []netip.Prefix) string {
	return "ip:" + clientIPForRateLimit(r, trusted)
}

// clientIPForRateLimit returns the peer address. X-Forwarded-For is only read
// when the peer is a trusted proxy; the chain is walked right to left and the
// first hop that is not itself a trusted proxy wins.
func clientIPForRateLimit(r *http.Request, trusted []netip.Prefix) string {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer.String()
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A malformed hop was written by the untrusted side; stop here.
			break
		}
		hop = hop.Unmap()
		if !isTrusted(hop, trusted) {
			return hop.String()
		}
		peer = hop
	}
	return peer.String()
}

func remoteAddr(raw string) (netip.Addr, bool) {
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
