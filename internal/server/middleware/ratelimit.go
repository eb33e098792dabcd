package middleware

import (
	"context"
	"strconv"
	"strings"

	pkglog "Breakwater/pkg/log"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Error reasons surfaced on 429 responses.
const (
	ReasonRateLimited = "RATE_LIMITED"
	ReasonBanned      = "BANNED"
)

// RateLimitOptions customizes how the middleware maps a request to a
// limiter check. Zero-value fields fall back to sensible defaults.
type RateLimitOptions struct {
	// Identify extracts the caller identity. Defaults to API key header,
	// then client IP.
	Identify func(req *http.Request) string
	// Tier resolves the caller's pricing tier. Defaults to the X-Tier
	// header, letting the limiter fall back to its configured default.
	Tier func(req *http.Request) string
	// Skip exempts a request from limiting (health checks, admin surface).
	Skip func(req *http.Request) bool
	// OnLimited builds the rejection error for a denied request. Defaults
	// to a 429 kratos error carrying the decision metadata.
	OnLimited func(ctx context.Context, decision ratelimit.Decision) error
}

// RateLimit returns a middleware enforcing sliding-window limits per
// identifier, tier and endpoint. Allowed responses carry X-RateLimit-*
// headers; rejections return 429 with a Retry-After header.
func RateLimit(limiter *ratelimit.Limiter, logger *pkglog.LogHelper, opts RateLimitOptions) middleware.Middleware {
	if opts.Identify == nil {
		opts.Identify = defaultIdentify
	}
	if opts.Tier == nil {
		opts.Tier = func(req *http.Request) string { return req.Header.Get("X-Tier") }
	}

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}
			ht, ok := tr.(http.Transporter)
			if !ok {
				return handler(ctx, req)
			}

			httpReq := ht.Request()
			if opts.Skip != nil && opts.Skip(httpReq) {
				return handler(ctx, req)
			}

			identifier := opts.Identify(httpReq)
			tier := opts.Tier(httpReq)
			endpoint := httpReq.URL.Path

			decision := limiter.Check(identifier, tier, endpoint)

			header := ht.ReplyHeader()
			if decision.Limit > 0 {
				header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			}
			header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Reset.IsZero() {
				header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
			}

			if decision.Allowed {
				return handler(ctx, req)
			}

			retryAfter := int64(decision.RetryAfter.Seconds())
			if retryAfter > 0 {
				header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			}

			logger.RateLimit("request rejected",
				"identifier", identifier,
				"reason", decision.Reason,
				"window", decision.Window,
				"endpoint", endpoint,
			)

			if opts.OnLimited != nil {
				return nil, opts.OnLimited(ctx, decision)
			}

			reason := ReasonRateLimited
			message := "rate limit exceeded"
			if decision.Banned {
				reason = ReasonBanned
				message = "identifier is banned"
			}

			return nil, errors.New(429, reason, message).WithMetadata(map[string]string{
				"reason":     decision.Reason,
				"window":     decision.Window,
				"retryAfter": strconv.FormatInt(retryAfter, 10),
				"banned":     strconv.FormatBool(decision.Banned),
			})
		}
	}
}

// defaultIdentify prefers the API key header over the client address so a
// caller keeps one budget across NAT and proxy hops.
func defaultIdentify(req *http.Request) string {
	if key := req.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := req.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return extractClientIP(req)
}
