package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "Breakwater/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

// slowRequestThreshold flags requests worth a separate warning line.
const slowRequestThreshold = 3 * time.Second

// Logging returns a middleware that logs every HTTP request with method,
// path, status and duration. A request ID is taken from X-Request-ID or
// generated, and echoed back on the response.
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    string
				path      string
				ip        string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					ip = extractClientIP(httpReq)

					requestID = httpReq.Header.Get("X-Request-ID")
					if requestID == "" {
						requestID = uuid.NewString()
					}
					ht.ReplyHeader().Set("X-Request-ID", requestID)
				}
			}

			reply, err := handler(ctx, req)

			duration := time.Since(startTime)
			status := 200
			if err != nil {
				status = int(errors.FromError(err).Code)
			}

			logger.Request(method, path, status, duration.Milliseconds(),
				"ip", ip,
				"request_id", requestID,
			)

			if duration > slowRequestThreshold {
				logger.Warnw(
					"msg", "slow request detected",
					"method", method,
					"path", path,
					"duration_ms", duration.Milliseconds(),
					"request_id", requestID,
				)
			}

			return reply, err
		}
	}
}

// extractClientIP resolves the client address, preferring proxy headers.
// Priority: X-Real-IP > X-Forwarded-For (first hop) > RemoteAddr.
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	return req.RemoteAddr
}
