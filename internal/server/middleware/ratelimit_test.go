package middleware

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	pkglog "Breakwater/pkg/log"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHeader adapts net/http headers to the kratos transport header interface.
type testHeader nethttp.Header

func (h testHeader) Get(key string) string      { return nethttp.Header(h).Get(key) }
func (h testHeader) Set(key, value string)      { nethttp.Header(h).Set(key, value) }
func (h testHeader) Add(key, value string)      { nethttp.Header(h).Add(key, value) }
func (h testHeader) Values(key string) []string { return nethttp.Header(h).Values(key) }

func (h testHeader) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// testTransport satisfies the kratos HTTP transporter for middleware tests.
type testTransport struct {
	req   *nethttp.Request
	reply testHeader
}

func (tr *testTransport) Kind() transport.Kind            { return transport.KindHTTP }
func (tr *testTransport) Endpoint() string                { return "" }
func (tr *testTransport) Operation() string               { return "" }
func (tr *testTransport) RequestHeader() transport.Header { return testHeader(tr.req.Header) }
func (tr *testTransport) ReplyHeader() transport.Header   { return tr.reply }
func (tr *testTransport) Request() *nethttp.Request       { return tr.req }
func (tr *testTransport) PathTemplate() string            { return tr.req.URL.Path }

func newLimitContext(req *nethttp.Request) (context.Context, testHeader) {
	reply := testHeader(nethttp.Header{})
	ctx := transport.NewServerContext(context.Background(), &testTransport{req: req, reply: reply})
	return ctx, reply
}

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		DefaultTier: "free",
		Tiers: map[string]ratelimit.TierLimits{
			"free": {PerSecond: 100, PerMinute: 2, PerHour: 1000, PerDay: 10000},
		},
		BanThreshold:      10,
		PermaBanThreshold: 20,
		TempBanDuration:   time.Hour,
	}, log.NewStdLogger(os.Stdout))
}

func newTestHelper() *pkglog.LogHelper {
	return pkglog.NewLogHelper(log.NewStdLogger(os.Stdout))
}

// Test that an allowed request passes through with budget headers on the
// reply.
func TestRateLimit_AllowedSetsHeaders(t *testing.T) {
	mw := RateLimit(newTestLimiter(), newTestHelper(), RateLimitOptions{})

	invoked := 0
	handler := mw(func(ctx context.Context, req interface{}) (interface{}, error) {
		invoked++
		return "ok", nil
	})

	httpReq := httptest.NewRequest("GET", "/api/v1/quotes", nil)
	httpReq.Header.Set("X-API-Key", "key-1")
	ctx, reply := newLimitContext(httpReq)

	v, err := handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, "1", reply.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, reply.Get("X-RateLimit-Reset"))
}

// Test the default rejection: a 429 kratos error carrying the decision
// metadata and a Retry-After header.
func TestRateLimit_DefaultRejection(t *testing.T) {
	mw := RateLimit(newTestLimiter(), newTestHelper(), RateLimitOptions{})

	invoked := 0
	handler := mw(func(ctx context.Context, req interface{}) (interface{}, error) {
		invoked++
		return "ok", nil
	})

	call := func() (testHeader, error) {
		httpReq := httptest.NewRequest("GET", "/api/v1/quotes", nil)
		httpReq.Header.Set("X-API-Key", "key-1")
		ctx, reply := newLimitContext(httpReq)
		_, err := handler(ctx, nil)
		return reply, err
	}

	for i := 0; i < 2; i++ {
		_, err := call()
		require.NoError(t, err)
	}

	reply, err := call()
	require.Error(t, err)
	assert.Equal(t, 2, invoked, "denied request must not reach the handler")

	se := errors.FromError(err)
	assert.Equal(t, int32(429), se.Code)
	assert.Equal(t, ReasonRateLimited, se.Reason)
	assert.Equal(t, ratelimit.ReasonRateLimitExceeded, se.Metadata["reason"])
	assert.Equal(t, "minute", se.Metadata["window"])
	assert.NotEmpty(t, reply.Get("Retry-After"))
}

// Test that OnLimited replaces the default rejection response.
func TestRateLimit_OnLimitedOverride(t *testing.T) {
	mw := RateLimit(newTestLimiter(), newTestHelper(), RateLimitOptions{
		OnLimited: func(ctx context.Context, decision ratelimit.Decision) error {
			return errors.New(503, "UPSTREAM_SHEDDING", "please back off").
				WithMetadata(map[string]string{"window": decision.Window})
		},
	})

	invoked := 0
	handler := mw(func(ctx context.Context, req interface{}) (interface{}, error) {
		invoked++
		return "ok", nil
	})

	call := func() error {
		httpReq := httptest.NewRequest("GET", "/api/v1/quotes", nil)
		httpReq.Header.Set("X-API-Key", "key-1")
		ctx, _ := newLimitContext(httpReq)
		_, err := handler(ctx, nil)
		return err
	}

	for i := 0; i < 2; i++ {
		require.NoError(t, call())
	}

	err := call()
	require.Error(t, err)
	assert.Equal(t, 2, invoked)

	se := errors.FromError(err)
	assert.Equal(t, int32(503), se.Code)
	assert.Equal(t, "UPSTREAM_SHEDDING", se.Reason)
	assert.Equal(t, "minute", se.Metadata["window"])
}

// Test that skipped requests never touch the limiter budget.
func TestRateLimit_SkipBypassesLimiter(t *testing.T) {
	limiter := newTestLimiter()
	mw := RateLimit(limiter, newTestHelper(), RateLimitOptions{
		Skip: func(req *nethttp.Request) bool { return req.URL.Path == "/healthz" },
	})

	handler := mw(func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})

	for i := 0; i < 5; i++ {
		httpReq := httptest.NewRequest("GET", "/healthz", nil)
		httpReq.Header.Set("X-API-Key", "key-1")
		ctx, reply := newLimitContext(httpReq)

		_, err := handler(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, reply.Get("X-RateLimit-Remaining"))
	}

	assert.Equal(t, int64(0), limiter.Stats().Allowed)
}
