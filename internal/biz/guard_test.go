package biz

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"Breakwater/pkg/breaker"
	"Breakwater/pkg/eventbus"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAuditLogger is a mock implementation of AuditLogger for testing.
type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) LogCircuitStateChanged(ctx context.Context, circuit, from, to, reason string) {
	m.Called(ctx, circuit, from, to, reason)
}

func (m *MockAuditLogger) LogCircuitReset(ctx context.Context, circuit string, operatorID int64) {
	m.Called(ctx, circuit, operatorID)
}

func (m *MockAuditLogger) LogIdentifierBanned(ctx context.Context, identifier string, permanent bool, violations int) {
	m.Called(ctx, identifier, permanent, violations)
}

func (m *MockAuditLogger) LogIdentifierUnbanned(ctx context.Context, identifier string, operatorID int64) {
	m.Called(ctx, identifier, operatorID)
}

type guardFixture struct {
	uc       *GuardUsecase
	registry *breaker.Registry
	limiter  *ratelimit.Limiter
	bus      *eventbus.Bus
	audit    *MockAuditLogger
}

func newGuardFixture(t *testing.T) *guardFixture {
	logger := log.NewStdLogger(os.Stdout)

	bus := eventbus.New(eventbus.Config{}, logger)
	sink := busSink{bus: bus}

	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, OpenDuration: 30 * time.Second},
		logger, breaker.WithRegistrySink(sink))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultTier: "free",
		Tiers: map[string]ratelimit.TierLimits{
			"free": {PerSecond: 100, PerMinute: 2, PerHour: 1000, PerDay: 10000, BurstSize: 3},
		},
		BanThreshold:      2,
		PermaBanThreshold: 10,
		TempBanDuration:   time.Hour,
	}, logger, ratelimit.WithEventSink(sink))

	audit := new(MockAuditLogger)
	uc, err := NewGuardUsecase(registry, limiter, bus, audit, logger)
	require.NoError(t, err)

	return &guardFixture{uc: uc, registry: registry, limiter: limiter, bus: bus, audit: audit}
}

// Test that a breaker transition reaches the audit trail through the bus.
func TestGuard_AuditsCircuitStateChange(t *testing.T) {
	f := newGuardFixture(t)
	f.audit.On("LogCircuitStateChanged", mock.Anything, "payments", "CLOSED", "OPEN", mock.Anything).Once()

	ctx := context.Background()
	boom := errors.New("dependency down")
	for i := 0; i < 2; i++ {
		_, err := f.uc.Call(ctx, "payments", func(ctx context.Context) (any, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}

	f.audit.AssertExpectations(t)
}

// Test that a ban escalation reaches the audit trail with the masked
// identifier used on the bus.
func TestGuard_AuditsBan(t *testing.T) {
	f := newGuardFixture(t)
	f.audit.On("LogIdentifierBanned", mock.Anything, "client-a...", false, 2).Once()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.True(t, f.uc.Allow(ctx, "client-abcdef", "free", "").Allowed)
	}
	// Two violations cross the ban threshold.
	f.uc.Allow(ctx, "client-abcdef", "free", "")
	f.uc.Allow(ctx, "client-abcdef", "free", "")

	f.audit.AssertExpectations(t)
}

// Test the composed pipeline: a rate limit denial short-circuits before the
// breaker call.
func TestGuard_ExecuteDeniedByLimiter(t *testing.T) {
	f := newGuardFixture(t)

	ctx := context.Background()
	req := GuardRequest{Identifier: "client-1", Tier: "free", Dependency: "payments"}

	invoked := 0
	op := func(ctx context.Context) (any, error) {
		invoked++
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		v, decision, err := f.uc.Execute(ctx, req, op)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		assert.Equal(t, "ok", v)
	}
	assert.Equal(t, 2, invoked)

	_, decision, err := f.uc.Execute(ctx, req, op)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ratelimit.ReasonRateLimitExceeded, decision.Reason)
	assert.Equal(t, 2, invoked, "denied request must not reach the operation")
}

// Test that a positive cost adds the token bucket gate to the pipeline.
func TestGuard_ExecuteTokenCost(t *testing.T) {
	f := newGuardFixture(t)

	ctx := context.Background()
	op := func(ctx context.Context) (any, error) { return "ok", nil }

	// Burst capacity is 3; a cost of 3 drains it in one shot.
	_, decision, err := f.uc.Execute(ctx, GuardRequest{
		Identifier: "client-1", Tier: "free", Dependency: "payments", Cost: 3,
	}, op)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	_, decision, err = f.uc.Execute(ctx, GuardRequest{
		Identifier: "client-1", Tier: "free", Dependency: "payments", Cost: 3,
	}, op)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ratelimit.ReasonInsufficientTokens, decision.Reason)
}

// Test that breaker errors propagate alongside an allowed decision.
func TestGuard_ExecuteBreakerError(t *testing.T) {
	f := newGuardFixture(t)
	f.audit.On("LogCircuitStateChanged", mock.Anything, "payments", "CLOSED", "OPEN", mock.Anything).Once()

	ctx := context.Background()
	boom := errors.New("dependency down")

	// Open the breaker with different identifiers to stay under the
	// rate limit.
	for _, id := range []string{"client-1", "client-2"} {
		_, decision, err := f.uc.Execute(ctx, GuardRequest{
			Identifier: id, Tier: "free", Dependency: "payments",
		}, func(ctx context.Context) (any, error) { return nil, boom })
		require.True(t, decision.Allowed)
		require.ErrorIs(t, err, boom)
	}

	_, decision, err := f.uc.Execute(ctx, GuardRequest{
		Identifier: "client-3", Tier: "free", Dependency: "payments",
	}, func(ctx context.Context) (any, error) { return "ok", nil })
	require.True(t, decision.Allowed)
	require.ErrorAs(t, err, new(*breaker.CircuitOpenError))
}
