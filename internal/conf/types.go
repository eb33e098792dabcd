package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration. Every section is a typed struct with
// named fields: unknown configuration keys are simply unrepresentable here.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Resilience *Resilience
	Log        *Log
}

// Server holds transport listener settings.
type Server struct {
	Http *Server_HTTP
	Grpc *Server_GRPC
}

// Server_HTTP holds HTTP listener settings.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Server_GRPC holds gRPC listener settings.
type Server_GRPC struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds storage settings.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the audit log database settings.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the snapshot cache settings.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Resilience holds the circuit breaker, rate limiter and event bus settings.
type Resilience struct {
	Breaker   *Resilience_Breaker
	RateLimit *Resilience_RateLimit
	EventBus  *Resilience_EventBus
}

// Resilience_Breaker holds default per-breaker settings.
type Resilience_Breaker struct {
	FailureThreshold int32
	SuccessThreshold int32
	OpenDuration     *durationpb.Duration
	CallTimeout      *durationpb.Duration
	MaxConcurrent    int32
	MaxQueueDepth    int32
}

// Resilience_TierLimits holds per-window thresholds for one tier.
type Resilience_TierLimits struct {
	PerSecond int32
	PerMinute int32
	PerHour   int32
	PerDay    int32
	BurstSize int32
}

// Resilience_RateLimit holds limiter tiers and ban policy.
type Resilience_RateLimit struct {
	DefaultTier string
	Tiers       map[string]*Resilience_TierLimits
	// EndpointOverrides maps endpoint name → tier name → overrides.
	EndpointOverrides map[string]map[string]*Resilience_TierLimits
	BanThreshold      int32
	PermaBanThreshold int32
	TempBanDuration   *durationpb.Duration
	DecayPerHour      int32
	IdleEviction      *durationpb.Duration
}

// Resilience_EventBus holds event bus limits.
type Resilience_EventBus struct {
	MaxHandlersPerType  int32
	HistorySize         int32
	MaxPublishPerSecond int32
	HandlerTimeout      *durationpb.Duration
}

// Log holds logging settings.
type Log struct {
	Level      string
	Format     string
	OutputFile string
}
