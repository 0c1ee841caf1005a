package tcpagent

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ReusePolicy selects which SO_REUSE* options are applied before bind.
type ReusePolicy int

const (
	ReuseNone ReusePolicy = iota
	ReuseAddr
	ReusePort
	ReuseAddrAndPort
)

// GCMode selects how the connection-record/buffer GC lists are swept.
type GCMode int

const (
	// GCInternal spawns an extra dispatcher worker carrying a timer
	// that sweeps the GC lists every GCCheckInterval.
	GCInternal GCMode = iota
	// GCExternal disables the internal timer; the host must call
	// Agent.GCTick() on its own schedule.
	GCExternal
)

const (
	defaultGCCheckInterval = time.Second
	// QuarantineMs default, per §6 FreeSocketObjLockTime.
	defaultQuarantineMs = 10000
)

// Options configures an Agent. Every field is validated by Validate,
// which is called automatically from Start.
type Options struct {
	// MaxConnectionCount is the hard cap on live connections. Range: 1..1e6.
	MaxConnectionCount int
	// WorkerThreadCount is the number of dispatcher workers. Range: 1..500.
	WorkerThreadCount int
	// SocketBufferSize is the per-worker scratch read buffer size, and
	// the buffer-pool item size. Must be >= 64.
	SocketBufferSize int
	// SyncConnectTimeout bounds sync-mode Connect. Must be > 0.
	SyncConnectTimeout time.Duration
	// FreeSocketObjLockTime is the connection-record quarantine
	// interval. Must be >= 1000ms.
	FreeSocketObjLockTime time.Duration
	// FreeSocketObjPool / FreeBufferObjPool are free-list capacities.
	FreeSocketObjPool int
	FreeBufferObjPool int
	// FreeSocketObjHold / FreeBufferObjHold are GC-list high-water marks:
	// every GC sweep logs a warning when the corresponding GC list grows
	// past this count. The GC lists themselves stay unbounded overflow
	// lists per §3; these only gate the warning, never a drop.
	FreeSocketObjHold int
	FreeBufferObjHold int
	// KeepAliveTime / KeepAliveInterval: 0 disables keep-alive, else
	// must be >= 1000ms.
	KeepAliveTime     time.Duration
	KeepAliveInterval time.Duration
	// NoDelay sets TCP_NODELAY on every connection.
	NoDelay bool
	// MarkSilence maintains each record's active_time, refreshed each
	// time the read path runs; writes do not refresh it.
	MarkSilence bool
	// ReusePolicy controls SO_REUSEADDR/SO_REUSEPORT before bind.
	ReusePolicy ReusePolicy
	// LocalAddr is the optional default local bind address ("ip:port"),
	// used when Start is given an empty bindAddress.
	LocalAddr string
	// MaxEventsPerWait bounds one epoll_wait batch. Defaults to 1024.
	MaxEventsPerWait int
	// GCMode selects internal vs external GC sweeping.
	GCMode GCMode
	// GCCheckInterval is the internal GC sweep period. Defaults to 1s.
	GCCheckInterval time.Duration
	// EdgeTriggered, when true, tells the read/write paths to drain
	// until EAGAIN instead of stopping after MaxContinueReads/MaxContinueWrites
	// iterations (see spec §9, level- vs edge-triggered).
	EdgeTriggered bool

	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
	// MetricsNamespace prefixes every exported Prometheus metric.
	// Defaults to "tcpagent".
	MetricsNamespace string
}

// DefaultOptions returns an Options populated with the spec's defaults
// for everything the caller doesn't have to care about.
func DefaultOptions() Options {
	return Options{
		MaxConnectionCount:    10000,
		WorkerThreadCount:     4,
		SocketBufferSize:      65536,
		SyncConnectTimeout:    5 * time.Second,
		FreeSocketObjLockTime: defaultQuarantineMs * time.Millisecond,
		FreeSocketObjPool:     1024,
		FreeBufferObjPool:     1024,
		FreeSocketObjHold:     10000,
		FreeBufferObjHold:     10000,
		MaxEventsPerWait:      1024,
		GCMode:                GCInternal,
		GCCheckInterval:       defaultGCCheckInterval,
	}
}

// Validate checks every field against the ranges in spec §6, aggregating
// every violation rather than failing on the first one found.
func (o *Options) Validate() error {
	var result *multierror.Error

	if o.MaxConnectionCount < 1 || o.MaxConnectionCount > 1_000_000 {
		result = multierror.Append(result, fmt.Errorf("MaxConnectionCount %d out of range [1, 1e6]", o.MaxConnectionCount))
	}
	if o.WorkerThreadCount < 1 || o.WorkerThreadCount > 500 {
		result = multierror.Append(result, fmt.Errorf("WorkerThreadCount %d out of range [1, 500]", o.WorkerThreadCount))
	}
	if o.SocketBufferSize < 64 {
		result = multierror.Append(result, fmt.Errorf("SocketBufferSize %d must be >= 64", o.SocketBufferSize))
	}
	if o.SyncConnectTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("SyncConnectTimeout must be > 0"))
	}
	if o.FreeSocketObjLockTime < time.Second {
		result = multierror.Append(result, fmt.Errorf("FreeSocketObjLockTime must be >= 1000ms"))
	}
	if o.FreeSocketObjPool < 0 {
		result = multierror.Append(result, fmt.Errorf("FreeSocketObjPool must be >= 0"))
	}
	if o.FreeBufferObjPool < 0 {
		result = multierror.Append(result, fmt.Errorf("FreeBufferObjPool must be >= 0"))
	}
	if o.FreeSocketObjHold < 0 {
		result = multierror.Append(result, fmt.Errorf("FreeSocketObjHold must be >= 0"))
	}
	if o.FreeBufferObjHold < 0 {
		result = multierror.Append(result, fmt.Errorf("FreeBufferObjHold must be >= 0"))
	}
	if o.KeepAliveTime != 0 && o.KeepAliveTime < time.Second {
		result = multierror.Append(result, fmt.Errorf("KeepAliveTime must be 0 or >= 1000ms"))
	}
	if o.KeepAliveInterval != 0 && o.KeepAliveInterval < time.Second {
		result = multierror.Append(result, fmt.Errorf("KeepAliveInterval must be 0 or >= 1000ms"))
	}
	if o.ReusePolicy < ReuseNone || o.ReusePolicy > ReuseAddrAndPort {
		result = multierror.Append(result, fmt.Errorf("ReusePolicy %d invalid", o.ReusePolicy))
	}

	if o.MaxEventsPerWait <= 0 {
		o.MaxEventsPerWait = 1024
	}
	if o.GCCheckInterval <= 0 {
		o.GCCheckInterval = defaultGCCheckInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MetricsNamespace == "" {
		o.MetricsNamespace = "tcpagent"
	}

	return result.ErrorOrNil()
}
