package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for engine options.
const (
	DefaultMaxParallelNodes = 10
	DefaultNodeTimeout      = 60 * time.Second
	DefaultExecutionTimeout = time.Hour
	DefaultCancelGrace      = 2 * time.Second
)

// Options configures engine execution behaviour. Zero values select
// the defaults above.
type Options struct {
	// MaxParallelNodes bounds how many nodes run concurrently within
	// a step.
	MaxParallelNodes int

	// NodeTimeout is the default per-node timeout; node config may
	// override it.
	NodeTimeout time.Duration

	// ExecutionTimeout bounds the whole execution.
	ExecutionTimeout time.Duration

	// CancelGrace is how long the engine waits for in-flight handlers
	// to honour cancellation before giving up on them.
	CancelGrace time.Duration

	// Retry is the default retry policy for transient handler
	// failures; node config may override it.
	Retry RetryPolicy

	// Interactive enables interactive prompts; when false,
	// user_response nodes resolve immediately with the empty string.
	Interactive bool

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *Metrics

	// Log is the engine's structured logger.
	Log zerolog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithMaxParallelNodes bounds step parallelism.
func WithMaxParallelNodes(n int) Option {
	return func(o *Options) { o.MaxParallelNodes = n }
}

// WithNodeTimeout sets the default per-node timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.NodeTimeout = d }
}

// WithExecutionTimeout bounds total execution time.
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.ExecutionTimeout = d }
}

// WithCancelGrace sets the forced-termination grace period.
func WithCancelGrace(d time.Duration) Option {
	return func(o *Options) { o.CancelGrace = d }
}

// WithInteractive enables interactive prompts.
func WithInteractive(enabled bool) Option {
	return func(o *Options) { o.Interactive = enabled }
}

// WithRetryPolicy sets the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Options) { o.Log = log }
}

func defaultOptions() Options {
	return Options{
		MaxParallelNodes: DefaultMaxParallelNodes,
		NodeTimeout:      DefaultNodeTimeout,
		ExecutionTimeout: DefaultExecutionTimeout,
		CancelGrace:      DefaultCancelGrace,
		Retry:            DefaultRetryPolicy(),
		Log:              zerolog.Nop(),
	}
}

func (o *Options) applyDefaults() {
	def := defaultOptions()
	if o.MaxParallelNodes <= 0 {
		o.MaxParallelNodes = def.MaxParallelNodes
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = def.NodeTimeout
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = def.ExecutionTimeout
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = def.CancelGrace
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = def.Retry
	}
}

func stringifyAny(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
