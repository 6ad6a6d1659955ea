package pipeline

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/sqlpipeline/logging"
)

// Options configures a Pipeline.
type Options struct {
	// Name identifies the pipeline in logs and focus conflicts.
	// Default: "pipeline-<uuid>"
	Name string

	// Retain is the number of unsent queries the pipeline accumulates before
	// it dispatches a batch on its own. Retrieval, Complete and Resume
	// dispatch regardless.
	// Default: 0 (dispatch as soon as the session is idle)
	Retain int

	// Logger is the logger implementation to use.
	// If nil, a no-op logger is used.
	Logger logging.Logger

	// Registerer receives the pipeline's metrics.
	// If nil, metrics are collected but not registered.
	Registerer prometheus.Registerer

	// Metrics lets several pipelines share one set of collectors. When set,
	// Registerer is ignored.
	Metrics *Metrics

	// DebugMode logs every statement and dispatched batch text.
	// Default: false
	DebugMode bool

	// OnStateChange is called on every lifecycle transition.
	OnStateChange StateChangeHandler
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		Name:   "pipeline-" + uuid.New().String(),
		Retain: 0,
		Logger: logging.NewNopLogger(),
	}
}
