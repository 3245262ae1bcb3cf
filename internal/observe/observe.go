package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/conductor/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("conductor")

// Observer handles logging and tracing
type Observer struct {
	log *bolt.Logger
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewConsoleHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{
		log: l,
	}
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewJSONHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{
		log: l,
	}
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Envelope logs a wire envelope at debug level with its routing fields, so
// extension traffic reads uniformly wherever it is handled.
func (o *Observer) Envelope(direction, connectionID string, env protocol.Envelope) {
	o.log.Debug().
		Str("direction", direction).
		Str("connectionId", connectionID).
		Str("type", string(env.Type)).
		Str("correlationId", env.CorrelationID).
		Int("tabId", env.TabID).
		Msg("envelope")
}

// Close ensures any buffered logs or traces are flushed (placeholder)
func (o *Observer) Close() error {
	return nil
}
