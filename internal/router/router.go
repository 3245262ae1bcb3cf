// Package router implements the correlation-based request/response core:
// it dispatches a request to exactly one extension connection and settles
// the caller's wait when the matching response, a timeout, or a disconnect
// arrives, whichever happens first.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/observe"
	"github.com/felixgeelhaar/conductor/internal/protocol"
	"github.com/felixgeelhaar/conductor/internal/registry"
	"github.com/google/uuid"
)

var (
	// ErrNoTarget means no connection matched the target selector.
	// Dispatch fails immediately; it never queues silently.
	ErrNoTarget = errors.New("no matching extension connection")
	// ErrTimeout means no response arrived within the deadline.
	ErrTimeout = errors.New("request timed out awaiting extension response")
	// ErrConnectionLost means the owning connection closed mid-flight.
	ErrConnectionLost = errors.New("extension connection lost")
	// ErrCorrelationInUse rejects a caller-supplied correlation id that is
	// already pending.
	ErrCorrelationInUse = errors.New("correlation id already pending")
)

// DefaultTimeout bounds a dispatch when the caller does not override it.
const DefaultTimeout = 30 * time.Second

// Options tune a single dispatch.
type Options struct {
	// CorrelationID, when non-empty, is used instead of a generated id.
	// It must be unique among currently pending requests.
	CorrelationID string
	// Timeout overrides the router default for this call.
	Timeout time.Duration
}

type settlement struct {
	data map[string]interface{}
	err  error
}

// pendingRequest is an in-flight correlation. It is removed from the table
// the instant it settles; exactly one of response, timeout, disconnect, or
// caller cancellation wins.
type pendingRequest struct {
	correlationID string
	connID        string
	issuedAt      time.Time
	timer         *time.Timer
	done          chan settlement // buffered, written exactly once
}

// Router owns the pending-request table. The table is the single shared
// mutable structure touched from every connection-handling goroutine and is
// guarded by one mutex; settlement is atomic.
type Router struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	registry       *registry.Registry
	bus            *events.EventBus
	obs            *observe.Observer
	defaultTimeout time.Duration
}

// NewRouter creates a router over the given registry. A zero defaultTimeout
// falls back to DefaultTimeout.
func NewRouter(reg *registry.Registry, bus *events.EventBus, obs *observe.Observer, defaultTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Router{
		pending:        make(map[string]*pendingRequest),
		registry:       reg,
		bus:            bus,
		obs:            obs,
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch routes data to the connection matching tabID (0 = any) and
// blocks until the response, the timeout, a disconnect, or ctx cancellation.
// The caller sees exactly one of: the result, ErrNoTarget, ErrTimeout, or
// ErrConnectionLost.
func (r *Router) Dispatch(ctx context.Context, tabID int, data map[string]interface{}, opts Options) (map[string]interface{}, error) {
	ctx, span := r.obs.StartSpan(ctx, "Dispatch")
	defer span.End()

	conn := r.registry.FindTarget(tabID)
	if conn == nil {
		return nil, fmt.Errorf("%w (tabId=%d)", ErrNoTarget, tabID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	p := &pendingRequest{
		correlationID: correlationID,
		connID:        conn.ID(),
		issuedAt:      time.Now(),
		done:          make(chan settlement, 1),
	}

	r.mu.Lock()
	if _, exists := r.pending[correlationID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCorrelationInUse, correlationID)
	}
	r.pending[correlationID] = p
	p.timer = time.AfterFunc(timeout, func() {
		r.settle(correlationID, nil, ErrTimeout)
	})
	r.mu.Unlock()

	env := protocol.NewEnvelope(protocol.MessageTypeRequest)
	env.CorrelationID = correlationID
	env.TabID = tabID
	env.Data = data

	if err := conn.Send(env); err != nil {
		r.settle(correlationID, nil, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		s := <-p.done
		return nil, s.err
	}

	r.bus.PublishConnection(events.EventRequestDispatched, conn.ID(), tabID)
	r.obs.Log().Debug().
		Str("correlationId", correlationID).
		Str("connectionId", conn.ID()).
		Int("tabId", tabID).
		Msg("request dispatched")

	select {
	case s := <-p.done:
		return s.data, s.err
	case <-ctx.Done():
		// Settle loses cleanly if a response or timeout won the race;
		// the channel then carries the winner's outcome.
		r.settle(correlationID, nil, ctx.Err())
		s := <-p.done
		return s.data, s.err
	}
}

// HandleResponse settles the pending request carrying the envelope's
// correlation id, regardless of which connection delivered it (tolerates
// reconnection). Responses for unknown or already-settled ids are dropped.
// Returns whether a pending request was settled.
func (r *Router) HandleResponse(env protocol.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	if r.settle(env.CorrelationID, env.Data, nil) {
		r.bus.Publish(events.Event{
			Type: events.EventRequestSettled,
			Data: map[string]interface{}{"correlationId": env.CorrelationID},
		})
		return true
	}
	r.obs.Log().Debug().
		Str("correlationId", env.CorrelationID).
		Msg("dropping response for unknown or settled correlation id")
	return false
}

// ConnectionLost rejects every request pending on the given connection
// immediately, instead of letting them run out their timeouts.
func (r *Router) ConnectionLost(connID string) {
	r.mu.Lock()
	var lost []string
	for id, p := range r.pending {
		if p.connID == connID {
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		r.settle(id, nil, ErrConnectionLost)
	}
}

// PendingCount reports the size of the pending table.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// settle removes the pending request and delivers the outcome. At-most-once:
// the map deletion under the lock decides the winner; losers return false.
func (r *Router) settle(correlationID string, data map[string]interface{}, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, correlationID)
	r.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- settlement{data: data, err: err}
	return true
}
