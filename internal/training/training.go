// Package training implements the per-tab session state machine that turns
// a user's single demonstrated action into a persisted automation pattern.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/pattern"
	"github.com/google/uuid"
)

var (
	// ErrTrainingCancelled rejects a buffered request when the user aborts
	// training (or the owning connection disconnects mid-session).
	ErrTrainingCancelled = errors.New("training cancelled")
	// ErrNotTraining means no active session exists for the tab.
	ErrNotTraining = errors.New("tab is not in training mode")
	// ErrNothingBuffered means Confirm arrived before any request was
	// intercepted.
	ErrNothingBuffered = errors.New("no request buffered for training")
)

// Mode is the session state. Sessions only exist while training; Idle is
// represented by the absence of a session.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeTraining Mode = "training"
)

// Session is the ephemeral per-tab training state.
type Session struct {
	ID        string    `json:"id"`
	TabID     int       `json:"tabId"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}

// PatternSaver is the slice of persistence training needs.
type PatternSaver interface {
	SavePattern(p *pattern.AutomationPattern) error
}

type release struct {
	pattern *pattern.AutomationPattern
	err     error
}

// buffered is one intercepted request awaiting user confirmation.
type buffered struct {
	messageType string
	payload     map[string]interface{}
	released    chan release // buffered, written exactly once
}

type session struct {
	Session
	queue []*buffered // FIFO: released in the order received
}

// Manager owns all active training sessions. At most one session exists per
// tab at a time.
type Manager struct {
	mu       sync.Mutex
	sessions map[int]*session
	saver    PatternSaver
	bus      *events.EventBus
}

// NewManager creates a training manager persisting captured patterns
// through the given saver.
func NewManager(saver PatternSaver, bus *events.EventBus) *Manager {
	return &Manager{
		sessions: make(map[int]*session),
		saver:    saver,
		bus:      bus,
	}
}

// Enable puts the tab into training mode. Idempotent: enabling an already
// training tab returns the existing session.
func (m *Manager) Enable(tabID int) Session {
	m.mu.Lock()
	sess, ok := m.sessions[tabID]
	if !ok {
		sess = &session{
			Session: Session{
				ID:        uuid.New().String(),
				TabID:     tabID,
				Mode:      ModeTraining,
				StartedAt: time.Now(),
			},
		}
		m.sessions[tabID] = sess
	}
	snapshot := sess.Session
	m.mu.Unlock()

	if !ok {
		m.bus.PublishTab(events.EventTrainingStarted, tabID)
	}
	return snapshot
}

// IsTraining reports whether the tab has an active session.
func (m *Manager) IsTraining(tabID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[tabID]
	return ok
}

// Sessions returns a snapshot of all active sessions.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Session)
	}
	return out
}

// Intercept parks an automation request for the tab and blocks until the
// user confirms an element, cancels the session, or ctx expires. On confirm
// of this request it returns the freshly captured pattern; a request
// released without capture (it was queued behind the confirmed one) returns
// (nil, nil) and should go through normal matching.
func (m *Manager) Intercept(ctx context.Context, tabID int, messageType string, payload map[string]interface{}) (*pattern.AutomationPattern, error) {
	m.mu.Lock()
	sess, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotTraining
	}
	b := &buffered{
		messageType: messageType,
		payload:     payload,
		released:    make(chan release, 1),
	}
	sess.queue = append(sess.queue, b)
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:  events.EventGuidanceRequired,
		TabID: tabID,
		Data: map[string]interface{}{
			"messageType": messageType,
			"payload":     payload,
		},
	})

	select {
	case rel := <-b.released:
		return rel.pattern, rel.err
	case <-ctx.Done():
		m.removeBuffered(tabID, b)
		return nil, ctx.Err()
	}
}

// Confirm combines the oldest buffered request with the demonstrated
// locator into a new pattern, persists it, ends the session, and releases
// the buffered requests: the confirmed head carries the pattern, the rest
// fall through to normal matching (where the new pattern is already
// visible).
func (m *Manager) Confirm(tabID int, action pattern.Action, pageCtx pattern.PageContext) (*pattern.AutomationPattern, error) {
	m.mu.Lock()
	sess, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotTraining
	}
	if len(sess.queue) == 0 {
		m.mu.Unlock()
		return nil, ErrNothingBuffered
	}
	head := sess.queue[0]
	rest := sess.queue[1:]
	delete(m.sessions, tabID)
	m.mu.Unlock()

	if pageCtx.PathPattern == "" {
		pageCtx.PathPattern = pageCtx.Path
	}
	p := pattern.New(head.messageType, head.payload, action, pageCtx)
	if err := m.saver.SavePattern(p); err != nil {
		err = fmt.Errorf("failed to persist captured pattern: %w", err)
		head.released <- release{err: err}
		for _, b := range rest {
			b.released <- release{err: ErrTrainingCancelled}
		}
		return nil, err
	}

	m.bus.Publish(events.Event{
		Type:  events.EventPatternCaptured,
		TabID: tabID,
		Data:  map[string]interface{}{"patternId": p.ID, "messageType": p.MessageType},
	})
	m.bus.PublishTab(events.EventTrainingEnded, tabID)

	head.released <- release{pattern: p}
	for _, b := range rest {
		b.released <- release{}
	}
	return p, nil
}

// Cancel aborts the tab's session. Every buffered request is rejected with
// ErrTrainingCancelled.
func (m *Manager) Cancel(tabID int) error {
	m.mu.Lock()
	sess, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return ErrNotTraining
	}
	delete(m.sessions, tabID)
	queue := sess.queue
	m.mu.Unlock()

	for _, b := range queue {
		b.released <- release{err: ErrTrainingCancelled}
	}
	m.bus.PublishTab(events.EventTrainingEnded, tabID)
	return nil
}

// HandleDisconnect resets the tab's session when its connection goes away.
// No-op for tabs that are not training.
func (m *Manager) HandleDisconnect(tabID int) {
	if err := m.Cancel(tabID); err != nil {
		return
	}
}

// removeBuffered drops an abandoned (ctx-cancelled) entry from the queue.
func (m *Manager) removeBuffered(tabID int, target *buffered) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[tabID]
	if !ok {
		return
	}
	for i, b := range sess.queue {
		if b == target {
			sess.queue = append(sess.queue[:i], sess.queue[i+1:]...)
			return
		}
	}
}
