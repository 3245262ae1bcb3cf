package training

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/pattern"
)

type memorySaver struct {
	saved   []*pattern.AutomationPattern
	failure error
}

func (m *memorySaver) SavePattern(p *pattern.AutomationPattern) error {
	if m.failure != nil {
		return m.failure
	}
	m.saved = append(m.saved, p)
	return nil
}

// newTestManager wires a manager whose guidance events land on the returned
// channel, so tests can wait for Intercept to park before confirming.
func newTestManager(saver *memorySaver) (*Manager, chan events.Event) {
	bus := events.NewEventBus()
	guidance := make(chan events.Event, 8)
	bus.Subscribe(events.EventGuidanceRequired, func(e events.Event) {
		guidance <- e
	})
	return NewManager(saver, bus), guidance
}

func waitGuidance(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the intercepted request to buffer")
		return events.Event{}
	}
}

func TestEnableIdempotent(t *testing.T) {
	m, _ := newTestManager(&memorySaver{})

	first := m.Enable(1)
	second := m.Enable(1)
	if first.ID != second.ID {
		t.Error("Enabling an already training tab must return the same session")
	}
	if first.Mode != ModeTraining {
		t.Errorf("Expected training mode, got %s", first.Mode)
	}
	if !m.IsTraining(1) {
		t.Error("Tab must report as training")
	}
	if m.IsTraining(2) {
		t.Error("Other tabs must stay idle")
	}
	if len(m.Sessions()) != 1 {
		t.Errorf("Expected one session, got %d", len(m.Sessions()))
	}
}

func TestInterceptWithoutSession(t *testing.T) {
	m, _ := newTestManager(&memorySaver{})

	_, err := m.Intercept(context.Background(), 1, "FILL_FIELD", nil)
	if !errors.Is(err, ErrNotTraining) {
		t.Fatalf("Expected ErrNotTraining, got %v", err)
	}
}

func TestConfirmCapturesPattern(t *testing.T) {
	saver := &memorySaver{}
	m, guidance := newTestManager(saver)
	m.Enable(1)

	type result struct {
		p   *pattern.AutomationPattern
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := m.Intercept(context.Background(), 1, "FILL_FIELD",
			map[string]interface{}{"value": "hello"})
		done <- result{p, err}
	}()
	waitGuidance(t, guidance)

	captured, err := m.Confirm(1,
		pattern.Action{Target: "#prompt", Operation: "fill", Value: "hello"},
		pattern.PageContext{Domain: "example.com", Path: "/chat"})
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Intercept failed: %v", res.err)
	}
	if res.p == nil || res.p.ID != captured.ID {
		t.Error("The intercepted request must be released with the captured pattern")
	}
	if captured.MessageType != "FILL_FIELD" {
		t.Errorf("Expected FILL_FIELD pattern, got %q", captured.MessageType)
	}
	if captured.Context.PathPattern != "/chat" {
		t.Errorf("Path pattern must default to the observed path, got %q", captured.Context.PathPattern)
	}
	if len(saver.saved) != 1 {
		t.Fatalf("Expected exactly one persisted pattern, got %d", len(saver.saved))
	}
	if m.IsTraining(1) {
		t.Error("Session must end after a pattern is captured")
	}
}

func TestConfirmReleasesQueueInOrder(t *testing.T) {
	saver := &memorySaver{}
	m, guidance := newTestManager(saver)
	m.Enable(1)

	headDone := make(chan *pattern.AutomationPattern, 1)
	go func() {
		p, _ := m.Intercept(context.Background(), 1, "FILL_FIELD",
			map[string]interface{}{"value": "first"})
		headDone <- p
	}()
	waitGuidance(t, guidance)

	tailDone := make(chan *pattern.AutomationPattern, 1)
	go func() {
		p, _ := m.Intercept(context.Background(), 1, "CLICK_BUTTON", nil)
		tailDone <- p
	}()
	waitGuidance(t, guidance)

	captured, err := m.Confirm(1, pattern.Action{Target: "#in"}, pattern.PageContext{Domain: "a.com"})
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	// FIFO: the demonstration applies to the oldest buffered request.
	if captured.MessageType != "FILL_FIELD" {
		t.Errorf("Confirm must capture the head of the queue, got %q", captured.MessageType)
	}
	if head := <-headDone; head == nil || head.ID != captured.ID {
		t.Error("Head must be released with the captured pattern")
	}
	if tail := <-tailDone; tail != nil {
		t.Error("Queued requests behind the head must be released without a pattern")
	}
}

func TestConfirmWithoutBuffer(t *testing.T) {
	m, _ := newTestManager(&memorySaver{})
	m.Enable(1)

	_, err := m.Confirm(1, pattern.Action{}, pattern.PageContext{})
	if !errors.Is(err, ErrNothingBuffered) {
		t.Fatalf("Expected ErrNothingBuffered, got %v", err)
	}
	if _, err := m.Confirm(2, pattern.Action{}, pattern.PageContext{}); !errors.Is(err, ErrNotTraining) {
		t.Fatalf("Expected ErrNotTraining for an idle tab, got %v", err)
	}
}

func TestConfirmSaveFailure(t *testing.T) {
	saver := &memorySaver{failure: errors.New("disk full")}
	m, guidance := newTestManager(saver)
	m.Enable(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Intercept(context.Background(), 1, "FILL_FIELD", nil)
		errCh <- err
	}()
	waitGuidance(t, guidance)

	if _, err := m.Confirm(1, pattern.Action{Target: "#x"}, pattern.PageContext{}); err == nil {
		t.Fatal("Expected Confirm to surface the persistence failure")
	}
	if err := <-errCh; err == nil {
		t.Error("The buffered request must be rejected when persistence fails")
	}
	if m.IsTraining(1) {
		t.Error("A failed capture still ends the session")
	}
}

func TestCancelRejectsBuffered(t *testing.T) {
	m, guidance := newTestManager(&memorySaver{})
	m.Enable(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Intercept(context.Background(), 1, "FILL_FIELD", nil)
		errCh <- err
	}()
	waitGuidance(t, guidance)

	if err := m.Cancel(1); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrTrainingCancelled) {
		t.Fatalf("Expected ErrTrainingCancelled, got %v", err)
	}
	if m.IsTraining(1) {
		t.Error("Session must be gone after cancel")
	}
	if err := m.Cancel(1); !errors.Is(err, ErrNotTraining) {
		t.Errorf("Cancelling an idle tab must return ErrNotTraining, got %v", err)
	}
}

func TestDisconnectResetsSession(t *testing.T) {
	m, guidance := newTestManager(&memorySaver{})
	m.Enable(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Intercept(context.Background(), 1, "FILL_FIELD", nil)
		errCh <- err
	}()
	waitGuidance(t, guidance)

	m.HandleDisconnect(1)
	if err := <-errCh; !errors.Is(err, ErrTrainingCancelled) {
		t.Fatalf("Expected ErrTrainingCancelled on disconnect, got %v", err)
	}
	if m.IsTraining(1) {
		t.Error("Disconnect must reset the tab to idle")
	}
	// Idle tabs are a no-op.
	m.HandleDisconnect(2)
}

func TestInterceptContextCancellation(t *testing.T) {
	m, guidance := newTestManager(&memorySaver{})
	m.Enable(1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Intercept(ctx, 1, "FILL_FIELD", nil)
		errCh <- err
	}()
	waitGuidance(t, guidance)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	// The abandoned entry must not become the head a later Confirm captures.
	if _, err := m.Confirm(1, pattern.Action{}, pattern.PageContext{}); !errors.Is(err, ErrNothingBuffered) {
		t.Errorf("Expected empty queue after abandonment, got %v", err)
	}
}
