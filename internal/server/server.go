// Package server is the composition root: it owns the registry, router,
// matcher, and training manager, and exposes the HTTP/WebSocket surface
// that turns inbound calls into coordination operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/conductor/internal/config"
	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/observe"
	"github.com/felixgeelhaar/conductor/internal/pattern"
	"github.com/felixgeelhaar/conductor/internal/registry"
	"github.com/felixgeelhaar/conductor/internal/router"
	"github.com/felixgeelhaar/conductor/internal/store"
	"github.com/felixgeelhaar/conductor/internal/training"
	"github.com/gorilla/websocket"
)

// Server coordinates automation commands between callers and connected
// browser extensions. Every dependency is constructed explicitly; multiple
// isolated instances can run in one process.
type Server struct {
	cfg   config.Config
	obs   *observe.Observer
	store store.Storage

	bus      *events.EventBus
	registry *registry.Registry
	router   *router.Router
	matcher  *pattern.Matcher
	training *training.Manager

	upgrader  websocket.Upgrader
	server    *http.Server
	socketsMu sync.Mutex
	sockets   map[string]*wsSender
	stopSweep chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

// New wires a coordination server from its configuration, observer, and
// pattern store.
func New(cfg config.Config, obs *observe.Observer, st store.Storage) *Server {
	bus := events.NewEventBus()
	reg := registry.NewRegistry(bus)

	s := &Server{
		cfg:       cfg,
		obs:       obs,
		store:     st,
		bus:       bus,
		registry:  reg,
		router:    router.NewRouter(reg, bus, obs, cfg.RequestTimeout.Std()),
		matcher:   pattern.NewMatcher(st),
		training:  training.NewManager(st, bus),
		sockets:   make(map[string]*wsSender),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	bus.SubscribeAll(func(e events.Event) {
		obs.Log().Debug().
			Str("event", string(e.Type)).
			Str("connectionId", e.ConnectionID).
			Int("tabId", e.TabID).
			Msg("coordination event")
	})

	return s
}

// Handler builds the HTTP surface. Exposed separately so tests can mount it
// on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/extensions", s.handleExtensions)
	mux.HandleFunc("/patterns", s.handlePatterns)
	mux.HandleFunc("/patterns/", s.handlePatternByID)
	mux.HandleFunc("/training/enable", s.handleTrainingEnable)
	mux.HandleFunc("/training/confirm", s.handleTrainingConfirm)
	mux.HandleFunc("/training/cancel", s.handleTrainingCancel)
	mux.HandleFunc("/training", s.handleTrainingSessions)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start runs the HTTP server and the stale-connection sweeper. Blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // message dispatches block up to the request timeout
	}

	go s.sweepStale()

	s.obs.Log().Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordination server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopSweep) })
	<-s.sweepDone
	return s.server.Shutdown(ctx)
}

// sweepStale prunes connections whose heartbeats stopped. Pruned sockets
// are force-closed; their read loops then run the normal disconnect path.
func (s *Server) sweepStale() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, conn := range s.registry.PruneStale(s.cfg.StaleAfter.Std()) {
				s.obs.Log().Warn().
					Str("connectionId", conn.ID()).
					Msg("pruning stale extension connection")
				s.router.ConnectionLost(conn.ID())
				if tab := conn.TabID(); tab != 0 {
					s.training.HandleDisconnect(tab)
				}
				s.closeSocket(conn.ID())
			}
		case <-s.stopSweep:
			return
		}
	}
}

// --- Message dispatch ---

// parsedMessage is the decomposed POST /message body: exactly one
// non-reserved key names the message type and carries the payload.
type parsedMessage struct {
	messageType   string
	payload       map[string]interface{}
	tabID         int
	correlationID string
}

func parseMessageBody(body map[string]interface{}) (parsedMessage, bool) {
	var msg parsedMessage
	for key, value := range body {
		switch key {
		case "tabId":
			if n, ok := value.(float64); ok {
				msg.tabID = int(n)
			}
		case "correlationId":
			if s, ok := value.(string); ok {
				msg.correlationID = s
			}
		default:
			if msg.messageType != "" {
				return msg, false // ambiguous: two message types in one body
			}
			msg.messageType = key
			if payload, ok := value.(map[string]interface{}); ok {
				msg.payload = payload
			} else {
				msg.payload = map[string]interface{}{"value": value}
			}
		}
	}
	return msg, msg.messageType != ""
}

// handleMessage is the caller entry point: training interception first,
// then pattern matching, then correlation-routed dispatch.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	msg, ok := parseMessageBody(body)
	if !ok {
		http.Error(w, "body must carry exactly one message type", http.StatusBadRequest)
		return
	}

	ctx, span := s.obs.StartSpan(r.Context(), "HandleMessage")
	defer span.End()

	result, err := s.dispatch(ctx, msg)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// dispatch runs one caller request through training interception, pattern
// matching, and correlated routing, in that order.
func (s *Server) dispatch(ctx context.Context, msg parsedMessage) (map[string]interface{}, error) {
	var matched *pattern.AutomationPattern

	if s.training.IsTraining(msg.tabID) {
		captured, err := s.training.Intercept(ctx, msg.tabID, msg.messageType, msg.payload)
		if err != nil && !errors.Is(err, training.ErrNotTraining) {
			return nil, err
		}
		matched = captured
		// captured == nil: released without capture, fall through to matching.
	}

	if matched == nil {
		if m, err := s.matcher.FindMatch(msg.messageType, msg.payload, s.pageContext(msg.tabID, msg.payload)); err == nil {
			matched = m.Pattern
			s.bus.Publish(events.Event{
				Type:  events.EventPatternMatched,
				TabID: msg.tabID,
				Data:  map[string]interface{}{"patternId": m.Pattern.ID, "confidence": m.Confidence},
			})
		} else if !errors.Is(err, pattern.ErrLowConfidence) {
			s.obs.Log().Warn().Err(err).Msg("pattern matching failed, dispatching raw")
		}
	}

	data := map[string]interface{}{
		"messageType": msg.messageType,
		"payload":     msg.payload,
	}
	if matched != nil {
		data["action"] = map[string]interface{}{
			"target":    matched.Action.Target,
			"operation": matched.Action.Operation,
			"value":     matched.Action.Value,
		}
		data["patternId"] = matched.ID
	}

	result, err := s.router.Dispatch(ctx, msg.tabID, data, router.Options{CorrelationID: msg.correlationID})

	if matched != nil {
		if success, record := replayOutcome(result, err); record {
			if ferr := s.matcher.ReportOutcome(matched.ID, success); ferr != nil {
				s.obs.Log().Warn().Str("patternId", matched.ID).Err(ferr).Msg("failed to record pattern outcome")
			}
		}
	}
	return result, err
}

// replayOutcome decides whether a dispatch counts as feedback for the
// matched pattern. Failures raised before the extension received the action
// (duplicate correlation id, caller cancellation) say nothing about the
// pattern and are not recorded.
func replayOutcome(result map[string]interface{}, err error) (success, record bool) {
	switch {
	case err == nil:
		return resultOK(result), true
	case errors.Is(err, router.ErrTimeout), errors.Is(err, router.ErrConnectionLost):
		return false, true
	default:
		return false, false
	}
}

// resultOK interprets the extension's response payload for matcher feedback.
func resultOK(result map[string]interface{}) bool {
	if result == nil {
		return false
	}
	if ok, present := result["success"].(bool); present && !ok {
		return false
	}
	if _, hasErr := result["error"]; hasErr {
		return false
	}
	return true
}

// pageContext derives the requesting page's context from the target
// connection's announced URL plus an optional fingerprint in the payload.
func (s *Server) pageContext(tabID int, payload map[string]interface{}) pattern.PageContext {
	var pageCtx pattern.PageContext
	if conn := s.registry.FindTarget(tabID); conn != nil {
		if u, err := url.Parse(conn.URL()); err == nil {
			pageCtx.Domain = u.Hostname()
			pageCtx.Path = u.Path
		}
	}
	if fp, ok := payload["pageStructureFingerprint"].(string); ok {
		pageCtx.Fingerprint = fp
	}
	return pageCtx
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrNoTarget):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, router.ErrConnectionLost):
		status = http.StatusBadGateway
	case errors.Is(err, router.ErrCorrelationInUse):
		status = http.StatusConflict
	case errors.Is(err, training.ErrTrainingCancelled):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// --- Diagnostics ---

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.List())
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patterns, err := s.store.ListPatterns()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if patterns == nil {
		patterns = []*pattern.AutomationPattern{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(patterns)
}

func (s *Server) handlePatternByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/patterns/")
	if id == "" {
		http.Error(w, "pattern id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetPattern(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	case http.MethodDelete:
		if err := s.store.DeletePattern(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"deleted"}`))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Training control ---

type trainingRequest struct {
	TabID   int    `json:"tabId"`
	Locator string `json:"locator,omitempty"`
	// Operation and Value complete the demonstrated action on confirm.
	Operation string `json:"operation,omitempty"`
	Value     string `json:"value,omitempty"`
	// Context of the page the element was demonstrated on.
	Domain      string `json:"domain,omitempty"`
	Path        string `json:"path,omitempty"`
	PathPattern string `json:"pathPattern,omitempty"`
	Fingerprint string `json:"pageStructureFingerprint,omitempty"`
}

func decodeTrainingRequest(w http.ResponseWriter, r *http.Request) (trainingRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return trainingRequest{}, false
	}
	var req trainingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return trainingRequest{}, false
	}
	if req.TabID == 0 {
		http.Error(w, "tabId required", http.StatusBadRequest)
		return trainingRequest{}, false
	}
	return req, true
}

func (s *Server) handleTrainingEnable(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrainingRequest(w, r)
	if !ok {
		return
	}
	session := s.training.Enable(req.TabID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

func (s *Server) handleTrainingConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrainingRequest(w, r)
	if !ok {
		return
	}
	if req.Locator == "" {
		http.Error(w, "locator required", http.StatusBadRequest)
		return
	}

	action := pattern.Action{Target: req.Locator, Operation: req.Operation, Value: req.Value}
	pageCtx := pattern.PageContext{
		Domain:      req.Domain,
		Path:        req.Path,
		PathPattern: req.PathPattern,
		Fingerprint: req.Fingerprint,
	}
	if pageCtx.Domain == "" {
		derived := s.pageContext(req.TabID, nil)
		pageCtx.Domain = derived.Domain
		if pageCtx.Path == "" {
			pageCtx.Path = derived.Path
		}
	}

	p, err := s.training.Confirm(req.TabID, action, pageCtx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, training.ErrNotTraining) || errors.Is(err, training.ErrNothingBuffered) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

func (s *Server) handleTrainingCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrainingRequest(w, r)
	if !ok {
		return
	}
	if err := s.training.Cancel(req.TabID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"cancelled"}`))
}

func (s *Server) handleTrainingSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.training.Sessions())
}
