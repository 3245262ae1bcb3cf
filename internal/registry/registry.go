// Package registry tracks every connected browser-extension process, its
// declared capabilities, and its last-seen liveness.
package registry

import (
	"sync"
	"time"

	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/protocol"
)

// Connection is a live channel to one browser-extension process.
// The id is unique for the connection's lifetime and never reused.
type Connection struct {
	mu sync.RWMutex

	id           string
	sender       protocol.Sender
	tabID        int
	url          string
	capabilities []string
	connectedAt  time.Time
	lastActivity time.Time
}

// NewConnection wraps an accepted channel. The id is assigned by the caller
// at accept time (the server uses a uuid).
func NewConnection(id string, sender protocol.Sender) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		sender:       sender,
		connectedAt:  now,
		lastActivity: now,
	}
}

// ID returns the connection's immutable identifier.
func (c *Connection) ID() string { return c.id }

// Send writes an envelope to the extension.
func (c *Connection) Send(env protocol.Envelope) error {
	return c.sender.Send(env)
}

// TabID returns the tab the extension registered for, or 0 before
// registration.
func (c *Connection) TabID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabID
}

// URL returns the page URL the extension last announced.
func (c *Connection) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// Capabilities returns the declared capability set.
func (c *Connection) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]string, len(c.capabilities))
	copy(caps, c.capabilities)
	return caps
}

// LastActivity returns when the connection last sent anything.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch updates the liveness timestamp. Called on every inbound message.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) announce(tabID int, url string, capabilities []string) {
	c.mu.Lock()
	c.tabID = tabID
	c.url = url
	c.capabilities = capabilities
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Info is the JSON-serializable view of a connection for diagnostics.
type Info struct {
	ID           string   `json:"id"`
	TabID        int      `json:"tabId,omitempty"`
	URL          string   `json:"url,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  string   `json:"connected_at"`
	LastActivity string   `json:"last_activity"`
	IdleFor      string   `json:"idle_for"`
}

// Registry manages all connected extensions.
// Thread-safe with RWMutex. Lock ordering: Registry.mu before Connection.mu.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	bus         *events.EventBus
}

// NewRegistry creates a new empty registry publishing lifecycle events on
// the given bus.
func NewRegistry(bus *events.EventBus) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		bus:         bus,
	}
}

// Register adds a connection, or updates its registration in place when the
// id is already known (a tab navigating or an extension re-announcing).
func (r *Registry) Register(conn *Connection, tabID int, url string, capabilities []string) {
	r.mu.Lock()
	existing, known := r.connections[conn.ID()]
	if known {
		existing.announce(tabID, url, capabilities)
	} else {
		conn.announce(tabID, url, capabilities)
		r.connections[conn.ID()] = conn
	}
	r.mu.Unlock()

	r.bus.PublishConnection(events.EventConnectionRegistered, conn.ID(), tabID)
}

// Unregister removes a connection by id. Idempotent: removing an unknown id
// is a no-op and publishes nothing.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, known := r.connections[id]
	if known {
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if known {
		r.bus.PublishConnection(events.EventConnectionClosed, id, conn.TabID())
	}
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}

// FindTarget resolves a dispatch target. tabID 0 returns an arbitrary
// connected extension; callers needing a specific target must supply a
// tab id. Returns nil when nothing matches.
func (r *Registry) FindTarget(tabID int) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.connections {
		if tabID == 0 || conn.TabID() == tabID {
			return conn
		}
	}
	return nil
}

// List returns information about all registered connections.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.connections))
	for _, conn := range r.connections {
		conn.mu.RLock()
		info := Info{
			ID:           conn.id,
			TabID:        conn.tabID,
			URL:          conn.url,
			Capabilities: conn.capabilities,
			ConnectedAt:  conn.connectedAt.Format(time.RFC3339),
			LastActivity: conn.lastActivity.Format(time.RFC3339),
			IdleFor:      time.Since(conn.lastActivity).Round(time.Second).String(),
		}
		conn.mu.RUnlock()
		result = append(result, info)
	}
	return result
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// PruneStale removes connections that have been silent longer than maxIdle
// and returns them so the caller can reject their in-flight requests.
// Publishes a stale event per pruned connection.
func (r *Registry) PruneStale(maxIdle time.Duration) []*Connection {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var pruned []*Connection
	for id, conn := range r.connections {
		if conn.LastActivity().Before(cutoff) {
			delete(r.connections, id)
			pruned = append(pruned, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range pruned {
		r.bus.PublishConnection(events.EventConnectionStale, conn.ID(), conn.TabID())
	}
	return pruned
}
