package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/morezero/edge-gateway/pkg/dispatch"
	"github.com/morezero/edge-gateway/pkg/events"
	"github.com/morezero/edge-gateway/pkg/manifest"
	"github.com/morezero/edge-gateway/pkg/routing"
)

const managerLogPrefix = "session:manager"

// Identity is the outcome of the (out-of-scope) connect handshake.
// Zero value means anonymous.
type Identity struct {
	Role      string
	AccountID string
}

// Manager owns all live connections and applies context-state changes
// to them. Serialization is per connection; there is no global lock on
// the dispatch path.
type Manager struct {
	compiler   *manifest.Compiler
	dispatcher *dispatch.Dispatcher
	publisher  events.LifecyclePublisher

	mu        sync.RWMutex
	byID      map[string]*Conn
	byAccount map[string]map[string]*Conn
}

// ManagerParams holds parameters for NewManager.
type ManagerParams struct {
	Compiler   *manifest.Compiler
	Dispatcher *dispatch.Dispatcher
	Publisher  events.LifecyclePublisher
}

// NewManager creates a Manager.
func NewManager(params ManagerParams) *Manager {
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &Manager{
		compiler:   params.Compiler,
		dispatcher: params.Dispatcher,
		publisher:  pub,
		byID:       make(map[string]*Conn),
		byAccount:  make(map[string]map[string]*Conn),
	}
}

// Connect creates a connection for a completed transport handshake,
// generates its secret, compiles and installs the first manifest, and
// publishes the connected lifecycle event. The returned Conn is Active
// and ready to accept frames.
func (m *Manager) Connect(ctx context.Context, transport Transport, identity Identity) (*Conn, error) {
	role := identity.Role
	if role == "" {
		role = "anonymous"
	}

	secret := make([]byte, manifest.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("%s - generate connection secret: %w", managerLogPrefix, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:            "conn_" + nuid.Next(),
		accountID:     identity.AccountID,
		state:         StateConnecting,
		role:          role,
		contextStates: make(map[string]string),
		secret:        secret,
		table:         routing.NewTable(),
		compiler:      m.compiler,
		dispatcher:    m.dispatcher,
		transport:     transport,
		ctx:           connCtx,
		cancel:        cancel,
		channels:      make(map[uint16]chan []byte),
	}

	if err := c.activate(); err != nil {
		cancel()
		return nil, err
	}

	m.mu.Lock()
	m.byID[c.id] = c
	if c.accountID != "" {
		conns, ok := m.byAccount[c.accountID]
		if !ok {
			conns = make(map[string]*Conn)
			m.byAccount[c.accountID] = conns
		}
		conns[c.id] = c
	}
	total := len(m.byID)
	m.mu.Unlock()

	if err := m.publisher.PublishLifecycle(ctx, &events.ConnectionLifecycleEvent{
		ConnectionID: c.id,
		AccountID:    c.accountID,
		Role:         c.Role(),
		Phase:        events.PhaseConnected,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn(fmt.Sprintf("%s - lifecycle publish failed for %s: %v", managerLogPrefix, c.id, err))
	}

	slog.Info(fmt.Sprintf("%s - %s connected as %s (%d connections)", managerLogPrefix, c.id, c.Role(), total))
	return c, nil
}

// Get returns a connection by id.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// HandleStateChange applies a context-state change notification to the
// targeted connection, or to every connection of the targeted account.
// Changes to the same connection are serialized by its own lock; the
// gateway never orders installs across different connections.
func (m *Manager) HandleStateChange(ev *events.SessionStateChangedEvent) {
	targets := m.resolveTargets(ev)
	if len(targets) == 0 {
		slog.Debug(fmt.Sprintf("%s - state change for unknown target (conn=%q account=%q)", managerLogPrefix, ev.ConnectionID, ev.AccountID))
		return
	}
	for _, c := range targets {
		if err := c.SetContextState(ev.Service, ev.State); err != nil {
			slog.Error(fmt.Sprintf("%s - state change %s=%v on %s failed: %v", managerLogPrefix, ev.Service, ev.State, c.ID(), err))
		}
	}
}

func (m *Manager) resolveTargets(ev *events.SessionStateChangedEvent) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev.ConnectionID != "" {
		if c, ok := m.byID[ev.ConnectionID]; ok {
			return []*Conn{c}
		}
		return nil
	}
	if ev.AccountID != "" {
		conns := m.byAccount[ev.AccountID]
		out := make([]*Conn, 0, len(conns))
		for _, c := range conns {
			out = append(out, c)
		}
		return out
	}
	return nil
}

// RecompileAll rebuilds every connection's manifest, e.g. after a
// capability registry change. Connections recompute independently and
// converge; a failure on one keeps that connection on its last good
// manifest and does not affect the others.
func (m *Manager) RecompileAll() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.Recompile(); err != nil {
			slog.Error(fmt.Sprintf("%s - recompile of %s failed: %v", managerLogPrefix, c.ID(), err))
		}
	}
}

// Disconnect closes one connection: disconnect notice, lifecycle event,
// release of table and secret, removal from the index.
func (m *Manager) Disconnect(ctx context.Context, c *Conn, reason string) {
	role := c.Role()
	c.close(reason)

	m.mu.Lock()
	delete(m.byID, c.id)
	if c.accountID != "" {
		if conns, ok := m.byAccount[c.accountID]; ok {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(m.byAccount, c.accountID)
			}
		}
	}
	m.mu.Unlock()

	if err := m.publisher.PublishLifecycle(ctx, &events.ConnectionLifecycleEvent{
		ConnectionID: c.id,
		AccountID:    c.accountID,
		Role:         role,
		Phase:        events.PhaseDisconnected,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn(fmt.Sprintf("%s - lifecycle publish failed for %s: %v", managerLogPrefix, c.id, err))
	}
	slog.Info(fmt.Sprintf("%s - %s disconnected (%s)", managerLogPrefix, c.id, reason))
}

// DrainAll moves every connection to Draining for graceful shutdown.
func (m *Manager) DrainAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byID {
		c.Drain()
	}
}

// CloseAll force-closes every connection, e.g. on shutdown timeout.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.Disconnect(ctx, c, reason)
	}
}
