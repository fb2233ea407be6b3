package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/edge-gateway/pkg/dispatch"
	"github.com/morezero/edge-gateway/pkg/manifest"
	"github.com/morezero/edge-gateway/pkg/routing"
	"github.com/morezero/edge-gateway/pkg/wire"
)

const connLogPrefix = "session:conn"

// channelQueueDepth bounds the per-channel dispatch backlog.
const channelQueueDepth = 64

// Conn is one logical client session. Its secret and routing table are
// exclusively owned here and are never persisted; a reconnecting client
// gets a brand new Conn.
type Conn struct {
	id        string
	accountID string

	// mu serializes lifecycle transitions, role/context mutation and
	// recompilation for this connection only. Two concurrent state
	// changes can never interleave manifests.
	mu              sync.Mutex
	state           State
	role            string
	contextStates   map[string]string
	secret          []byte
	manifestVersion uint64
	lastManifest    *manifest.Manifest

	table      *routing.Table
	compiler   *manifest.Compiler
	dispatcher *dispatch.Dispatcher
	transport  Transport

	outSeq atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	// chMu guards the per-channel worker map; workers themselves run
	// unlocked and drain their queue in FIFO order, preserving
	// same-channel forwarding order without any cross-channel coupling.
	chMu     sync.Mutex
	channels map[uint16]chan []byte
	wg       sync.WaitGroup
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// AccountID returns the authenticated account id, or "" for anonymous.
func (c *Conn) AccountID() string { return c.accountID }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the current role.
func (c *Conn) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ManifestVersion returns the installed manifest generation.
func (c *Conn) ManifestVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifestVersion
}

// Table exposes the connection's routing table for dispatch.
func (c *Conn) Table() *routing.Table { return c.table }

// ContextState returns the current state value for one owning service.
func (c *Conn) ContextState(service string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.contextStates[service]
	return v, ok
}

// activate performs the Connecting->Active transition: first compile and
// install, then push the manifest. No frame is dispatched before the
// first manifest is in place.
func (c *Conn) activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting && c.state != StateAuthenticating {
		return fmt.Errorf("%s - activate in state %s", connLogPrefix, c.state)
	}
	if err := c.recompileLocked(); err != nil {
		return err
	}
	c.state = StateActive
	return nil
}

// SetRole changes the connection's role and recompiles before dispatch
// of role-dependent frames resumes.
func (c *Conn) SetRole(role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("%s - role change in state %s", connLogPrefix, c.state)
	}
	if c.role == role {
		return nil
	}
	prev := c.role
	c.role = role
	if err := c.recompileLocked(); err != nil {
		// Keep serving the last good manifest; surface the failure.
		c.role = prev
		return err
	}
	slog.Info(fmt.Sprintf("%s - %s role %s -> %s (manifest v%d)", connLogPrefix, c.id, prev, role, c.manifestVersion))
	return nil
}

// SetContextState applies one context-state change. A nil value clears
// the owning service's entry. The manifest is recompiled and installed
// under the connection lock before the method returns.
func (c *Conn) SetContextState(service string, value *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("%s - state change in state %s", connLogPrefix, c.state)
	}

	prev, had := c.contextStates[service]
	if value == nil {
		if !had {
			return nil
		}
		delete(c.contextStates, service)
	} else {
		if had && prev == *value {
			return nil
		}
		c.contextStates[service] = *value
	}

	if err := c.recompileLocked(); err != nil {
		// Roll the mutation back so context and manifest cannot drift.
		if had {
			c.contextStates[service] = prev
		} else {
			delete(c.contextStates, service)
		}
		return err
	}
	return nil
}

// Recompile rebuilds the manifest against the current permission matrix,
// e.g. after a registry change. On failure the last good manifest stays
// installed.
func (c *Conn) Recompile() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil
	}
	return c.recompileLocked()
}

// recompileLocked compiles, installs and pushes a new manifest. Callers
// hold c.mu. On error nothing is installed: the connection keeps its
// last known-good manifest rather than being left unroutable.
func (c *Conn) recompileLocked() error {
	states := make(map[string]string, len(c.contextStates))
	for k, v := range c.contextStates {
		states[k] = v
	}

	m, err := c.compiler.Compile(c.secret, c.role, states)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - recompile failed for %s, keeping manifest v%d: %v", connLogPrefix, c.id, c.manifestVersion, err))
		return err
	}
	c.manifestVersion++
	m.Version = c.manifestVersion
	c.table.Install(m)
	c.lastManifest = m

	if err := c.pushControl(&controlMessage{Type: controlTypeManifest, Manifest: manifest.BuildPush(m)}); err != nil {
		slog.Warn(fmt.Sprintf("%s - manifest push to %s failed: %v", connLogPrefix, c.id, err))
	}
	slog.Debug(fmt.Sprintf("%s - installed manifest v%d for %s (%d entries)", connLogPrefix, m.Version, c.id, len(m.Entries)))
	return nil
}

// pushControl writes a Meta control frame carrying the message as JSON.
func (c *Conn) pushControl(msg *controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s - encode control message: %w", connLogPrefix, err)
	}
	h := wire.ResponseHeader{
		Flags:    wire.FlagMeta,
		Sequence: c.outSeq.Add(1),
		Code:     wire.CodeOK,
	}
	frame := make([]byte, wire.ResponseHeaderSize+len(payload))
	h.EncodeTo(frame)
	copy(frame[wire.ResponseHeaderSize:], payload)
	return c.transport.WriteFrame(frame)
}

// HandleFrame accepts one inbound frame. Frames are queued per channel
// and forwarded in arrival order; distinct channels dispatch
// independently. Draining and closed connections drop new frames.
func (c *Conn) HandleFrame(frame []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateActive {
		slog.Debug(fmt.Sprintf("%s - dropping frame for %s in state %s", connLogPrefix, c.id, state))
		return
	}

	if len(frame) < wire.RequestHeaderSize {
		// Let the dispatcher produce the canonical malformed-frame log.
		c.enqueue(0, frame)
		return
	}
	channel := binary.BigEndian.Uint16(frame[1:3])
	c.enqueue(channel, frame)
}

// enqueue routes a frame to its channel worker, starting one on first
// use. The send happens under chMu, the same lock close() holds while
// closing worker channels, so a frame racing a disconnect can never
// send on a closed channel.
func (c *Conn) enqueue(channel uint16, frame []byte) {
	c.chMu.Lock()
	if c.channels == nil {
		c.chMu.Unlock()
		return
	}
	ch, ok := c.channels[channel]
	if !ok {
		ch = make(chan []byte, channelQueueDepth)
		c.channels[channel] = ch
		c.wg.Add(1)
		go c.channelWorker(ch)
	}
	var full bool
	select {
	case ch <- frame:
	default:
		full = true
	}
	c.chMu.Unlock()

	if full {
		slog.Warn(fmt.Sprintf("%s - channel %d backlog full on %s, rejecting frame", connLogPrefix, channel, c.id))
		c.rejectBacklogged(frame)
	}
}

// rejectBacklogged answers a frame that could not be queued with a
// TooManyRequests envelope so the client is not left waiting on the
// message id. Frames too short for a header are dropped; they could
// never have been answered.
func (c *Conn) rejectBacklogged(frame []byte) {
	h, err := wire.DecodeRequestHeader(frame)
	if err != nil {
		return
	}
	resp := dispatch.ErrorFrame(h, wire.CodeTooManyRequests, &dispatch.ErrorBody{
		Code:      dispatch.CodeTooManyRequests,
		Message:   "channel backlog full",
		Retryable: true,
	})
	if werr := c.transport.WriteFrame(resp); werr != nil {
		slog.Debug(fmt.Sprintf("%s - backlog rejection write to %s failed: %v", connLogPrefix, c.id, werr))
	}
}

// channelWorker forwards queued frames one at a time. The routing table
// reference is read inside the dispatcher before any suspension point,
// so backend I/O never holds a table lock.
func (c *Conn) channelWorker(ch chan []byte) {
	defer c.wg.Done()
	for frame := range ch {
		resp, err := c.dispatcher.HandleFrame(c.ctx, c.table, frame)
		if err != nil {
			// Malformed frame: dropped, already logged.
			continue
		}
		if resp == nil {
			continue
		}
		if werr := c.transport.WriteFrame(resp); werr != nil {
			slog.Debug(fmt.Sprintf("%s - response write to %s failed: %v", connLogPrefix, c.id, werr))
		}
	}
}

// Drain moves the connection to Draining: new inbound frames are
// dropped, in-flight dispatches complete.
func (c *Conn) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.state = StateDraining
	}
}

// close finishes the lifecycle: sends a disconnect notice (best effort),
// stops channel workers, and releases the routing table and secret.
func (c *Conn) close(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	c.mu.Unlock()

	if prev == StateActive || prev == StateDraining {
		if err := c.pushControl(&controlMessage{Type: controlTypeDisconnect, Disconnect: &DisconnectNotice{Reason: reason}}); err != nil {
			slog.Debug(fmt.Sprintf("%s - disconnect notice to %s failed: %v", connLogPrefix, c.id, err))
		}
	}

	c.chMu.Lock()
	for _, ch := range c.channels {
		close(ch)
	}
	c.channels = nil
	c.chMu.Unlock()
	c.wg.Wait()
	c.cancel()

	c.mu.Lock()
	c.table.Install(&manifest.Manifest{})
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.lastManifest = nil
	c.mu.Unlock()
}
