// Package server orchestrates all components: COMMS client, DB, registry,
// permission matrix, session manager and the websocket/HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-gateway/internal/config"
	"github.com/morezero/edge-gateway/pkg/capability"
	"github.com/morezero/edge-gateway/pkg/commsutil"
	"github.com/morezero/edge-gateway/pkg/dispatch"
	"github.com/morezero/edge-gateway/pkg/events"
	"github.com/morezero/edge-gateway/pkg/manifest"
	"github.com/morezero/edge-gateway/pkg/permission"
	"github.com/morezero/edge-gateway/pkg/session"
	"github.com/morezero/edge-gateway/pkg/store"
	"github.com/morezero/edge-gateway/pkg/wire"
)

const logPrefix = "server:server"

// Server is the edge-gateway orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server

	registry *capability.Registry
	matrix   *permission.Store
	manager  *session.Manager
}

// Run starts the gateway, blocks until shutdown signal, then cleans up.
func Run() error {
	// Setup structured logging
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting edge-gateway", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Determine subjects
	registerSubject := cfg.RegisterSubject
	if registerSubject == "" {
		registerSubject = commsutil.SubjectRegister
	}
	stateSubject := cfg.SessionStateSubject
	if stateSubject == "" {
		stateSubject = commsutil.SubjectSessionState
	}

	// Step 1: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 2: Connect to database (optional; without it registrations are
	// memory-only and services must re-announce after a gateway restart)
	var repo *store.Repository
	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool
		repo = store.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			nc.Close()
			return err
		}
	} else {
		slog.Warn(fmt.Sprintf("%s - DATABASE_URL not set, registrations will not survive a restart", logPrefix))
	}

	// Step 3: Create registry and replay persisted registrations
	s.registry = capability.NewRegistry()
	if repo != nil {
		regs, err := repo.LoadRegistrations(ctx)
		if err != nil {
			s.closeResources()
			return err
		}
		for _, reg := range regs {
			if err := s.registry.Register(reg); err != nil {
				slog.Error(fmt.Sprintf("%s - replay of %s failed: %v", logPrefix, reg.Service, err))
			}
		}
		slog.Info(fmt.Sprintf("%s - replayed %d persisted registrations (revision %d)", logPrefix, len(regs), s.registry.Snapshot().Revision()))
	}

	// Step 4: Build the permission matrix and session machinery
	s.matrix = permission.NewStore()
	s.matrix.Rebuild(s.registry.Snapshot())

	backend := dispatch.NewCommsBackend(nc, cfg.DispatchTimeout)
	s.manager = session.NewManager(session.ManagerParams{
		Compiler:   manifest.NewCompiler(s.matrix),
		Dispatcher: dispatch.NewDispatcher(backend),
		Publisher:  events.NewCommsPublisher(nc),
	})

	// Step 5: Subscribe to capability registrations (request/reply)
	regSub, err := nc.Subscribe(registerSubject, func(msg *comms.Msg) {
		ack := s.handleRegistration(ctx, repo, msg.Data)
		data, err := json.Marshal(ack)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode ack: %v", logPrefix, err))
			return
		}
		msg.Respond(data)
	})
	if err != nil {
		s.closeResources()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, registerSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, registerSubject))

	// Step 6: Subscribe to context-state change notifications
	stateSub, err := nc.Subscribe(stateSubject, func(msg *comms.Msg) {
		var ev events.SessionStateChangedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode state change: %v", logPrefix, err))
			return
		}
		s.manager.HandleStateChange(&ev)
	})
	if err != nil {
		regSub.Unsubscribe()
		s.closeResources()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, stateSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, stateSubject))

	// Step 7: Start the HTTP listener (websocket clients, health, status)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc(cfg.WSPath, s.handleConnect(ctx))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"connections": s.manager.Count(),
			"revision":    s.registry.Snapshot().Revision(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := cfg.ListenAddr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (websocket path %s)", logPrefix, httpAddr, cfg.WSPath))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Edge-gateway is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown: stop intake, drain in-flight dispatches, then
	// close every connection with a disconnect notice.
	regSub.Unsubscribe()
	stateSub.Unsubscribe()
	s.manager.DrainAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	s.manager.CloseAll(shutdownCtx, "server_shutdown")
	s.httpServer.Shutdown(shutdownCtx)
	shutdownCancel()
	nc.Drain()
	if s.pool != nil {
		s.pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) closeResources() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

// handleRegistration applies one capability announcement and builds the
// reply ack. On acceptance the permission matrix is rebuilt and every
// live connection recompiled before the ack is sent, so a service that
// receives an ok ack knows clients are converging on the new set.
func (s *Server) handleRegistration(ctx context.Context, repo *store.Repository, data []byte) *events.RegistrationAck {
	var ann events.RegistrationAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode registration: %v", logPrefix, err))
		return &events.RegistrationAck{Ok: false, Code: capability.CodeInvalidArgument, Message: "failed to decode registration"}
	}

	reg := &capability.Registration{Service: ann.Service, Version: ann.Version, Operations: ann.Operations}
	if err := s.registry.Register(reg); err != nil {
		var regErr *capability.RegistryError
		if errors.As(err, &regErr) {
			return &events.RegistrationAck{Ok: false, Code: regErr.Code, Message: regErr.Message}
		}
		return &events.RegistrationAck{Ok: false, Code: capability.CodeInvalidArgument, Message: err.Error()}
	}

	snap := s.registry.Snapshot()
	if repo != nil {
		// Persistence is best effort; the in-memory registry is canonical.
		if err := repo.SaveRegistration(ctx, reg); err != nil {
			slog.Error(fmt.Sprintf("%s - persist registration %s failed: %v", logPrefix, reg.Service, err))
		}
	}

	s.matrix.Rebuild(snap)
	s.manager.RecompileAll()

	return &events.RegistrationAck{Ok: true, Revision: snap.Revision()}
}

// upgrader accepts websocket connections. Origin checks belong to the
// edge proxy in front of the gateway.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleConnect upgrades a client to websocket and runs its read loop.
// Identity comes from headers stamped by the authenticating proxy; an
// absent role means anonymous.
func (s *Server) handleConnect(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - websocket upgrade failed: %v", logPrefix, err))
			return
		}
		// The hard websocket limit sits above the frame ceiling so an
		// oversize frame can still be answered instead of killing the
		// connection; only grossly oversized reads tear it down.
		ws.SetReadLimit(2 * int64(s.cfg.MaxFrameBytes))

		identity := session.Identity{
			Role:      r.Header.Get("X-Gateway-Role"),
			AccountID: r.Header.Get("X-Account-Id"),
		}

		transport := newWSTransport(ws)
		conn, err := s.manager.Connect(ctx, transport, identity)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - connection setup failed: %v", logPrefix, err))
			ws.Close()
			return
		}

		defer func() {
			s.manager.Disconnect(ctx, conn, "connection_closed")
			ws.Close()
		}()
		for {
			msgType, frame, err := ws.ReadMessage()
			if err != nil {
				slog.Debug(fmt.Sprintf("%s - read loop for %s ended: %v", logPrefix, conn.ID(), err))
				return
			}
			if msgType != websocket.BinaryMessage {
				// Text frames are not part of the protocol.
				continue
			}
			if len(frame) > s.cfg.MaxFrameBytes {
				s.rejectOversize(transport, conn.ID(), frame)
				continue
			}
			conn.HandleFrame(frame)
		}
	}
}

// rejectOversize answers a frame above the configured ceiling with a
// RequestTooLarge envelope. Frames too short for a header are dropped.
func (s *Server) rejectOversize(transport *wsTransport, connID string, frame []byte) {
	h, err := wire.DecodeRequestHeader(frame)
	if err != nil {
		return
	}
	slog.Warn(fmt.Sprintf("%s - oversize frame (%d bytes) from %s, rejecting", logPrefix, len(frame), connID))
	resp := dispatch.ErrorFrame(h, wire.CodeRequestTooLarge, &dispatch.ErrorBody{
		Code:    dispatch.CodeRequestTooLarge,
		Message: fmt.Sprintf("frame exceeds limit of %d bytes", s.cfg.MaxFrameBytes),
	})
	if werr := transport.WriteFrame(resp); werr != nil {
		slog.Debug(fmt.Sprintf("%s - oversize rejection write to %s failed: %v", logPrefix, connID, werr))
	}
}

// homePageTemplate is the HTML for the gateway status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Edge Gateway</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Edge Gateway</h1>
  <p class="meta">Gateway status and registered capability providers.</p>

  <section>
    <h2>Status</h2>
    <p>Live connections: <span class="stat">{{.Connections}}</span></p>
    <p>Registry revision: <span class="stat">{{.Revision}}</span></p>
    <p>Registered operations: <span class="stat">{{.OperationCount}}</span></p>
  </section>

  <section>
    <h2>Services</h2>
    {{if not .Services}}
    <p>No services registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Service</th><th>Version</th><th>Operations</th></tr>
      </thead>
      <tbody>
        {{range .Services}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.Version}}</td>
          <td>{{.Operations}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the status page template.
type homeData struct {
	Connections    int
	Revision       uint64
	OperationCount int
	Services       []serviceRow
}

type serviceRow struct {
	Name       string
	Version    string
	Operations int
}

// handleHome returns an HTTP handler for the gateway status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		snap := s.registry.Snapshot()
		data := homeData{
			Connections:    s.manager.Count(),
			Revision:       snap.Revision(),
			OperationCount: snap.OperationCount(),
		}
		for _, svc := range snap.Services() {
			data.Services = append(data.Services, serviceRow{
				Name:       svc,
				Version:    snap.VersionFor(svc),
				Operations: len(snap.OperationsFor(svc)),
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
