// Package server wires the Backend Manager, session store, Protocol
// Handler, and Admin control plane behind one HTTP listener.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/admin"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/manager"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/protocol"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/session"
)

// Config describes how to construct a Server.
type Config struct {
	Name    string
	Version string
	Host    string
	Port    int

	Session session.Config

	// ConfigPath/StatePath locate the admin control plane's persisted
	// files. When empty they default to vgateway-config.json and
	// vgateway-state.json in the process's working directory.
	ConfigPath string
	StatePath  string

	// WatchConfig enables fsnotify-based hot-reload of ConfigPath.
	WatchConfig bool

	// Backends seeds the gateway with an initial set of backend configs,
	// used when the persisted config file is missing or lists no servers.
	Backends []vgateway.BackendConfig
}

// Server owns the manager, session store, protocol handler, admin surface,
// and the underlying http.Server.
type Server struct {
	cfg      Config
	manager  *manager.Manager
	sessions session.Store
	handler  *protocol.Handler
	admin    *admin.Server
	store    *admin.Store
	watcher  *admin.Watcher
	httpSrv  *http.Server
}

// New constructs a Server without starting it: restores persisted config
// and UI state (or seeds cfg.Backends on first run), and wires every
// component together.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "vgateway-config.json"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "vgateway-state.json"
	}

	mgr := manager.New(manager.DefaultTransportFactory)
	store := admin.NewStore(cfg.ConfigPath, cfg.StatePath)

	persisted, err := store.LoadConfig()
	if err != nil {
		return nil, err
	}
	backendsToLoad := persisted.Servers
	if len(backendsToLoad) == 0 {
		backendsToLoad = cfg.Backends
	}
	for _, b := range backendsToLoad {
		if err := mgr.Add(ctx, b); err != nil {
			logger.Warnw("failed to load backend from config", "backend", b.ID, "error", err.Error())
		}
	}

	state, err := store.LoadState()
	if err != nil {
		return nil, err
	}
	mgr.LoadMasks(state.DisabledTools, state.DisabledBackends)

	sessions, err := cfg.Session.CreateStorage()
	if err != nil {
		return nil, err
	}

	handler := protocol.New(sessions, mgr, cfg.Name, cfg.Version)
	adminSrv := admin.NewServer(mgr, store, chiURLParam)

	s := &Server{
		cfg:      cfg,
		manager:  mgr,
		sessions: sessions,
		handler:  handler,
		admin:    adminSrv,
		store:    store,
	}

	mgr.OnCatalogChanged(func() {
		logger.Debugw("catalog changed, broadcasting list_changed to live SSE sessions")
		// The manager's callback is coarse: it cannot tell which of the
		// three catalogs actually changed, so every catalog change
		// broadcasts all three list_changed notifications. A client
		// re-lists and finds nothing new for the catalogs that didn't
		// actually change.
		for _, method := range []string{
			rpc.NotificationToolsListChanged,
			rpc.NotificationResourcesListChanged,
			rpc.NotificationPromptsListChanged,
		} {
			sessions.Broadcast(rpc.NewListChangedNotification(method))
		}
	})

	if cfg.WatchConfig {
		watcher, err := admin.WatchConfig(store, s.reloadConfig)
		if err != nil {
			return nil, err
		}
		s.watcher = watcher
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.buildRouter(),
	}

	return s, nil
}

func chiURLParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// reloadConfig reconciles the live backend set against a freshly loaded
// config file: removes backends no longer present, adds new ones, and
// updates those whose definition changed.
func (s *Server) reloadConfig(cfg admin.GatewayConfig) {
	ctx := context.Background()
	desired := make(map[string]vgateway.BackendConfig, len(cfg.Servers))
	for _, b := range cfg.Servers {
		desired[b.ID] = b
	}

	live := make(map[string]vgateway.BackendConfig)
	for _, v := range s.manager.Backends() {
		live[v.Config.ID] = v.Config
	}

	for id := range live {
		if _, wanted := desired[id]; !wanted {
			logger.Infow("hot-reload: removing backend", "backend", id)
			_ = s.manager.Remove(id)
		}
	}
	for id, b := range desired {
		if existing, ok := live[id]; !ok {
			logger.Infow("hot-reload: adding backend", "backend", id)
			if err := s.manager.Add(ctx, b); err != nil {
				logger.Warnw("hot-reload: failed to add backend", "backend", id, "error", err.Error())
			}
		} else if !sameConfig(existing, b) {
			logger.Infow("hot-reload: updating backend", "backend", id)
			if err := s.manager.Update(ctx, id, b); err != nil {
				logger.Warnw("hot-reload: failed to update backend", "backend", id, "error", err.Error())
			}
		}
	}
}

func sameConfig(a, b vgateway.BackendConfig) bool {
	return fmt.Sprintf("%+v", a) == fmt.Sprintf("%+v", b)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	s.handler.Mount(r)
	s.admin.Mount(r)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready as soon as the gateway has finished loading its
// config and UI state, which has already happened by the time Start serves
// this route. It does not require any backend to be connected: a backend
// that fails to connect stays inspectable rather than blocking readiness.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Address returns the address the server listens on.
func (s *Server) Address() string { return s.httpSrv.Addr }

// Start runs the HTTP server until ctx is canceled, then gracefully shuts
// it down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("vgateway listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server and disconnects every backend.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.manager.DisconnectAll()
	s.sessions.Stop()
	return s.httpSrv.Shutdown(shutdownCtx)
}
