package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/manager"
)

// HandlerWithError lets an HTTP handler return an error for centralized
// status-code mapping.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors into
// HTTP responses: 5xx errors are logged in full and reported generically,
// 4xx errors are reported with their own message.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		code := gwerrors.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorf("admin request failed: %v", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}

// BackendManager is the subset of manager.Manager the admin surface drives.
type BackendManager interface {
	Add(ctx context.Context, config vgateway.BackendConfig) error
	Remove(id string) error
	Update(ctx context.Context, id string, newConfig vgateway.BackendConfig) error
	Test(ctx context.Context, config vgateway.BackendConfig) manager.TestResult
	Backends() []manager.BackendView
	AllTools() []vgateway.Tool
	AllToolsIncludingDisabledBackends() []vgateway.Tool
	EnableTool(name string)
	DisableTool(name string)
	EnableBackend(id string)
	DisableBackend(id string)
	DisabledTools() []string
	DisabledBackends() []string
	LoadMasks(disabledTools, disabledBackends []string)
	DisconnectAll()
}

// Router is the minimal mux contract routes.go needs, satisfied by chi.Mux.
type Router interface {
	Get(pattern string, fn http.HandlerFunc)
	Post(pattern string, fn http.HandlerFunc)
	Put(pattern string, fn http.HandlerFunc)
	Delete(pattern string, fn http.HandlerFunc)
}

// URLParam extracts a path parameter, abstracting over the router
// implementation (chi's RouteContext in production, a manual map in tests).
type URLParam func(r *http.Request, key string) string

// Server wires the admin REST surface onto a Router.
type Server struct {
	manager  BackendManager
	store    *Store
	urlParam URLParam
}

// NewServer constructs a Server. urlParam resolves a path parameter given a
// request and key name (chi.URLParam in production).
func NewServer(manager BackendManager, store *Store, urlParam URLParam) *Server {
	return &Server{manager: manager, store: store, urlParam: urlParam}
}

// Mount registers every admin route.
func (s *Server) Mount(r Router) {
	r.Get("/admin/backends", ErrorHandler(s.listBackends))
	r.Get("/admin/tools", ErrorHandler(s.listTools))
	r.Get("/admin/servers/{id}", ErrorHandler(s.getServer))
	r.Post("/admin/servers", ErrorHandler(s.addServer))
	r.Put("/admin/servers/{id}", ErrorHandler(s.updateServer))
	r.Delete("/admin/servers/{id}", ErrorHandler(s.deleteServer))
	r.Post("/admin/servers/test", ErrorHandler(s.testServer))
	r.Post("/admin/tools/{name}/toggle", ErrorHandler(s.toggleTool))
	r.Post("/admin/backends/{id}/toggle", ErrorHandler(s.toggleBackend))
	r.Post("/admin/tools/bulk", ErrorHandler(s.bulkToggleTools))
	r.Get("/admin/config/export", ErrorHandler(s.exportConfig))
	r.Post("/admin/config/import", ErrorHandler(s.importConfig))
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) listBackends(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, s.manager.Backends())
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) error {
	disabled := make(map[string]bool)
	for _, name := range s.manager.DisabledTools() {
		disabled[name] = true
	}
	type toolView struct {
		vgateway.Tool
		Disabled bool `json:"disabled"`
	}
	all := s.manager.AllToolsIncludingDisabledBackends()
	views := make([]toolView, 0, len(all))
	for _, t := range all {
		views = append(views, toolView{Tool: t, Disabled: disabled[t.Name]})
	}
	return writeJSON(w, views)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) error {
	id := s.urlParam(r, "id")
	for _, b := range s.manager.Backends() {
		if b.Config.ID == id {
			return writeJSON(w, b)
		}
	}
	return gwerrors.NewNotFoundError("backend "+id+" not found", nil)
}

func (s *Server) addServer(w http.ResponseWriter, r *http.Request) error {
	var cfg vgateway.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	if err := s.manager.Add(r.Context(), cfg); err != nil {
		return err
	}
	if err := s.persistConfig(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return writeJSON(w, cfg)
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request) error {
	id := s.urlParam(r, "id")
	var cfg vgateway.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	if err := s.manager.Update(r.Context(), id, cfg); err != nil {
		return err
	}
	if err := s.persistConfig(); err != nil {
		return err
	}
	return writeJSON(w, cfg)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) error {
	id := s.urlParam(r, "id")
	if err := s.manager.Remove(id); err != nil {
		return err
	}
	if err := s.persistConfig(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) testServer(w http.ResponseWriter, r *http.Request) error {
	var cfg vgateway.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	result := s.manager.Test(r.Context(), cfg)
	return writeJSON(w, result)
}

func (s *Server) toggleTool(w http.ResponseWriter, r *http.Request) error {
	name := s.urlParam(r, "name")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	if body.Enabled {
		s.manager.EnableTool(name)
	} else {
		s.manager.DisableTool(name)
	}
	if err := s.persistState(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) toggleBackend(w http.ResponseWriter, r *http.Request) error {
	id := s.urlParam(r, "id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	if body.Enabled {
		s.manager.EnableBackend(id)
	} else {
		s.manager.DisableBackend(id)
	}
	if err := s.persistState(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) bulkToggleTools(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Enable  []string `json:"enable"`
		Disable []string `json:"disable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	for _, name := range body.Enable {
		s.manager.EnableTool(name)
	}
	for _, name := range body.Disable {
		s.manager.DisableTool(name)
	}
	if err := s.persistState(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) exportConfig(w http.ResponseWriter, _ *http.Request) error {
	servers := make([]vgateway.BackendConfig, 0, len(s.manager.Backends()))
	for _, b := range s.manager.Backends() {
		servers = append(servers, b.Config)
	}
	return writeJSON(w, GatewayConfig{Servers: servers})
}

// importRequest is the wire shape of POST /admin/config/import: the server
// list to import plus a merge flag. It is decoded separately from
// GatewayConfig because merge is a one-shot request instruction, not part
// of the persisted config shape.
type importRequest struct {
	Servers []vgateway.BackendConfig `json:"servers"`
	Merge   bool                     `json:"merge,omitempty"`
}

// importConfig replaces (default) or merges the live backend set from an
// uploaded server list. Replace disconnects every existing backend first;
// merge only adds ids not already present.
func (s *Server) importConfig(w http.ResponseWriter, r *http.Request) error {
	var body importRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return gwerrors.NewInvalidArgumentError("malformed request body", err)
	}
	cfg := GatewayConfig{Servers: body.Servers}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !body.Merge {
		for _, b := range s.manager.Backends() {
			_ = s.manager.Remove(b.Config.ID)
		}
	}

	existing := make(map[string]bool)
	for _, b := range s.manager.Backends() {
		existing[b.Config.ID] = true
	}

	for _, server := range cfg.Servers {
		if existing[server.ID] {
			continue
		}
		if err := s.manager.Add(r.Context(), server); err != nil {
			logger.Warnw("import: failed to add backend", "backend", server.ID, "error", err.Error())
		}
	}

	if err := s.persistConfig(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) persistConfig() error {
	if s.store == nil {
		return nil
	}
	servers := make([]vgateway.BackendConfig, 0, len(s.manager.Backends()))
	for _, b := range s.manager.Backends() {
		servers = append(servers, b.Config)
	}
	return s.store.SaveConfig(GatewayConfig{Servers: servers})
}

func (s *Server) persistState() error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveState(UIState{
		DisabledTools:    s.manager.DisabledTools(),
		DisabledBackends: s.manager.DisabledBackends(),
	})
}
