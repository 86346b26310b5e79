// Package httpapi exposes the daemon's plugin and execution operations
// over a thin HTTP surface.
//
// Grounded on original_source/src/api/routes.rs for the route table
// and original_source/src/api/handlers/{plugin,execution}.rs for
// request/response shapes, ported from axum's extractor-based handlers
// to gorilla/mux's ServeHTTP handlers (the HTTP router used across the
// retrieved pack's service-style repos; no axum equivalent exists in
// Go, and the daemon has no other HTTP surface to share a framework
// choice with).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/installer"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/orchestrator"
	"github.com/atomnode/node/internal/pluginstore"
)

// Server wires the daemon's components behind an HTTP router.
type Server struct {
	logger  *zap.Logger
	router  *mux.Router
	plugins *pluginstore.Store
	install *installer.Installer
	orch    *orchestrator.Orchestrator
}

// New builds a Server and registers its routes.
func New(logger *zap.Logger, plugins *pluginstore.Store, install *installer.Installer, orch *orchestrator.Orchestrator) *Server {
	s := &Server{logger: logger, plugins: plugins, install: install, orch: orch}
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.registerRoutes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/plugins", s.handleListPlugins).Methods(http.MethodGet)
	s.router.HandleFunc("/api/plugins", s.handleInstallPlugin).Methods(http.MethodPost)
	s.router.HandleFunc("/api/plugins/{id}", s.handleGetPlugin).Methods(http.MethodGet)
	s.router.HandleFunc("/api/plugins/{id}", s.handleUninstallPlugin).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/plugins/{id}/enable", s.handleEnablePlugin).Methods(http.MethodPut)
	s.router.HandleFunc("/api/plugins/{id}/disable", s.handleDisablePlugin).Methods(http.MethodPut)
	s.router.HandleFunc("/api/plugins/{id}/update", s.handleUpdatePlugin).Methods(http.MethodPost)

	s.router.HandleFunc("/api/plugins/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/api/plugins/{id}/prepare", s.handlePrepare).Methods(http.MethodPost)
	s.router.HandleFunc("/api/executions/{id}/apply", s.handleApply).Methods(http.MethodPost)
	s.router.HandleFunc("/api/executions/{id}/stop", s.handleStop).Methods(http.MethodPut)
	s.router.HandleFunc("/api/executions", s.handleListExecutions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- plugins ---

type installPluginRequest struct {
	PackageURL string `json:"package_url"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.plugins.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if plugins == nil {
		plugins = []*models.Plugin{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: plugins})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	plugin, err := s.plugins.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) handleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	var req installPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	plugin, err := s.install.InstallFromURL(r.Context(), req.PackageURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plugin)
}

func (s *Server) handleUpdatePlugin(w http.ResponseWriter, r *http.Request) {
	var req installPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	plugin, err := s.install.UpdateFromURL(r.Context(), mux.Vars(r)["id"], req.PackageURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) handleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.install.Uninstall(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := mux.Vars(r)["id"]
	plugin, err := s.plugins.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.plugins.SetEnabled(id, enabled, plugin.UpdatedAt); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plugin_id": id, "status": "ok"})
}

// --- executions ---

type executeRequest struct {
	Params map[string]interface{} `json:"params"`
}

type applyRequest struct {
	ConfirmToken string                 `json:"confirm_token"`
	Params       map[string]interface{} `json:"params"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	execution, err := s.orch.Execute(r.Context(), mux.Vars(r)["id"], req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	execution, err := s.orch.Prepare(r.Context(), mux.Vars(r)["id"], req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	execution, err := s.orch.Apply(r.Context(), mux.Vars(r)["id"], req.ConfirmToken, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "execution stopped"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.orch.List(r.URL.Query().Get("plugin_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if executions == nil {
		executions = []*models.Execution{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: executions})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.orch.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// --- request/response plumbing ---

type listResponse struct {
	Data interface{} `json:"data"`
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

// statusForKind maps error kinds to HTTP status codes per spec.md §7:
// NotFound -> 404, AlreadyExists -> 409, Disabled -> 403,
// InvalidPluginType and ValidationError -> 400 (this includes a wrong
// confirm token or an expired preview), WaitError -> 409,
// NetworkError -> 502, everything else (IO/Database/Archive/Environment,
// and unrecognised errors) -> 500.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists:
		return http.StatusConflict
	case apperr.KindDisabled:
		return http.StatusForbidden
	case apperr.KindInvalidPluginType, apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindWait:
		return http.StatusConflict
	case apperr.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
