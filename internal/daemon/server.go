// Package daemon serves the control API over a unix socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/midiroute/internal/api"
	"github.com/g960059/midiroute/internal/catalog"
	"github.com/g960059/midiroute/internal/config"
	"github.com/g960059/midiroute/internal/midimsg"
	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/msglog"
	"github.com/g960059/midiroute/internal/routing"
	"github.com/g960059/midiroute/internal/session"
	"github.com/g960059/midiroute/internal/traffic"
	"github.com/g960059/midiroute/internal/worker"
)

// Deps are the runtime components the server exposes.
type Deps struct {
	Catalog  *catalog.Catalog
	Matrix   *routing.Matrix
	Session  *session.Session
	Worker   *worker.Worker
	Log      *msglog.Log
	Traffic  *traffic.Analyzer
	Profiles *config.ProfileStore
	Version  string
}

type Server struct {
	cfg  config.Config
	deps Deps

	mu          sync.Mutex
	appCfg      config.AppConfig
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps, appCfg config.AppConfig) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		appCfg: appCfg,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/endpoints", s.endpointsHandler)
	mux.HandleFunc("/v1/endpoints/loopback", s.loopbackHandler)
	mux.HandleFunc("/v1/endpoints/loopback/", s.loopbackByIDHandler)
	mux.HandleFunc("/v1/routes", s.routesHandler)
	mux.HandleFunc("/v1/routes/", s.routeByIDHandler)
	mux.HandleFunc("/v1/traffic/", s.trafficHandler)
	mux.HandleFunc("/v1/log", s.logHandler)
	mux.HandleFunc("/v1/send", s.sendHandler)
	mux.HandleFunc("/v1/profiles", s.profilesHandler)
	mux.HandleFunc("/v1/profiles/use", s.useProfileHandler)
	return s
}

// Handler exposes the API mux for in-process clients and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds the socket and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

// Shutdown stops the listener and releases the lock. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		err := s.httpSrv.Shutdown(ctx)
		if removeErr := os.Remove(s.cfg.SocketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && err == nil {
			err = removeErr
		}
		if lockErr := s.releaseLock(); lockErr != nil && err == nil {
			err = lockErr
		}
		s.shutdownErr = err
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: message},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, model.ErrConfigInvalid, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	state, detail := s.deps.Session.StateInfo()
	inputs, outputs := s.deps.Session.OpenPortCounts()
	s.mu.Lock()
	active := s.appCfg.ActiveProfileName
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		Status:        "ok",
		Version:       s.deps.Version,
		SessionState:  string(state),
		SessionDetail: detail,
		OpenInputs:    inputs,
		OpenOutputs:   outputs,
		QueueDepth:    s.deps.Worker.QueueDepth(),
		ActiveProfile: active,
	})
}

func (s *Server) endpointsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	endpoints := s.deps.Catalog.List()
	resp := api.EndpointsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Endpoints:     make([]api.EndpointResponse, 0, len(endpoints)),
	}
	for _, e := range endpoints {
		resp.Endpoints = append(resp.Endpoints, api.EndpointResponse{
			EndpointID:     e.ID,
			Name:           e.Name,
			Kind:           string(e.Kind),
			SupportsInput:  e.SupportsInput,
			SupportsOutput: e.SupportsOutput,
			Online:         e.Online,
			UserManaged:    e.UserManaged,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loopbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	var req api.CreateLoopbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.deps.Catalog.CreateLoopback(req.Name)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, model.ErrPersistence, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, api.EndpointResponse{
		EndpointID:     e.ID,
		Name:           e.Name,
		Kind:           string(e.Kind),
		SupportsInput:  e.SupportsInput,
		SupportsOutput: e.SupportsOutput,
		Online:         e.Online,
		UserManaged:    e.UserManaged,
	})
}

func (s *Server) loopbackByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/endpoints/loopback/")
	if id == "" {
		writeErr(w, http.StatusBadRequest, model.ErrEndpointNotFound, "endpoint id required")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req api.RenameLoopbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ok, err := s.deps.Catalog.RenameLoopback(id, req.Name)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, model.ErrPersistence, err.Error())
			return
		}
		if !ok {
			writeErr(w, http.StatusNotFound, model.ErrNotLoopback, "no user-managed endpoint "+id)
			return
		}
		writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
	case http.MethodDelete:
		ok, err := s.deps.Catalog.DeleteLoopback(id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, model.ErrPersistence, err.Error())
			return
		}
		if !ok {
			writeErr(w, http.StatusNotFound, model.ErrNotLoopback, "no user-managed endpoint "+id)
			return
		}
		writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
	default:
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
	}
}

func routeFromRequest(req api.RouteRequest) (routing.Route, error) {
	spec := config.RouteSpec{
		ID:               req.RouteID,
		SourceEndpointID: req.SourceID,
		TargetEndpointID: req.TargetID,
		Enabled:          req.Enabled,
		Channels:         req.Channels,
		MessageTypes:     req.MessageTypes,
	}
	return spec.Route()
}

func (s *Server) routeResponse(r routing.Route) api.RouteResponse {
	types := r.Filter.Types()
	names := make([]string, len(types))
	for i, mt := range types {
		names[i] = string(mt)
	}
	return api.RouteResponse{
		RouteID:      r.ID,
		SourceID:     r.Source,
		TargetID:     r.Target,
		Enabled:      r.Enabled,
		Channels:     r.Filter.Channels(),
		MessageTypes: names,
		ForwardCount: s.deps.Worker.ForwardCount(r.ID),
	}
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		routes := s.deps.Matrix.List()
		resp := api.RoutesEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Routes:        make([]api.RouteResponse, 0, len(routes)),
		}
		for _, rt := range routes {
			resp.Routes = append(resp.Routes, s.routeResponse(rt))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req api.RouteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		route, err := routeFromRequest(req)
		if err != nil {
			writeErr(w, http.StatusBadRequest, routeErrorCode(err), err.Error())
			return
		}
		stored, err := s.deps.Matrix.Upsert(route)
		if err != nil {
			writeErr(w, http.StatusBadRequest, routeErrorCode(err), err.Error())
			return
		}
		s.persistRoutes()
		writeJSON(w, http.StatusOK, s.routeResponse(stored))
	case http.MethodPut:
		var req api.ReplaceRoutesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		routes := make([]routing.Route, 0, len(req.Routes))
		for _, rr := range req.Routes {
			route, err := routeFromRequest(rr)
			if err != nil {
				writeErr(w, http.StatusBadRequest, routeErrorCode(err), err.Error())
				return
			}
			routes = append(routes, route)
		}
		if err := s.deps.Matrix.ReplaceAll(routes); err != nil {
			writeErr(w, http.StatusBadRequest, routeErrorCode(err), err.Error())
			return
		}
		s.persistRoutes()
		writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
	default:
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
	}
}

func routeErrorCode(err error) string {
	if errors.Is(err, routing.ErrInvalidFilter) {
		return model.ErrFilterInvalid
	}
	return model.ErrRouteInvalid
}

func (s *Server) routeByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	if id == "" {
		writeErr(w, http.StatusBadRequest, model.ErrRouteInvalid, "route id required")
		return
	}
	if !s.deps.Matrix.Remove(id) {
		writeErr(w, http.StatusNotFound, model.ErrRouteInvalid, "no route "+id)
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
}

// persistRoutes writes the current matrix into the active profile. Failures
// are logged as warnings and otherwise ignored; the in-memory state is
// already authoritative.
func (s *Server) persistRoutes() {
	if s.deps.Profiles == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := s.deps.Matrix.List()
	specs := make([]config.RouteSpec, 0, len(routes))
	for _, r := range routes {
		specs = append(specs, config.SpecFromRoute(r))
	}
	active := s.appCfg.ActiveProfile().Name
	replaced := false
	for i := range s.appCfg.Profiles {
		if strings.EqualFold(s.appCfg.Profiles[i].Name, active) {
			s.appCfg.Profiles[i].Routes = specs
			replaced = true
			break
		}
	}
	if !replaced {
		s.appCfg.Profiles = append(s.appCfg.Profiles, config.Profile{Name: active, Routes: specs})
	}
	if err := s.deps.Profiles.Save(s.appCfg); err != nil {
		slog.Warn("route persistence failed", "err", err)
	}
}

func (s *Server) trafficHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/traffic/")
	if id == "" {
		writeErr(w, http.StatusBadRequest, model.ErrEndpointNotFound, "endpoint id required")
		return
	}
	var snap model.TrafficSnapshot
	if r.URL.Query().Get("peek") == "1" {
		snap = s.deps.Traffic.Peek(id)
	} else {
		snap = s.deps.Traffic.Snapshot(id)
	}
	writeJSON(w, http.StatusOK, api.TrafficResponse{
		SchemaVersion:     api.SchemaVersion,
		EndpointID:        snap.EndpointID,
		MessagesPerSecond: snap.MessagesPerSecond,
		BytesPerSecond:    snap.BytesPerSecond,
		ActiveChannels:    snap.ActiveChannels,
		CapturedAt:        snap.CapturedAt,
	})
}

func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries := s.deps.Log.List()
		limit := len(entries)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			var n int
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 0 {
				writeErr(w, http.StatusBadRequest, model.ErrConfigInvalid, "invalid limit")
				return
			}
			if n < limit {
				limit = n
			}
		}
		resp := api.LogEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Entries:       make([]api.LogEntryResponse, 0, limit),
		}
		for _, e := range entries[len(entries)-limit:] {
			resp.Entries = append(resp.Entries, api.LogEntryResponse{
				Timestamp:    e.Timestamp,
				EndpointName: e.EndpointName,
				Channel:      e.Channel,
				MessageType:  string(e.Type),
				Detail:       e.Detail,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		s.deps.Log.Clear()
		writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
	default:
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
	}
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	var req api.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EndpointID == "" || len(req.Data) == 0 {
		writeErr(w, http.StatusBadRequest, model.ErrConfigInvalid, "endpoint_id and data required")
		return
	}
	c := midimsg.Classify(req.Data)
	p := model.Packet{
		SourceEndpointID: req.EndpointID,
		Data:             req.Data,
		Channel:          c.Channel,
		Type:             c.Type,
		Timestamp:        time.Now().UTC(),
	}
	if err := s.deps.Session.Send(r.Context(), req.EndpointID, p); err != nil {
		writeErr(w, http.StatusBadGateway, model.ErrPortUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
}

func (s *Server) profilesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.appCfg.Profiles))
	for _, p := range s.appCfg.Profiles {
		names = append(names, p.Name)
	}
	active := s.appCfg.ActiveProfile().Name
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.ProfilesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Active:        active,
		Profiles:      names,
	})
}

func (s *Server) useProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, model.ErrConfigInvalid, "method not allowed")
		return
	}
	var req api.UseProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	var found *config.Profile
	for i := range s.appCfg.Profiles {
		if strings.EqualFold(s.appCfg.Profiles[i].Name, req.Name) {
			found = &s.appCfg.Profiles[i]
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		writeErr(w, http.StatusNotFound, model.ErrConfigInvalid, "no profile "+req.Name)
		return
	}
	s.appCfg.ActiveProfileName = found.Name
	routes, convErrs := found.BuildRoutes()
	appCfg := s.appCfg
	s.mu.Unlock()

	for _, convErr := range convErrs {
		slog.Warn("dropping invalid persisted route", "err", convErr)
	}
	if err := s.deps.Matrix.ReplaceAll(routes); err != nil {
		writeErr(w, http.StatusBadRequest, routeErrorCode(err), err.Error())
		return
	}
	if s.deps.Profiles != nil {
		_ = s.deps.Profiles.Save(appCfg)
	}
	writeJSON(w, http.StatusOK, api.OKResponse{SchemaVersion: api.SchemaVersion, OK: true})
}
