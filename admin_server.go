package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminServer exposes operational endpoints for a Node over HTTP.
// All responses are JSON except /metrics. Intended for admin/internal
// networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
	log      zerolog.Logger
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(node *Node, addr string, log zerolog.Logger) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	as := &AdminServer{
		node:     node,
		listener: ln,
		log:      log.With().Str("component", "admin").Logger(),
		server: &http.Server{
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	r.HandleFunc("/cluster/status", as.handleClusterStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes", as.handleClusterNodes).Methods(http.MethodGet)
	r.HandleFunc("/apps/{app}/entities", as.handleEntities).Methods(http.MethodGet)
	r.HandleFunc("/apps/{app}/entities/{type}/{id}", as.handleEntity).Methods(http.MethodGet)
	r.HandleFunc("/apps/{app}/maintenance", as.handleEnableMaintenance).Methods(http.MethodPost)
	r.HandleFunc("/apps/{app}/maintenance", as.handleDisableMaintenance).Methods(http.MethodDelete)
	r.HandleFunc("/apps/{app}/shutdown", as.handleShutdownApp).Methods(http.MethodPost)
	r.HandleFunc("/apps/{app}/invoke/{type}/{id}/{func}", as.handleInvoke).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			as.log.Error().Err(err).Msg("admin server error")
		}
	}()
	as.log.Info().Str("addr", as.Addr()).Msg("admin server started")
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// clusterStatusResponse is the JSON structure for GET /cluster/status.
type clusterStatusResponse struct {
	NodeID     string             `json:"node_id"`
	Workers    []string           `json:"workers"`
	Nodes      []string           `json:"nodes"`
	LoadedApps []string           `json:"loaded_apps"`
	Metrics    map[string]float64 `json:"metrics"`
}

func (as *AdminServer) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	n := as.node
	writeJSON(w, http.StatusOK, clusterStatusResponse{
		NodeID:     n.ID(),
		Workers:    n.WorkerIDs(),
		Nodes:      n.ClusterNodeIDs(),
		LoadedApps: n.LoadedApps(),
		Metrics:    n.Metrics().Snapshot(),
	})
}

type clusterNodesResponse struct {
	Nodes []string `json:"nodes"`
}

func (as *AdminServer) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clusterNodesResponse{Nodes: as.node.ClusterNodeIDs()})
}

type entitiesResponse struct {
	App      string           `json:"app"`
	Counts   map[string]int   `json:"counts"`
	Entities []ResidentEntity `json:"entities"`
}

func (as *AdminServer) handleEntities(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["app"]
	entities, err := as.node.ResidentEntities(appID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entities == nil {
		entities = []ResidentEntity{}
	}
	writeJSON(w, http.StatusOK, entitiesResponse{App: appID, Counts: as.node.ResidentCounts(appID), Entities: entities})
}

type entityResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int    `json:"version"`
	State   State  `json:"state"`
}

func (as *AdminServer) handleEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	state, version, ok := as.node.Peek(vars["app"], vars["type"], vars["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not resident on this node"})
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{Type: vars["type"], ID: vars["id"], Version: version, State: state})
}

func (as *AdminServer) handleEnableMaintenance(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["app"]
	if err := as.node.EnableMaintenance(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": appID, "maintenance": true})
}

func (as *AdminServer) handleDisableMaintenance(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["app"]
	if err := as.node.DisableMaintenance(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": appID, "maintenance": false})
}

func (as *AdminServer) handleShutdownApp(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["app"]
	if err := as.node.ShutdownApp(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": appID, "shutdown": true})
}

type invokeResponse struct {
	Payload Payload        `json:"payload"`
	Meta    *TransportMeta `json:"meta,omitempty"`
}

func (as *AdminServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var payload Payload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	resp, err := as.node.Call(ctx, Request{
		AppID:      vars["app"],
		EntityType: vars["type"],
		Func:       vars["func"],
		EntityID:   vars["id"],
		Payload:    payload,
		ClientID:   r.RemoteAddr,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	status := http.StatusOK
	if resp.Meta != nil && resp.Meta.Status != 0 {
		status = resp.Meta.Status
	}
	writeJSON(w, status, invokeResponse{Payload: resp.Payload, Meta: resp.Meta})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidEntityID):
		return http.StatusBadRequest
	case errors.Is(err, ErrAppNotFound), errors.Is(err, ErrUnknownEntityType), errors.Is(err, ErrUnknownFunc):
		return http.StatusNotFound
	case errors.Is(err, ErrFuncNotPublic):
		return http.StatusForbidden
	case errors.Is(err, ErrAppInMaintenance):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
