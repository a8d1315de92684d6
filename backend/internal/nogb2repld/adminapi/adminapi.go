// Package `adminapi` exposes the coordinator to operators as a JSON HTTP API.
//
//	GET    /v1/status
//	POST   /v1/initialize
//	PUT    /v1/replication                  {"on": bool}
//	PUT    /v1/replicate-all                {"on": bool}
//	GET    /v1/missing
//	GET    /v1/items/public
//	GET    /v1/items/nonpublic
//	GET    /v1/pending
//	POST   /v1/replicate/{prefix}/{suffix}  ?force=true
//	POST   /v1/replicate-missing            ?max=N
//	GET    /v1/failed
//	DELETE /v1/failed/{prefix}/{suffix}
//	GET    /v1/server-info
//
// Rejected preconditions are reported as 409, invalid input as 400, unknown
// items as 404, and a full queue as 503.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/coordinator"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Coordinator interface {
	Status() coordinator.Status
	Initialize(ctx context.Context) bool
	SetReplicationOn(on bool)
	SetReplicateAll(on bool) bool
	ListMissingReplicas(ctx context.Context) ([]string, error)
	PublicItemHandles(ctx context.Context) ([]string, error)
	NonPublicItemHandles(ctx context.Context) ([]string, error)
	Pending() []string
	ReplicateHandle(
		ctx context.Context, handle string, opts coordinator.Options,
	) error
	ReplicateMissing(ctx context.Context, max int) (int, error)
	Failed() []replstate.Failure
	ClearFailed(handle string) bool
	ServerInfo(ctx context.Context) (map[string]string, error)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

type OnO struct {
	On bool `json:"on"`
}

type HandlesO struct {
	Handles []string `json:"handles"`
}

type InitializeO struct {
	Initialized bool `json:"initialized"`
}

type ReplicateAllO struct {
	On           bool `json:"on"`
	StartedSweep bool `json:"startedSweep"`
}

type ReplicateO struct {
	Handle   string `json:"handle"`
	Accepted bool   `json:"accepted"`
}

type ReplicateMissingO struct {
	Dispatched int `json:"dispatched"`
}

type FailedO struct {
	Failed []replstate.Failure `json:"failed"`
}

type ErrorO struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type server struct {
	lg    Logger
	coord Coordinator
}

func NewHandler(lg Logger, coord Coordinator) http.Handler {
	srv := &server{lg: lg, coord: coord}
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Path("/status").Methods(http.MethodGet).HandlerFunc(srv.getStatus)
	v1.Path("/initialize").Methods(http.MethodPost).HandlerFunc(srv.initialize)
	v1.Path("/replication").Methods(http.MethodPut).HandlerFunc(srv.putReplication)
	v1.Path("/replicate-all").Methods(http.MethodPut).HandlerFunc(srv.putReplicateAll)
	v1.Path("/missing").Methods(http.MethodGet).HandlerFunc(srv.getMissing)
	v1.Path("/items/public").Methods(http.MethodGet).HandlerFunc(srv.getPublic)
	v1.Path("/items/nonpublic").Methods(http.MethodGet).HandlerFunc(srv.getNonPublic)
	v1.Path("/pending").Methods(http.MethodGet).HandlerFunc(srv.getPending)
	v1.Path("/replicate/{prefix}/{suffix}").Methods(http.MethodPost).
		HandlerFunc(srv.postReplicate)
	v1.Path("/replicate-missing").Methods(http.MethodPost).
		HandlerFunc(srv.postReplicateMissing)
	v1.Path("/failed").Methods(http.MethodGet).HandlerFunc(srv.getFailed)
	v1.Path("/failed/{prefix}/{suffix}").Methods(http.MethodDelete).
		HandlerFunc(srv.deleteFailed)
	v1.Path("/server-info").Methods(http.MethodGet).HandlerFunc(srv.getServerInfo)
	return r
}

func handleVar(r *http.Request) string {
	vars := mux.Vars(r)
	return vars["prefix"] + "/" + vars["suffix"]
}

func (srv *server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.lg.Warnw("Failed to write admin response.", "err", err)
	}
}

func (srv *server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrInvalidHandle):
		code = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrMissingItem):
		code = http.StatusNotFound
	case coordinator.IsPrecondition(err):
		code = http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull):
		code = http.StatusServiceUnavailable
	default:
		srv.lg.Errorw("Admin request failed.", "err", err)
	}
	srv.writeJSON(w, code, ErrorO{
		Error:     err.Error(),
		Retryable: coordinator.IsRetryable(err),
	})
}

func (srv *server) badRequest(w http.ResponseWriter, msg string) {
	srv.writeJSON(w, http.StatusBadRequest, ErrorO{Error: msg})
}

func (srv *server) getStatus(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.coord.Status())
}

func (srv *server) initialize(w http.ResponseWriter, r *http.Request) {
	ok := srv.coord.Initialize(r.Context())
	srv.writeJSON(w, http.StatusOK, InitializeO{Initialized: ok})
}

func (srv *server) decodeOn(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var i OnO
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		srv.badRequest(w, "invalid JSON body")
		return false, false
	}
	return i.On, true
}

func (srv *server) putReplication(w http.ResponseWriter, r *http.Request) {
	on, ok := srv.decodeOn(w, r)
	if !ok {
		return
	}
	srv.coord.SetReplicationOn(on)
	srv.writeJSON(w, http.StatusOK, OnO{On: on})
}

func (srv *server) putReplicateAll(w http.ResponseWriter, r *http.Request) {
	on, ok := srv.decodeOn(w, r)
	if !ok {
		return
	}
	started := srv.coord.SetReplicateAll(on)
	srv.writeJSON(w, http.StatusOK, ReplicateAllO{
		On:           on,
		StartedSweep: started,
	})
}

func (srv *server) writeHandles(
	w http.ResponseWriter, hs []string, err error,
) {
	if err != nil {
		srv.writeError(w, err)
		return
	}
	if hs == nil {
		hs = []string{}
	}
	srv.writeJSON(w, http.StatusOK, HandlesO{Handles: hs})
}

func (srv *server) getMissing(w http.ResponseWriter, r *http.Request) {
	hs, err := srv.coord.ListMissingReplicas(r.Context())
	srv.writeHandles(w, hs, err)
}

func (srv *server) getPublic(w http.ResponseWriter, r *http.Request) {
	hs, err := srv.coord.PublicItemHandles(r.Context())
	srv.writeHandles(w, hs, err)
}

func (srv *server) getNonPublic(w http.ResponseWriter, r *http.Request) {
	hs, err := srv.coord.NonPublicItemHandles(r.Context())
	srv.writeHandles(w, hs, err)
}

func (srv *server) getPending(w http.ResponseWriter, r *http.Request) {
	srv.writeHandles(w, srv.coord.Pending(), nil)
}

func (srv *server) postReplicate(w http.ResponseWriter, r *http.Request) {
	h := handleVar(r)
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			srv.badRequest(w, "invalid force")
			return
		}
		force = b
	}

	err := srv.coord.ReplicateHandle(r.Context(), h, coordinator.Options{
		Force: force,
	})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.lg.Infow("Admin requested replication.", "handle", h, "force", force)
	srv.writeJSON(w, http.StatusAccepted, ReplicateO{
		Handle:   h,
		Accepted: true,
	})
}

func (srv *server) postReplicateMissing(w http.ResponseWriter, r *http.Request) {
	max := -1
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			srv.badRequest(w, "invalid max")
			return
		}
		max = n
	}
	n, err := srv.coord.ReplicateMissing(r.Context(), max)
	if err != nil && n == 0 {
		srv.writeError(w, err)
		return
	}
	if err != nil {
		srv.lg.Warnw(
			"Replicate missing stopped early.",
			"dispatched", n,
			"err", err,
		)
	}
	srv.writeJSON(w, http.StatusOK, ReplicateMissingO{Dispatched: n})
}

func (srv *server) getFailed(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, FailedO{Failed: srv.coord.Failed()})
}

func (srv *server) deleteFailed(w http.ResponseWriter, r *http.Request) {
	h := handleVar(r)
	if !srv.coord.ClearFailed(h) {
		srv.writeJSON(w, http.StatusNotFound, ErrorO{
			Error: "no failure for handle " + h,
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) getServerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := srv.coord.ServerInfo(r.Context())
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, info)
}
