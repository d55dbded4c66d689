// Package api serves the discovery state over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/metrics"
	"github.com/thinker0/go.zkdiscovery/pkg/discovery"
)

const contentTypeJSON = "application/json"

// API exposes a discovery Service. A nil Service means discovery is
// disabled and every endpoint but /metrics answers 503.
type API struct {
	service *discovery.Service
	hosts   *discovery.HostsProvider
	logger  *zap.Logger
}

// New returns an API serving the members and peers of service.
func New(service *discovery.Service, hosts *discovery.HostsProvider, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{service: service, hosts: hosts, logger: logger}
}

// Health is the body of /healthz.
type Health struct {
	Session    string `json:"session"`
	Alive      bool   `json:"alive"`
	Registered bool   `json:"registered"`
	Watching   bool   `json:"watching"`
	Members    int    `json:"members"`
}

// Member is an element of the /members body.
type Member struct {
	ID    string `json:"id"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes builds the chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealth)
	r.Get("/members", a.handleMembers)
	r.Get("/peers", a.handlePeers)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("error encoding response", zap.Error(err))
	}
}

func (a *API) disabled(w http.ResponseWriter) bool {
	if a.service != nil {
		return false
	}
	a.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "zookeeper discovery is disabled"})
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if a.disabled(w) {
		return
	}

	session := a.service.Connector().Session()
	h := Health{
		Session:  session.String(),
		Alive:    session.Alive(),
		Watching: a.service.Nodes().Watching(),
		Members:  a.service.Nodes().Len(),
	}
	if m := a.service.Member(); m != nil {
		h.Registered = m.Registered()
	}

	status := http.StatusOK
	if !h.Alive {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, h)
}

func (a *API) handleMembers(w http.ResponseWriter, _ *http.Request) {
	if a.disabled(w) {
		return
	}

	entries := a.service.Nodes().Snapshot()
	out := make([]Member, 0, len(entries))
	for _, e := range entries {
		m := Member{ID: e.ID, Value: e.Value}
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
		out = append(out, m)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handlePeers(w http.ResponseWriter, r *http.Request) {
	if a.disabled(w) {
		return
	}

	peers, err := a.hosts.BuildPeers(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if peers == nil {
		peers = []discovery.Peer{}
	}
	a.writeJSON(w, http.StatusOK, peers)
}
