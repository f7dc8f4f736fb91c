package httpapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/edge-console/internal/camera"
	"github.com/PetoAdam/homenavi/edge-console/internal/console"
	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
	"github.com/PetoAdam/homenavi/edge-console/internal/ota"
	"github.com/PetoAdam/homenavi/edge-console/internal/realtime"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/store"
)

type Server struct {
	console *console.Console
	repo    *store.Repo
	hub     *realtime.Hub

	// Where the camera reaches the local file server.
	ServeHost string
	ServePort int
}

// NewServer returns the status API. repo and hub may be nil.
func NewServer(c *console.Console, repo *store.Repo, hub *realtime.Hub) *Server {
	return &Server{console: c, repo: repo, hub: hub}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}
	r.Get("/api/state", s.handleState)

	r.Route("/api/deployments", func(r chi.Router) {
		r.Get("/", s.handleDeploymentsList)
		r.Post("/", s.handleDeploymentsCreate)
		r.Get("/{id}", s.handleDeploymentsGet)
	})
	r.Post("/api/models", s.handleModelsCreate)
	r.Post("/api/firmware", s.handleFirmwareCreate)

	mux.Handle("/", r)
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type stateDTO struct {
	Dialect          string                      `json:"dialect,omitempty"`
	Connected        bool                        `json:"connected"`
	Ready            bool                        `json:"ready"`
	Stage            string                      `json:"stage"`
	Stream           string                      `json:"stream"`
	LastReception    *time.Time                  `json:"last_reception,omitempty"`
	ActiveDeployment string                      `json:"active_deployment,omitempty"`
	DeviceConfig     *report.DeviceConfiguration `json:"device_config,omitempty"`
	DeploymentStatus *report.DeploymentStatus    `json:"deployment_status,omitempty"`
	OTA              ota.ProgressSnapshot        `json:"ota"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.console.State()
	resp := stateDTO{
		Connected:        st.Connected.Value(),
		Ready:            st.Ready.Value(),
		Stage:            string(st.DeployStage.Value()),
		Stream:           string(st.Stream.Value()),
		DeviceConfig:     st.DeviceConfig.Value(),
		DeploymentStatus: st.DeployStatus.Value(),
		OTA:              s.console.Progress(),
	}
	if d := st.Dialect(); d != nil {
		resp.Dialect = d.Name()
	}
	if t := st.LastReception(); !t.IsZero() {
		resp.LastReception = &t
	}
	if f := st.ActiveDeployment(); f != nil {
		if m := f.Manifest(); m != nil {
			resp.ActiveDeployment = m.ID()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type deploymentDTO struct {
	ID           uuid.UUID       `json:"id"`
	Kind         string          `json:"kind"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Dialect      string          `json:"dialect,omitempty"`
	Target       string          `json:"target,omitempty"`
	Stage        string          `json:"stage,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
	Error        string          `json:"error,omitempty"`
	Manifest     json.RawMessage `json:"manifest,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func toDeploymentDTO(rec store.DeploymentRecord) deploymentDTO {
	out := deploymentDTO{
		ID:           rec.ID,
		Kind:         rec.Kind,
		DeploymentID: rec.DeploymentID,
		Dialect:      rec.Dialect,
		Target:       rec.Target,
		Stage:        rec.Stage,
		Outcome:      rec.Outcome,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
	if len(rec.Manifest) > 0 {
		out.Manifest = json.RawMessage(append([]byte(nil), rec.Manifest...))
	}
	return out
}

func (s *Server) handleDeploymentsList(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.repo.ListDeployments(r.Context(), strings.TrimSpace(q.Get("kind")), limit)
	if err != nil {
		slog.Error("deployment history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}
	out := make([]deploymentDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDeploymentDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeploymentsGet(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := s.repo.GetDeployment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentDTO(*rec))
}

// deployRequest selects exactly one source: a manifest file, a single wasm
// module, or the empty deployment.
type deployRequest struct {
	ManifestPath string `json:"manifest_path,omitempty"`
	ServeRoot    string `json:"serve_root,omitempty"`
	ModulePath   string `json:"module_path,omitempty"`
	Name         string `json:"name,omitempty"`
	Empty        bool   `json:"empty,omitempty"`
}

type jobDTO struct {
	ID   uuid.UUID `json:"id"`
	Kind string    `json:"kind"`
}

func (s *Server) handleDeploymentsCreate(w http.ResponseWriter, r *http.Request) {
	var body deployRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req, err := s.appRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.console.DeployApplication(req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobDTO{ID: job.ID, Kind: job.Kind})
}

func (s *Server) appRequest(body deployRequest) (console.AppRequest, error) {
	sources := 0
	for _, set := range []bool{body.ManifestPath != "", body.ModulePath != "", body.Empty} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return console.AppRequest{}, errors.New("exactly one of manifest_path, module_path or empty is required")
	}

	switch {
	case body.Empty:
		return console.AppRequest{Manifest: deploy.EmptyDeployment(), Target: "empty"}, nil
	case body.ModulePath != "":
		path, err := filepath.Abs(body.ModulePath)
		if err != nil {
			return console.AppRequest{}, err
		}
		name := strings.TrimSpace(body.Name)
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		root := filepath.Dir(path)
		m, err := deploy.SingleModuleManifest(name, path, s.ServeHost, s.ServePort, root)
		if err != nil {
			return console.AppRequest{}, err
		}
		return console.AppRequest{Manifest: m, ServeRoot: root, Target: path}, nil
	}

	m, err := deploy.LoadManifest(body.ManifestPath)
	if err != nil {
		return console.AppRequest{}, err
	}
	req := console.AppRequest{Manifest: m, Target: body.ManifestPath}
	if body.ServeRoot != "" {
		if err := m.ServeFrom(s.ServeHost, s.ServePort, body.ServeRoot); err != nil {
			return console.AppRequest{}, err
		}
		req.ServeRoot = body.ServeRoot
	}
	return req, nil
}

type modelRequest struct {
	Package string `json:"package"`
}

func (s *Server) handleModelsCreate(w http.ResponseWriter, r *http.Request) {
	var body modelRequest
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Package) == "" {
		writeError(w, http.StatusBadRequest, "package is required")
		return
	}
	job, err := s.console.DeployModel(body.Package)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobDTO{ID: job.ID, Kind: job.Kind})
}

type firmwareRequest struct {
	Path    string `json:"path"`
	Module  string `json:"module"`
	Version string `json:"version"`
}

func (s *Server) handleFirmwareCreate(w http.ResponseWriter, r *http.Request) {
	var body firmwareRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.console.UpdateFirmware(ota.FirmwareRequest{Path: body.Path, Module: body.Module, Version: body.Version})
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobDTO{ID: job.ID, Kind: job.Kind})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, camera.ErrDeploymentInFlight), errors.Is(err, console.ErrOTAInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ota.ErrInvalidFirmware), errors.Is(err, ota.ErrInvalidPackage), errors.Is(err, fs.ErrNotExist),
		errors.Is(err, deploy.ErrUnknownModule), errors.Is(err, deploy.ErrNoManifest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("operation not started", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}
