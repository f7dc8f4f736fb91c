package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/PetoAdam/homenavi/edge-console/internal/camera"
	"github.com/PetoAdam/homenavi/edge-console/internal/console"
	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt/mqtttest"
	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
	"github.com/PetoAdam/homenavi/edge-console/internal/ota"
	"github.com/PetoAdam/homenavi/edge-console/internal/realtime"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/store"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	state   *camera.State
	client  *mqtttest.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	client := mqtttest.New()
	state := camera.New(client, camera.WithDialect(onwire.EVP2))
	orch := ota.NewOrchestrator(state.Agent(), state.DeviceConfig, "127.0.0.1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := realtime.NewHub()
	c := console.New(ctx, state, orch, repo, hub, console.Options{DeviceID: "cam", DeployTimeout: 5 * time.Second})

	srv := NewServer(c, repo, hub)
	srv.ServeHost, srv.ServePort = "127.0.0.1", 0
	mux := http.NewServeMux()
	srv.Register(mux)
	return &testEnv{srv: srv, handler: mux, state: state, client: client}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rw := httptest.NewRecorder()
	e.handler.ServeHTTP(rw, req)
	return rw
}

func TestStateReportsSession(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"systemInfo":{"protocolVersion":"EVP2-TB"}}`)
	if err := env.state.ProcessIncoming(context.Background(), report.TopicAttributes, payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	rw := env.do(t, http.MethodGet, "/api/state", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp stateDTO
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Dialect != "EVP2" || !resp.Ready || !resp.Connected || resp.LastReception == nil {
		t.Fatalf("unexpected state %+v", resp)
	}
}

func TestDeployEmptyThenConflict(t *testing.T) {
	env := newTestEnv(t)
	rw := env.do(t, http.MethodPost, "/api/deployments", map[string]any{"empty": true})
	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rw.Code, rw.Body.String())
	}
	var job jobDTO
	_ = json.Unmarshal(rw.Body.Bytes(), &job)
	if job.ID == uuid.Nil || job.Kind != store.KindApplication {
		t.Fatalf("unexpected job %+v", job)
	}

	rw = env.do(t, http.MethodPost, "/api/deployments", map[string]any{"empty": true})
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rw.Code)
	}

	rw = env.do(t, http.MethodGet, "/api/deployments/"+job.ID.String(), nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var rec deploymentDTO
	_ = json.Unmarshal(rw.Body.Bytes(), &rec)
	if rec.Target != "empty" || rec.Dialect != "EVP2" || len(rec.Manifest) == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestDeployModuleServesFromItsDirectory(t *testing.T) {
	env := newTestEnv(t)
	wasm := filepath.Join(t.TempDir(), "detector.wasm")
	if err := os.WriteFile(wasm, []byte("wasm"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, err := env.srv.appRequest(deployRequest{ModulePath: wasm})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ServeRoot != filepath.Dir(wasm) {
		t.Fatalf("unexpected serve root %s", req.ServeRoot)
	}
	spec, ok := req.Manifest.Deployment.InstanceSpecs["detector"]
	if !ok || !strings.HasPrefix(spec.ModuleID, "detector-") {
		t.Fatalf("unexpected instances %+v", req.Manifest.Deployment.InstanceSpecs)
	}
}

func TestDeployRequiresOneSource(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]any{
		{},
		{"empty": true, "module_path": "x.wasm"},
	} {
		rw := env.do(t, http.MethodPost, "/api/deployments", body)
		if rw.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, rw.Code)
		}
	}
	rw := env.do(t, http.MethodPost, "/api/deployments", map[string]any{"bogus": 1})
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", rw.Code)
	}
}

func TestDeploymentsListAndLookup(t *testing.T) {
	env := newTestEnv(t)
	_ = env.do(t, http.MethodPost, "/api/deployments", map[string]any{"empty": true})

	rw := env.do(t, http.MethodGet, "/api/deployments?kind=application", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var list []deploymentDTO
	_ = json.Unmarshal(rw.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}

	if rw := env.do(t, http.MethodGet, "/api/deployments?limit=x", nil); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rw.Code)
	}
	if rw := env.do(t, http.MethodGet, "/api/deployments/not-a-uuid", nil); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
	if rw := env.do(t, http.MethodGet, "/api/deployments/"+uuid.NewString(), nil); rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestOTAValidation(t *testing.T) {
	env := newTestEnv(t)
	if rw := env.do(t, http.MethodPost, "/api/models", map[string]any{}); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
	rw := env.do(t, http.MethodPost, "/api/firmware", map[string]any{"path": "missing.bin", "module": "ApFw", "version": "1"})
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
	var resp jsonErr
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if !strings.Contains(resp.Error, "invalid firmware") {
		t.Fatalf("unexpected error %+v", resp)
	}
}

func TestWriteStartErrorMapsConflicts(t *testing.T) {
	env := newTestEnv(t)
	rw := httptest.NewRecorder()
	env.srv.writeStartError(rw, console.ErrOTAInFlight)
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rw.Code)
	}
	for _, err := range []error{deploy.ErrUnknownModule, ota.ErrInvalidPackage, fs.ErrNotExist} {
		rw = httptest.NewRecorder()
		env.srv.writeStartError(rw, err)
		if rw.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", err, rw.Code)
		}
	}
}
