package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/audit"
	"github.com/fyrsmithlabs/depdeck/internal/broker"
	"github.com/fyrsmithlabs/depdeck/internal/config"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/npm/npmtest"
	"github.com/fyrsmithlabs/depdeck/internal/operations"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
	"github.com/fyrsmithlabs/depdeck/internal/search"
	"github.com/fyrsmithlabs/depdeck/internal/service"
)

// fakeNPM answers outdated and audit with canned reports; everything else
// prints one line and succeeds.
const fakeNPM = `case "$1 $2" in
"outdated --json")
  echo '{"react": {"current": "18.2.0", "wanted": "18.3.1", "latest": "18.3.1"}}'
  exit 1;;
"audit --json")
  echo '{"vulnerabilities": {"lodash": {"severity": "high", "range": "<4.17.21", "via": [{"title": "Prototype Pollution"}]}}, "metadata": {"vulnerabilities": {"info": 0, "low": 0, "moderate": 0, "high": 1, "critical": 0, "total": 1}}}'
  exit 1;;
esac
echo "added 1 package"`

func newTestService(t *testing.T, body string, nc *nats.Conn) *service.Service {
	t.Helper()
	cfg := config.Default()
	cfg.NPM.Binary = npmtest.Script(t, body)
	cfg.NPM.OutdatedTimeout = config.Duration(2 * time.Second)
	cfg.NPM.AuditTimeout = config.Duration(2 * time.Second)
	cfg.Store.Dir = t.TempDir()
	cfg.Search.SpawnRate = 1000

	svc, err := service.Open(cfg, nc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// setupTestServer returns a server over a fake npm and an embedded broker.
func setupTestServer(t *testing.T, body string) *Server {
	t.Helper()
	b, err := broker.Start(broker.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	server, err := NewServer(newTestService(t, body, b.Conn()), b.Conn(), zap.NewNop(), nil)
	require.NoError(t, err)
	return server
}

// newProject writes a project with react installed at 18.2.0.
func newProject(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, manifest.CacheDirName, "react"), 0755))
	require.NoError(t, os.WriteFile(manifest.Path(dir),
		[]byte(`{"name": "`+name+`", "dependencies": {"react": "^18.2.0"}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.CacheDirName, "react", manifest.FileName),
		[]byte(`{"version": "18.2.0"}`), 0644))
	return dir
}

func do(t *testing.T, server *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	svc := newTestService(t, `exit 0`, nil)

	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: 9090}

		server, err := NewServer(svc, nil, zap.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(svc, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9494, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(svc, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, `exit 0`)

	rec := do(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestRequestLog_CarriesRequestID(t *testing.T) {
	tl := logging.NewTestLogger()
	server, err := NewServer(newTestService(t, `exit 0`, nil), nil, tl.Underlying(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "req_42")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	tl.AssertField(t, "http request", "request.id", "req_42")
	tl.AssertField(t, "http request", "uri", "/health")
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, `exit 0`)
	do(t, server, http.MethodGet, "/health", nil)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "depdeck_http_requests_total")
}

func TestHandleScan(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	root := t.TempDir()
	newProject(t, root, "web")

	t.Run("discovers projects", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/projects/scan", ScanRequest{Root: root})
		require.Equal(t, http.StatusOK, rec.Code)

		projects := decode[[]scanner.Project](t, rec)
		require.Len(t, projects, 1)
		assert.Equal(t, "web", projects[0].Name)
		assert.True(t, projects[0].HasNodeModules)
	})

	t.Run("missing root field", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/projects/scan", ScanRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "root field is required", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("invalid root", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/projects/scan", ScanRequest{Root: filepath.Join(root, "nope")})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("relative or traversing root", func(t *testing.T) {
		for _, bad := range []string{"code/web", root + "/../etc"} {
			rec := do(t, server, http.MethodPost, "/api/v1/projects/scan", ScanRequest{Root: bad})
			assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
			assert.True(t, strings.HasPrefix(decode[ErrorResponse](t, rec).Error, "root: "), bad)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/scan", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlePackages(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodGet, "/api/v1/packages?project="+dir, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pkgs := decode[[]inventory.Package](t, rec)
	require.Len(t, pkgs, 1)
	assert.Equal(t, inventory.Minor, pkgs[0].UpdateStatus)

	rec = do(t, server, http.MethodGet, "/api/v1/packages?project="+t.TempDir(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/packages", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApply(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/packages/apply", ApplyRequest{
		Project: dir, Package: "react", Version: "18.3.1", Note: "patch",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, server, http.MethodGet, "/api/v1/history?project="+dir+"&package=react", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]history.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, history.Upgrade, entries[0].Kind)
	assert.Equal(t, "18.2.0", entries[0].From)
	assert.Equal(t, "18.3.1", entries[0].To)

	rec = do(t, server, http.MethodPost, "/api/v1/packages/apply", ApplyRequest{
		Project: dir, Package: "react", Version: "19.0.0", Note: strings.Repeat("n", history.MaxNoteLength+1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/packages/apply", ApplyRequest{Project: dir, Package: "react"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "version field is required", decode[ErrorResponse](t, rec).Error)

	rec = do(t, server, http.MethodPost, "/api/v1/packages/apply", ApplyRequest{
		Project: dir, Package: "--registry=http://evil.test", Version: "1.0.0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApply_InstallFailureCarriesStderr(t *testing.T) {
	server := setupTestServer(t, `echo "ETARGET no matching version" >&2; exit 1`)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/packages/apply", ApplyRequest{
		Project: dir, Package: "react", Version: "99.0.0",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "ETARGET no matching version", decode[ErrorResponse](t, rec).Stderr)
}

func TestHandleInstall_Operation(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/install", ProjectRequest{Project: dir})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[OperationResponse](t, rec).OperationID
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/v1/operations/"+id, rec.Header().Get(echo.HeaderLocation))

	require.Eventually(t, func() bool {
		rec := do(t, server, http.MethodGet, "/api/v1/operations/"+id, nil)
		return rec.Code == http.StatusOK && decode[operations.Operation](t, rec).Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	rec = do(t, server, http.MethodGet, "/api/v1/operations/"+id, nil)
	op := decode[operations.Operation](t, rec)
	assert.Equal(t, operations.StatusCompleted, op.Status)
	assert.Equal(t, service.KindInstallAll, op.Kind)

	// A finished operation replays its backlog and terminal event.
	rec = do(t, server, http.MethodGet, "/api/v1/operations/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: line")
	assert.Contains(t, body, "added 1 package")
	assert.Contains(t, body, "event: completed")

	rec = do(t, server, http.MethodDelete, "/api/v1/operations/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleInstall_Preconditions(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	dir := newProject(t, t.TempDir(), "locked")
	require.NoError(t, os.Chmod(manifest.Path(dir), 0444))

	rec := do(t, server, http.MethodPost, "/api/v1/install", ProjectRequest{Project: dir})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/audit/fix", ProjectRequest{Project: filepath.Join(dir, "missing")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOperation_Unknown(t *testing.T) {
	server := setupTestServer(t, `exit 0`)

	for _, tt := range []struct{ method, target string }{
		{http.MethodGet, "/api/v1/operations/nope"},
		{http.MethodGet, "/api/v1/operations/nope/events"},
		{http.MethodDelete, "/api/v1/operations/nope"},
	} {
		rec := do(t, server, tt.method, tt.target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tt.method+" "+tt.target)
	}
}

func TestStreamingRequiresBroker(t *testing.T) {
	server, err := NewServer(newTestService(t, `exit 0`, nil), nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/watch/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/operations/any/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAudit(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/audit", ProjectRequest{Project: dir})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[audit.Result](t, rec)
	assert.Equal(t, 1, result.Counts.High)
	assert.Equal(t, 1, result.Counts.Total)
	require.Len(t, result.VulnerablePackages, 1)
	assert.Equal(t, "Prototype Pollution", result.VulnerablePackages[0].Title)

	rec = do(t, server, http.MethodPost, "/api/v1/audit", ProjectRequest{Project: t.TempDir()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWatch(t *testing.T) {
	server := setupTestServer(t, `exit 0`)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/watch", ProjectRequest{Project: dir})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dir, decode[WatchResponse](t, rec).Project)

	rec = do(t, server, http.MethodGet, "/api/v1/watch", nil)
	assert.Equal(t, dir, decode[WatchResponse](t, rec).Project)

	rec = do(t, server, http.MethodDelete, "/api/v1/watch", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/watch", nil)
	assert.Empty(t, decode[WatchResponse](t, rec).Project)

	rec = do(t, server, http.MethodPost, "/api/v1/watch", ProjectRequest{Project: filepath.Join(dir, "missing")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWatchEvents(t *testing.T) {
	server := setupTestServer(t, `exit 0`)
	dir := newProject(t, t.TempDir(), "web")

	rec := do(t, server, http.MethodPost, "/api/v1/watch", ProjectRequest{Project: dir})
	require.Equal(t, http.StatusOK, rec.Code)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/watch/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	// Headers are flushed after the subscription is live.
	require.NoError(t, os.WriteFile(manifest.Path(dir), []byte(`{"name": "web", "version": "1.0.1"}`), 0644))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "event: changed" {
			break
		}
	}
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	data := strings.TrimPrefix(strings.TrimSpace(line), "data: ")

	var change struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &change))
	assert.Equal(t, manifest.FileName, filepath.Base(change.Path))
}

func TestShutdown_EndsOpenStreams(t *testing.T) {
	server := setupTestServer(t, `exit 0`)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/watch/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream stayed open after shutdown")
	}
}

func TestHandleSearch(t *testing.T) {
	server := setupTestServer(t, fakeNPM)
	root := t.TempDir()
	newProject(t, root, "web")
	newProject(t, root, "api")

	rec := do(t, server, http.MethodGet, "/api/v1/search?root="+root+"&q=react", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decode[[]search.Result](t, rec)
	require.Len(t, results, 2)
	assert.Equal(t, "react", results[0].Package.Name)

	rec = do(t, server, http.MethodGet, "/api/v1/search?root="+root+"&q=", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHistory(t *testing.T) {
	server := setupTestServer(t, `exit 0`)
	dir := newProject(t, t.TempDir(), "web")
	query := "?project=" + dir + "&package=react"

	rec := do(t, server, http.MethodGet, "/api/v1/history"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = do(t, server, http.MethodPatch, "/api/v1/history/note", UpdateNoteRequest{Project: dir, Package: "react", Note: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/history", RecordHistoryRequest{
		Project: dir,
		Package: "react",
		Entry:   history.Entry{Kind: history.External, From: "18.1.0", To: "18.2.0", Date: time.Now().UTC().Format(time.RFC3339)},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, server, http.MethodPatch, "/api/v1/history/note", UpdateNoteRequest{Project: dir, Package: "react", Note: "edited by hand"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/history"+query, nil)
	entries := decode[[]history.Entry](t, rec)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Note)
	assert.Equal(t, "edited by hand", *entries[0].Note)

	rec = do(t, server, http.MethodGet, "/api/v1/history?project="+dir, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWorkspace(t *testing.T) {
	server := setupTestServer(t, `exit 0`)

	rec := do(t, server, http.MethodGet, "/api/v1/workspace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[WorkspaceResponse](t, rec).Root)

	rec = do(t, server, http.MethodPut, "/api/v1/workspace", WorkspaceResponse{Root: "/work"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/workspace", nil)
	assert.Equal(t, "/work", decode[WorkspaceResponse](t, rec).Root)
}
