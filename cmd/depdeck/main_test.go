package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/depdeck/internal/config"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/npm/npmtest"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
)

const fakeNPM = `case "$1 $2" in
"outdated --json")
  echo '{"react": {"current": "18.2.0", "wanted": "18.3.1", "latest": "19.0.0"}}'
  exit 1;;
"audit --json")
  echo '{"vulnerabilities": {}, "metadata": {"vulnerabilities": {"total": 0}}}'
  exit 0;;
esac
echo "added 1 package"
echo "npm WARN deprecated inflight@1.0.6" >&2`

// setupEnv isolates HOME and points the engine at a fake npm.
func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	bin := npmtest.Script(t, fakeNPM)
	t.Setenv("DEPDECK_NPM_BINARY", bin)
	t.Setenv("DEPDECK_SEARCH_SPAWN_RATE", "1000")
	return bin
}

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

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "scan", "packages", "apply", "install", "audit", "audit-fix", "search", "history", "version"} {
		assert.Contains(t, names, want)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("json"))
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestScanCmd_RemembersWorkspace(t *testing.T) {
	setupEnv(t)
	root := t.TempDir()
	newProject(t, root, "web")

	out, err := execute(t, "scan", root, "--json")
	require.NoError(t, err)

	var projects []scanner.Project
	require.NoError(t, json.Unmarshal([]byte(out), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "web", projects[0].Name)

	out, err = execute(t, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "1 project(s) under "+root)
	assert.Contains(t, out, "web")
}

func TestPackagesCmd(t *testing.T) {
	setupEnv(t)
	dir := newProject(t, t.TempDir(), "web")

	out, err := execute(t, "packages", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "react")
	assert.Contains(t, out, "18.3.1")
	assert.Contains(t, out, "Major")

	_, err = execute(t, "packages", t.TempDir())
	assert.ErrorIs(t, err, manifest.ErrManifestNotFound)
}

func TestApplyAndHistoryCmd(t *testing.T) {
	bin := setupEnv(t)
	dir := newProject(t, t.TempDir(), "web")

	out, err := execute(t, "apply", dir, "react", "18.3.1", "--note", "security patch")
	require.NoError(t, err)
	assert.Contains(t, out, "installed react@18.3.1")
	assert.Contains(t, npmtest.Calls(t, bin), "install react@18.3.1")

	out, err = execute(t, "history", dir, "react", "--json", "--note", "rolled out")
	require.NoError(t, err)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "18.2.0", entries[0].From)
	require.NotNil(t, entries[0].Note)
	assert.Equal(t, "rolled out", *entries[0].Note)

	_, err = execute(t, "apply", dir, "react", "19.0.0", "--kind", "sideways")
	assert.ErrorIs(t, err, history.ErrInvalidKind)
}

func TestInstallCmd_StreamsOutput(t *testing.T) {
	bin := setupEnv(t)
	dir := newProject(t, t.TempDir(), "web")

	out, err := execute(t, "install", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "added 1 package")
	assert.Contains(t, out, "npm WARN deprecated")
	assert.Contains(t, out, "done in "+dir)
	assert.Contains(t, npmtest.Calls(t, bin), "install")
}

func TestAuditCmd(t *testing.T) {
	setupEnv(t)
	dir := newProject(t, t.TempDir(), "web")

	out, err := execute(t, "audit", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No known vulnerabilities")
}

func TestSearchCmd(t *testing.T) {
	setupEnv(t)
	root := t.TempDir()
	newProject(t, root, "web")
	newProject(t, root, "api")

	out, err := execute(t, "search", "react", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "2 match(es)")
	assert.Contains(t, out, filepath.Join(root, "api"))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := config.Default()
	cfg.Server.Port = freePort(t)
	cfg.Store.Dir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, logging.NewNop())
	}()

	url := fmt.Sprintf("http://%s/health", cfg.Server.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestRenderError(t *testing.T) {
	msg := renderError(fmt.Errorf("wrapped: %w", history.ErrNoHistory))
	assert.True(t, strings.HasSuffix(msg, "wrapped: no history found to update"))
}
