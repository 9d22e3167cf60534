package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbld/backend/pkg/admission"
	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
	"github.com/wbld/backend/pkg/platformio"
	"github.com/wbld/backend/pkg/workspace"
)

const fixtureHash = "5d6b97a63e4357f09f561f06355b2965be52ace7"

type fakeCheckouter struct{}

func (fakeCheckouter) Checkout(_ context.Context, dir, revision string) (string, error) {
	if revision == "no-such-branch" {
		return "", &workspace.ReferenceError{Revision: revision}
	}
	return fixtureHash, os.WriteFile(filepath.Join(dir, "platformio.ini"), []byte("[env:d1_mini]\n"), 0o644)
}

// slowCheckouter stands in for a fetch of the full firmware history.
type slowCheckouter struct {
	delay time.Duration
}

func (c slowCheckouter) Checkout(ctx context.Context, dir, revision string) (string, error) {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fakeCheckouter{}.Checkout(ctx, dir, revision)
}

type fakeTool struct {
	exitCode int
}

func (fakeTool) Environments(context.Context, string) ([]string, error) {
	return []string{"env:d1_mini", "env:custom_esp32"}, nil
}

func (fakeTool) EnvPlatform(context.Context, string, string) (string, error) {
	return "espressif8266", nil
}

func (fakeTool) PlatformInstalled(context.Context, string) (bool, error) { return true, nil }

func (fakeTool) InstallPlatform(context.Context, string, io.Writer) error { return nil }

func (f fakeTool) Run(_ context.Context, opts platformio.RunOptions) (int, error) {
	fmt.Fprintf(opts.Output, "Processing %s\nBuilding in release mode\n", opts.Environment)
	if f.exitCode != 0 {
		return f.exitCode, nil
	}
	path := platformio.FirmwarePath(opts.ProjectDir, opts.Environment)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, err
	}
	return 0, os.WriteFile(path, []byte("\xe9image"), 0o644)
}

type recordingPublisher struct {
	published []string
}

func (p *recordingPublisher) Publish(_ context.Context, rec *build.Record) error {
	p.published = append(p.published, rec.ID())
	return nil
}

func newTestServer(t *testing.T, tool builder.Tool) (*server, *admission.MemoryGate) {
	t.Helper()
	return newTestServerWith(t, tool, fakeCheckouter{})
}

func newTestServerWith(t *testing.T, tool builder.Tool, checkouter workspace.Checkouter) (*server, *admission.MemoryGate) {
	t.Helper()
	store, err := build.NewStore(filepath.Join(t.TempDir(), "builds"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := workspace.NewProvider(checkouter, workspace.WithTempDir(t.TempDir()))
	gate := admission.NewMemoryGate()
	return &server{
		engine:          builder.NewEngine(tool, provider, store, builder.WithLogger(logger)),
		catalog:         build.NewCatalog(store, logger),
		gate:            gate,
		logger:          logger,
		defaultRevision: "main",
		baseURL:         "https://wbld.test",
		buildTimeout:    time.Minute,
	}, gate
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type buildResponse struct {
	Build buildView `json:"build"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createBuild(t *testing.T, s *server, h http.Handler, body map[string]any) buildView {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/builds", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	s.wg.Wait()
	return decode[buildResponse](t, rec).Build
}

func TestCreateBuiltinBuild(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	pub := &recordingPublisher{}
	s.publisher = pub
	h := s.routes("")

	created := createBuild(t, s, h, map[string]any{
		"env":    "d1_mini",
		"author": map[string]string{"id": "42", "name": "someone"},
	})
	assert.Equal(t, "pending", created.State)
	assert.Equal(t, "builtin", created.Kind)
	assert.Equal(t, "main", created.Version)
	assert.Equal(t, fixtureHash, created.SHA1)
	assert.True(t, build.ValidID(created.ID))

	rec := doRequest(t, h, http.MethodGet, "/api/builds/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[buildResponse](t, rec).Build
	assert.Equal(t, "success", got.State)
	require.NotNil(t, got.Author)
	assert.Equal(t, "someone", got.Author.Name)
	require.NotNil(t, got.Duration)
	assert.Equal(t, "https://wbld.test/data/"+created.ID+"/firmware.bin", got.FirmwareURL)
	assert.Equal(t, []string{created.ID}, pub.published)
}

func TestCreateBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"invalid json", "{", http.StatusBadRequest, "invalid JSON payload"},
		{"missing env", map[string]any{"kind": "builtin"}, http.StatusBadRequest, "env is required"},
		{"unknown kind", map[string]any{"kind": "nightly", "env": "d1_mini"}, http.StatusBadRequest, ""},
		{"unknown reference", map[string]any{"env": "d1_mini", "revision": "no-such-branch"}, http.StatusNotFound, "no-such-branch"},
		{"unknown environment", map[string]any{"env": "bogus_env"}, http.StatusUnprocessableEntity, "environment doesn't exist: bogus_env"},
		{
			"two sections",
			map[string]any{"kind": "custom", "snippet": "[env:a]\nboard = x\n[env:b]\nboard = y\n"},
			http.StatusUnprocessableEntity,
			"too many sections in configuration: 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, fakeTool{})
			rec := doRequest(t, s.routes(""), http.MethodPost, "/api/builds", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec)["error"], tt.message)
			assert.Equal(t, 0, s.catalog.Count())
		})
	}
}

func TestCreateCustomBuild(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("")

	snippet := "[env:custom_esp32]\nextends = env:esp32dev\n"
	created := createBuild(t, s, h, map[string]any{"kind": "custom", "snippet": snippet, "revision": "v0.13.0"})
	assert.Equal(t, "custom", created.Kind)
	assert.Equal(t, "custom_esp32", created.Env)
	assert.Equal(t, snippet, created.Snippet)
	assert.Equal(t, "wled_custom_esp32_v0.13.0_"+created.ID+".bin", created.DownloadName)
}

func TestCreateBuildRejectsConcurrentRequester(t *testing.T) {
	s, gate := newTestServer(t, fakeTool{})
	release, err := gate.Acquire(context.Background(), "discord:1")
	require.NoError(t, err)
	defer release()

	rec := doRequest(t, s.routes(""), http.MethodPost, "/api/builds",
		map[string]any{"env": "d1_mini"}, map[string]string{"X-Requester-Id": "discord:1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, s.catalog.Count())
}

func TestFailedBuildIsRecorded(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{exitCode: 1})
	h := s.routes("")

	created := createBuild(t, s, h, map[string]any{"env": "d1_mini"})
	got := decode[buildResponse](t, doRequest(t, h, http.MethodGet, "/api/builds/"+created.ID, nil, nil)).Build
	assert.Equal(t, "failed", got.State)
	assert.Empty(t, got.FirmwareURL)

	rec := doRequest(t, h, http.MethodGet, "/data/"+created.ID+"/firmware.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBuilds(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("")

	var ids []string
	for range 3 {
		ids = append(ids, createBuild(t, s, h, map[string]any{"env": "d1_mini"}).ID)
		time.Sleep(15 * time.Millisecond)
	}

	type listResponse struct {
		Builds   []buildView `json:"builds"`
		Total    int         `json:"total"`
		Page     int         `json:"page"`
		PageSize int         `json:"page_size"`
	}

	rec := doRequest(t, h, http.MethodGet, "/api/builds?page=1&page_size=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[listResponse](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.PageSize)
	require.Len(t, page.Builds, 2)
	assert.Equal(t, ids[2], page.Builds[0].ID)
	assert.Equal(t, ids[1], page.Builds[1].ID)

	page = decode[listResponse](t, doRequest(t, h, http.MethodGet, "/api/builds?page=2&page_size=2", nil, nil))
	require.Len(t, page.Builds, 1)
	assert.Equal(t, ids[0], page.Builds[0].ID)
}

func TestGetUnknownBuild(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("")

	for _, target := range []string{
		"/api/builds/0000000000000000000000",
		"/api/builds/tooshort",
		"/api/builds/0000000000000000000000/log",
		"/data/0000000000000000000000/combined.txt",
	} {
		rec := doRequest(t, h, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/builds/0000000000000000000000", nil, nil)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "couldn't find build: 0000000000000000000000")
}

func TestLogAndArtifacts(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("")
	created := createBuild(t, s, h, map[string]any{"env": "d1_mini"})

	rec := doRequest(t, h, http.MethodGet, "/api/builds/"+created.ID+"/log", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Processing d1_mini")

	rec = doRequest(t, h, http.MethodGet, "/data/"+created.ID+"/firmware.bin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\xe9image", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "wled_d1_mini_main_"+created.ID+".bin")

	rec = doRequest(t, h, http.MethodGet, "/data/"+created.ID+"/platformio.ini", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamLogOfFinishedBuild(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("")
	created := createBuild(t, s, h, map[string]any{"env": "d1_mini"})

	rec := doRequest(t, h, http.MethodGet, "/api/builds/"+created.ID+"/log/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "data: Processing d1_mini\n\n")
	assert.Contains(t, body, "data: Building in release mode\n\n")
	assert.True(t, strings.HasSuffix(body, "event: end\ndata: success\n\n"), body)
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := newTestServer(t, fakeTool{})
	h := s.routes("secret")

	rec := doRequest(t, h, http.MethodGet, "/api/builds", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/builds", nil, map[string]string{"Authorization": "Key secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEWriterSplitsLines(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &sseWriter{w: rec, flusher: rec}

	_, err := w.Write([]byte("Compiling .pio/build/d1_mini/src/wled.cpp.o\r\nLink"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ing firmware.elf\npartial"))
	require.NoError(t, err)
	w.Close()

	assert.Equal(t,
		"data: Compiling .pio/build/d1_mini/src/wled.cpp.o\n\ndata: Linking firmware.elf\n\ndata: partial\n\n",
		rec.Body.String())
}

func TestCurrentStateLogsReloadFailure(t *testing.T) {
	store, err := build.NewStore(filepath.Join(t.TempDir(), "builds"))
	require.NoError(t, err)
	rec, err := store.Create(build.Metadata{Kind: build.KindBuiltin, Env: "d1_mini", Version: "main", SHA1: fixtureHash})
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.MetadataPath()))

	var logs bytes.Buffer
	s := &server{logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	assert.Equal(t, "pending", s.currentState(rec))
	assert.Contains(t, logs.String(), "reload build before end event")
	assert.Contains(t, logs.String(), rec.ID())
}
