package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wbld/backend/pkg/admission"
	"github.com/wbld/backend/pkg/auth"
	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
	"github.com/wbld/backend/pkg/envconfig"
	"github.com/wbld/backend/pkg/workspace"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type artifactPublisher interface {
	Publish(ctx context.Context, rec *build.Record) error
}

type server struct {
	engine          *builder.Engine
	catalog         *build.Catalog
	gate            admission.Gate
	publisher       artifactPublisher
	logger          *slog.Logger
	defaultRevision string
	baseURL         string
	buildTimeout    time.Duration

	wg sync.WaitGroup
}

func (s *server) routes(apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireKey(apiKey))
		r.Post("/builds", s.handleCreateBuild)
		r.Get("/builds", s.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.Get("/log", s.handleGetLog)
			r.Get("/log/stream", s.handleStreamLog)
		})
	})

	r.Get("/data/{buildID}/{file}", s.handleData)
	return r
}

type createBuildRequest struct {
	Kind     string        `json:"kind"`
	Env      string        `json:"env"`
	Snippet  string        `json:"snippet"`
	Revision string        `json:"revision"`
	Author   *build.Author `json:"author,omitempty"`
}

func (p createBuildRequest) source() (builder.Source, error) {
	kind, err := build.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case build.KindCustom:
		if strings.TrimSpace(p.Snippet) == "" {
			return nil, errors.New("snippet is required for custom builds")
		}
		return builder.Custom{Config: p.Snippet}, nil
	default:
		if strings.TrimSpace(p.Env) == "" {
			return nil, errors.New("env is required for builtin builds")
		}
		return builder.Builtin{Env: p.Env}, nil
	}
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	src, err := payload.source()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	revision := strings.TrimSpace(payload.Revision)
	if revision == "" {
		revision = s.defaultRevision
	}

	requester := auth.Requester(r)
	release, err := s.gate.Acquire(r.Context(), requester)
	if err != nil {
		if errors.Is(err, admission.ErrBusy) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("admission check failed", "requester", requester, "error", err)
		respondError(w, http.StatusServiceUnavailable, "admission check failed")
		return
	}

	b := s.engine.New(src, payload.Author)
	setupDone := make(chan error, 1)
	// the build waits for the 202 to be written so the response shows it pending
	responded := make(chan struct{})
	defer close(responded)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.buildTimeout)
		defer cancel()
		err := b.Setup(ctx, revision)
		setupDone <- err
		if err != nil {
			s.logger.Debug("build setup failed", "revision", revision, "error", err)
			return
		}
		<-responded
		s.runBuild(ctx, b)
	}()

	select {
	case err := <-setupDone:
		if err != nil {
			status := setupStatus(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("build setup failed", "revision", revision, "error", err)
			}
			respondError(w, status, err.Error())
			return
		}
		respondJSON(w, map[string]any{"build": s.view(b.Record())}, http.StatusAccepted)
	case <-r.Context().Done():
		s.logger.Info("client left before setup finished, build continues", "requester", requester, "revision", revision)
	}
}

// runBuild runs on the goroutine that set the build up, so it shares the
// build_timeout deadline with the checkout.
func (s *server) runBuild(ctx context.Context, b *builder.Builder) {
	rec, err := b.Run(ctx)
	if err != nil {
		s.logger.Warn("build ended with error", "build", b.Record().ID(), "error", err)
	}
	if s.publisher == nil || rec == nil {
		return
	}
	if err := s.publisher.Publish(ctx, rec); err != nil {
		s.logger.Error("publish build artifacts", "build", rec.ID(), "error", err)
	}
}

func setupStatus(err error) int {
	switch {
	case errors.Is(err, workspace.ErrReferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, envconfig.ErrSectionCount),
		errors.Is(err, envconfig.ErrSyntax),
		errors.Is(err, builder.ErrEnvironmentNotFound),
		errors.Is(err, builder.ErrNotProject):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := min(queryInt(r, "page_size", defaultPageSize), maxPageSize)

	builds := make([]buildView, 0, size)
	for rec := range s.catalog.List(build.ListOptions{Page: page, PageSize: size}) {
		builds = append(builds, s.view(rec))
	}
	respondJSON(w, map[string]any{
		"builds":    builds,
		"page":      page,
		"page_size": size,
		"total":     s.catalog.Count(),
	}, http.StatusOK)
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (*build.Record, bool) {
	rec, err := s.catalog.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		if build.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return rec, true
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, map[string]any{"build": s.view(rec)}, http.StatusOK)
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !rec.HasLog() {
		respondError(w, http.StatusNotFound, "log not available yet")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, rec.LogPath())
}

func (s *server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	err := build.Follow(r.Context(), rec, sse)
	sse.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("log stream ended", "build", rec.ID(), "error", err)
		return
	}
	if err == nil {
		fmt.Fprintf(w, "event: end\ndata: %s\n\n", s.currentState(rec))
		flusher.Flush()
	}
}

func (s *server) currentState(rec *build.Record) string {
	if err := rec.Reload(); err != nil {
		s.logger.Debug("reload build before end event", "build", rec.ID(), "error", err)
	}
	return rec.State().String()
}

var artifactFiles = map[string]bool{
	build.MetadataFile: true,
	build.LogFile:      true,
	build.FirmwareFile: true,
}

func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if !artifactFiles[file] {
		respondError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}

	path := filepath.Join(rec.Dir(), file)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "artifact not available")
		return
	}
	if file == build.FirmwareFile {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.DownloadName()))
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeFile(w, r, path)
}

type buildView struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	State        string        `json:"state"`
	Env          string        `json:"env"`
	Version      string        `json:"version"`
	SHA1         string        `json:"sha1"`
	Snippet      string        `json:"snippet,omitempty"`
	Author       *build.Author `json:"author,omitempty"`
	Duration     *float64      `json:"duration,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	DownloadName string        `json:"download_name"`
	LogURL       string        `json:"log_url"`
	FirmwareURL  string        `json:"firmware_url,omitempty"`
}

func (s *server) view(rec *build.Record) buildView {
	meta := rec.Metadata()
	v := buildView{
		ID:           rec.ID(),
		Kind:         meta.Kind.String(),
		State:        meta.State.String(),
		Env:          meta.Env,
		Version:      meta.Version,
		SHA1:         meta.SHA1,
		Snippet:      meta.Snippet,
		Author:       meta.Author,
		Duration:     meta.Duration,
		DownloadName: rec.DownloadName(),
		CreatedAt:    rec.CreatedAt().UTC(),
		LogURL:       fmt.Sprintf("%s/data/%s/%s", s.baseURL, rec.ID(), build.LogFile),
	}
	if meta.State == build.StateSuccess {
		v.FirmwareURL = fmt.Sprintf("%s/data/%s/%s", s.baseURL, rec.ID(), build.FirmwareFile)
	}
	return v
}

// sseWriter turns log output into one server-sent event per line.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	buf     []byte
}

func (s *sseWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(s.buf[:i], "\r")
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", line); err != nil {
			return 0, err
		}
		s.buf = s.buf[i+1:]
	}
	s.flusher.Flush()
	return len(p), nil
}

func (s *sseWriter) Close() {
	if len(s.buf) > 0 {
		fmt.Fprintf(s.w, "data: %s\n\n", s.buf)
		s.buf = nil
	}
	s.flusher.Flush()
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
