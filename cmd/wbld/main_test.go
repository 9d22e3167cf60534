package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
	"github.com/wbld/backend/pkg/platformio"
	"github.com/wbld/backend/pkg/workspace"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

type stubCheckouter struct{}

func (stubCheckouter) Checkout(_ context.Context, dir, revision string) (string, error) {
	if revision == "missing" {
		return "", &workspace.ReferenceError{Revision: revision}
	}
	return testHash, os.WriteFile(filepath.Join(dir, "platformio.ini"), []byte("[env:d1_mini]\n"), 0o644)
}

type stubTool struct {
	exitCode int
}

func (stubTool) Environments(_ context.Context, dir string) ([]string, error) {
	envs := []string{"env:d1_mini"}
	if _, err := os.Stat(filepath.Join(dir, "platformio_override.ini")); err == nil {
		envs = append(envs, "env:my_board")
	}
	return envs, nil
}

func (stubTool) EnvPlatform(context.Context, string, string) (string, error) {
	return "espressif8266", nil
}

func (stubTool) PlatformInstalled(context.Context, string) (bool, error) { return true, nil }

func (stubTool) InstallPlatform(context.Context, string, io.Writer) error { return nil }

func (t stubTool) Run(_ context.Context, opts platformio.RunOptions) (int, error) {
	io.WriteString(opts.Output, "Compiling "+opts.Environment+"\n")
	if t.exitCode != 0 {
		io.WriteString(opts.Output, "*** [firmware.elf] Error 1\n")
		return t.exitCode, nil
	}
	path := platformio.FirmwarePath(opts.ProjectDir, opts.Environment)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, err
	}
	return 0, os.WriteFile(path, bytes.Repeat([]byte{0xe9}, 2048), 0o644)
}

type cliHarness struct {
	storage string
	tool    stubTool
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	color.NoColor = true
	return &cliHarness{storage: filepath.Join(t.TempDir(), "builds")}
}

func (h *cliHarness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	a := &app{newEngine: func(a *app) *builder.Engine {
		provider := workspace.NewProvider(stubCheckouter{}, workspace.WithTempDir(t.TempDir()), workspace.WithLogger(a.logger))
		return builder.NewEngine(h.tool, provider, a.store, builder.WithLogger(a.logger))
	}}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--storage-dir", h.storage}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *cliHarness) onlyBuild(t *testing.T) *build.Record {
	t.Helper()
	store, err := build.NewStore(h.storage)
	require.NoError(t, err)
	var recs []*build.Record
	for rec := range build.NewCatalog(store, nil).List(build.ListOptions{}) {
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	return recs[0]
}

func TestBuildBuiltin(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run(t, "", "build", "builtin", "d1_mini", "v0.14.0")
	require.NoError(t, err)

	rec := h.onlyBuild(t)
	assert.Equal(t, build.StateSuccess, rec.State())
	assert.Equal(t, "v0.14.0", rec.Version())
	assert.Equal(t, testHash, rec.CommitHash())
	assert.True(t, rec.HasFirmware())

	assert.Contains(t, out, "build "+rec.ID()+" of d1_mini at 0123456")
	assert.Contains(t, out, "Compiling d1_mini")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, rec.DownloadName())
}

func TestBuildBuiltinQuietUsesDefaultRevision(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run(t, "", "build", "builtin", "d1_mini", "--quiet")
	require.NoError(t, err)
	assert.NotContains(t, out, "Compiling")

	rec := h.onlyBuild(t)
	assert.Equal(t, "main", rec.Version())
}

func TestBuildBuiltinFailure(t *testing.T) {
	h := newCLIHarness(t)
	h.tool.exitCode = 1

	out, err := h.run(t, "", "build", "builtin", "d1_mini")
	require.Error(t, err)

	rec := h.onlyBuild(t)
	assert.Equal(t, build.StateFailed, rec.State())
	assert.EqualError(t, err, "build "+rec.ID()+" failed")
	assert.Contains(t, out, "Error 1")
	assert.False(t, rec.HasFirmware())
}

func TestBuildSetupErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		target error
	}{
		{"unknown env", []string{"build", "builtin", "nodemcu"}, builder.ErrEnvironmentNotFound},
		{"unknown revision", []string{"build", "builtin", "d1_mini", "missing"}, workspace.ErrReferenceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCLIHarness(t)
			_, err := h.run(t, "", tt.args...)
			require.ErrorIs(t, err, tt.target)

			entries, err := os.ReadDir(h.storage)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestBuildCustom(t *testing.T) {
	h := newCLIHarness(t)
	snippet := "[env:my_board]\nextends = env:d1_mini\n"

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "snippet.ini")
		require.NoError(t, os.WriteFile(path, []byte(snippet), 0o644))

		_, err := h.run(t, "", "build", "custom", "-q", "--snippet-file", path)
		require.NoError(t, err)

		rec := h.onlyBuild(t)
		assert.Equal(t, build.KindCustom, rec.Kind())
		assert.Equal(t, "my_board", rec.Env())
		assert.Equal(t, snippet, rec.Snippet())
	})

	t.Run("from stdin", func(t *testing.T) {
		h := newCLIHarness(t)
		out, err := h.run(t, snippet, "build", "custom", "v0.14.0", "-q", "-f", "-")
		require.NoError(t, err)
		assert.Contains(t, out, "of my_board")
	})

	t.Run("two sections", func(t *testing.T) {
		h := newCLIHarness(t)
		_, err := h.run(t, "[env:a]\n[env:b]\n", "build", "custom", "-f", "-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too many sections in configuration: 2")
	})

	t.Run("empty snippet", func(t *testing.T) {
		h := newCLIHarness(t)
		_, err := h.run(t, "  \n", "build", "custom", "-f", "-")
		require.EqualError(t, err, "snippet is empty")
	})

	t.Run("flag required", func(t *testing.T) {
		h := newCLIHarness(t)
		_, err := h.run(t, "", "build", "custom")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snippet-file")
	})
}

func TestBuildLogAndShow(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run(t, "", "build", "builtin", "d1_mini", "-q")
	require.NoError(t, err)
	rec := h.onlyBuild(t)

	out, err := h.run(t, "", "build", "log", rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "Compiling d1_mini\n", out)

	out, err = h.run(t, "", "build", "log", "--follow", rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "Compiling d1_mini\n", out)

	out, err = h.run(t, "", "build", "show", rec.ID())
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID())
	assert.Contains(t, out, "builtin")
	assert.Contains(t, out, testHash)
	assert.Contains(t, out, "duration:")
}

func TestBuildLookupUnknown(t *testing.T) {
	h := newCLIHarness(t)
	for _, args := range [][]string{
		{"build", "log", "aaaaaaaaaaaaaaaaaaaaaa"},
		{"build", "show", "aaaaaaaaaaaaaaaaaaaaaa"},
		{"build", "log", "../../etc"},
	} {
		_, err := h.run(t, "", args...)
		require.Error(t, err, args)
		assert.True(t, build.IsNotFound(err), args)
		assert.Contains(t, err.Error(), "couldn't find build: ")
	}
}

func TestBuildsList(t *testing.T) {
	h := newCLIHarness(t)
	for range 3 {
		_, err := h.run(t, "", "build", "builtin", "d1_mini", "-q")
		require.NoError(t, err)
	}

	out, err := h.run(t, "", "builds", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	for _, line := range lines[1:4] {
		assert.Contains(t, line, "d1_mini")
		assert.Contains(t, line, "success")
	}
	assert.Equal(t, "page 1, showing 3 of 3 builds", lines[4])

	out, err = h.run(t, "", "builds", "list", "--page", "2", "--page-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "page 2, showing 1 of 3 builds")

	_, err = h.run(t, "", "builds", "list", "--page", "0")
	require.Error(t, err)
}
