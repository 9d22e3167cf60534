// Package platformio drives the PlatformIO command line tool.
package platformio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultBinary = "pio"
	DefaultJobs   = 2

	envSectionPrefix = "env:"
	// the shared [env] section is inherited by every env:<name>
	commonEnvSection = "env"
)

// CLI runs pio as a subprocess.
type CLI struct {
	Binary string
	logger *slog.Logger
}

func New(binary string, logger *slog.Logger) *CLI {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{Binary: binary, logger: logger}
}

// RunOptions configures one pio run.
type RunOptions struct {
	ProjectDir  string
	Environment string
	Jobs        int
	Verbose     bool
	// Output receives both stdout and stderr.
	Output io.Writer
}

func (c *CLI) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Env = append(os.Environ(), "PLATFORMIO_DISABLE_COLOR=true", "CI=true")
	return cmd
}

func (c *CLI) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("pio %s: %w: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

type projectOption struct {
	Key   string
	Value json.RawMessage
}

func (o *projectOption) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("unexpected option shape: %s", data)
	}
	o.Value = pair[1]
	return json.Unmarshal(pair[0], &o.Key)
}

type projectSection struct {
	Name    string
	Options []projectOption
}

func (s *projectSection) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("unexpected section shape: %s", data)
	}
	if err := json.Unmarshal(pair[0], &s.Name); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &s.Options)
}

func (c *CLI) projectConfig(ctx context.Context, dir string) ([]projectSection, error) {
	out, err := c.output(ctx, "project", "config", "--project-dir", dir, "--json-output")
	if err != nil {
		return nil, err
	}
	var sections []projectSection
	if err := json.Unmarshal(out, &sections); err != nil {
		return nil, fmt.Errorf("decode project config: %w", err)
	}
	return sections, nil
}

// Environments lists the env:<name> sections of the project, prefix included.
func (c *CLI) Environments(ctx context.Context, dir string) ([]string, error) {
	sections, err := c.projectConfig(ctx, dir)
	if err != nil {
		return nil, err
	}
	var envs []string
	for _, s := range sections {
		if strings.HasPrefix(s.Name, envSectionPrefix) {
			envs = append(envs, s.Name)
		}
	}
	return envs, nil
}

// EnvPlatform returns the platform option of env, or "" when unset.
func (c *CLI) EnvPlatform(ctx context.Context, dir, env string) (string, error) {
	sections, err := c.projectConfig(ctx, dir)
	if err != nil {
		return "", err
	}
	var common string
	for _, s := range sections {
		if s.Name != envSectionPrefix+env && s.Name != commonEnvSection {
			continue
		}
		for _, opt := range s.Options {
			if opt.Key != "platform" {
				continue
			}
			v := optionString(opt.Value)
			if s.Name == commonEnvSection {
				common = v
			} else if v != "" {
				return v, nil
			}
		}
	}
	return common, nil
}

func optionString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}

// installedPlatform is one entry of `pio platform list --json-output`.
type installedPlatform struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PlatformInstalled reports whether spec is present in the global package
// storage. `pio platform show` is not usable here since it falls back to
// registry data for platforms that are not installed.
func (c *CLI) PlatformInstalled(ctx context.Context, spec string) (bool, error) {
	out, err := c.output(ctx, "platform", "list", "--json-output")
	if err != nil {
		return false, err
	}
	var installed []installedPlatform
	if err := json.Unmarshal(bytes.TrimSpace(out), &installed); err != nil {
		return false, fmt.Errorf("parse installed platforms: %w", err)
	}

	name, version := splitPlatformSpec(spec)
	for _, p := range installed {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if version == "" || p.Version == version {
			return true, nil
		}
	}
	return false, nil
}

// splitPlatformSpec turns owner/name@version or a package URL into the
// installed name and an exact version. Version ranges and URL refs yield an
// empty version, matching any installed release.
func splitPlatformSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, "://") {
		spec, _, _ = strings.Cut(spec, "#")
		base := strings.TrimSuffix(spec, "/")
		base = base[strings.LastIndex(base, "/")+1:]
		for _, suffix := range []string{".git", ".zip", ".tar.gz"} {
			base = strings.TrimSuffix(base, suffix)
		}
		return strings.TrimPrefix(base, "platform-"), ""
	}

	name, version, _ = strings.Cut(spec, "@")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if version != "" && strings.Trim(version, "0123456789.") != "" {
		version = ""
	}
	return name, version
}

// InstallPlatform installs spec globally without its toolchain dependencies;
// those are pulled by the first run.
func (c *CLI) InstallPlatform(ctx context.Context, spec string, out io.Writer) error {
	cmd := c.command(ctx, "pkg", "install", "--global", "--platform", spec, "--skip-dependencies")
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	c.logger.Info("installing platform", "platform", spec)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install platform %s: %w", spec, err)
	}
	return nil
}

// Run compiles one environment and returns the tool's exit code. A non-zero
// code is not an error.
func (c *CLI) Run(ctx context.Context, opts RunOptions) (int, error) {
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs
	}
	args := []string{
		"run",
		"--project-dir", opts.ProjectDir,
		"--environment", opts.Environment,
		"--jobs", strconv.Itoa(jobs),
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	} else {
		args = append(args, "--silent")
	}

	cmd := c.command(ctx, args...)
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	c.logger.Debug("running build tool", "env", opts.Environment, "dir", opts.ProjectDir, "jobs", jobs)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("pio run: %w", err)
}

// FirmwarePath is where pio run leaves the image of env.
func FirmwarePath(dir, env string) string {
	return filepath.Join(dir, ".pio", "build", env, "firmware.bin")
}

// IsProject reports whether dir holds a platformio.ini.
func IsProject(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, "platformio.ini"))
	return err == nil && !st.IsDir()
}
