// Package envconfig parses user supplied PlatformIO environment snippets.
package envconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// OverrideFile is picked up by PlatformIO next to platformio.ini.
const OverrideFile = "platformio_override.ini"

const envPrefix = "env:"

var (
	ErrSectionCount = errors.New("configuration must contain exactly one section")
	ErrSyntax       = errors.New("malformed configuration")
)

// SectionCountError reports a snippet with zero or several sections.
type SectionCountError struct {
	Count int
}

func (e *SectionCountError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("missing section in configuration: %d", e.Count)
	}
	return fmt.Sprintf("too many sections in configuration: %d", e.Count)
}

func (e *SectionCountError) Is(target error) bool { return target == ErrSectionCount }

// SyntaxError wraps the ini parser failure.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed configuration: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }

// Config is a parsed single-section snippet.
type Config struct {
	// EnvName is the section name with the "env:" prefix removed.
	EnvName string
	// Section is the section name as written.
	Section string
	// Raw is the original snippet, written verbatim as the override file.
	Raw string
}

// Parse validates snippet and extracts its environment name.
func Parse(snippet string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
		AllowNonUniqueSections:     true,
		SpaceBeforeInlineComment:   true,
	}, []byte(snippet))
	if err != nil {
		return nil, &SyntaxError{Err: err}
	}

	if keys := f.Section(ini.DefaultSection).Keys(); len(keys) > 0 {
		return nil, &SyntaxError{Err: fmt.Errorf("missing section header before %q", keys[0].Name())}
	}

	var sections []*ini.Section
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		sections = append(sections, sec)
	}
	if len(sections) != 1 {
		return nil, &SectionCountError{Count: len(sections)}
	}

	sec := sections[0]
	cfg := &Config{
		Section: sec.Name(),
		EnvName: strings.TrimPrefix(sec.Name(), envPrefix),
		Raw:     snippet,
	}
	return cfg, nil
}

// WriteOverride writes the snippet into dir so the build tool merges it with
// the project configuration.
func (c *Config) WriteOverride(dir string) error {
	path := filepath.Join(dir, OverrideFile)
	if err := os.WriteFile(path, []byte(c.Raw), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", OverrideFile, err)
	}
	return nil
}
