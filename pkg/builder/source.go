package builder

import (
	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/envconfig"
)

// Source decides which environment a build compiles and prepares the
// checkout for it.
type Source interface {
	Kind() build.Kind
	// PrepareEnvironment readies the checkout at dir and returns the
	// environment name to build.
	PrepareEnvironment(dir string) (string, error)
	// Snippet is stored on the record; empty for builtin environments.
	Snippet() string
}

// Builtin builds an environment already defined by the project.
type Builtin struct {
	Env string
}

func (Builtin) Kind() build.Kind { return build.KindBuiltin }

func (b Builtin) PrepareEnvironment(string) (string, error) { return b.Env, nil }

func (Builtin) Snippet() string { return "" }

// Custom builds the single environment defined by a user snippet, written
// as an override next to the project configuration.
type Custom struct {
	Config string
}

func (Custom) Kind() build.Kind { return build.KindCustom }

func (c Custom) PrepareEnvironment(dir string) (string, error) {
	cfg, err := envconfig.Parse(c.Config)
	if err != nil {
		return "", err
	}
	if err := cfg.WriteOverride(dir); err != nil {
		return "", err
	}
	return cfg.EnvName, nil
}

func (c Custom) Snippet() string { return c.Config }
