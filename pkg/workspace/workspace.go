// Package workspace provides isolated, disposable checkouts of the firmware
// repository at a requested revision.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	ErrReferenceNotFound = errors.New("could not find reference")
	ErrNotCloned         = errors.New("workspace has not been checked out")
)

// ReferenceError carries the revision that did not resolve.
type ReferenceError struct {
	Revision string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("could not find reference: %s", e.Revision)
}

func (e *ReferenceError) Is(target error) bool { return target == ErrReferenceNotFound }

// Checkouter materialises revision inside dir and returns the full commit hash.
type Checkouter interface {
	Checkout(ctx context.Context, dir, revision string) (string, error)
}

// Workspace is one private checkout. The zero value and nil are safe to
// Release.
type Workspace struct {
	Revision string

	mu         sync.Mutex
	path       string
	commitHash string
	released   bool
	logger     *slog.Logger
}

// Path returns the checkout directory.
func (w *Workspace) Path() (string, error) {
	if w == nil {
		return "", ErrNotCloned
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitHash == "" || w.released {
		return "", ErrNotCloned
	}
	return w.path, nil
}

// CommitHash returns the resolved 40 character commit.
func (w *Workspace) CommitHash() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitHash
}

// Release deletes the checkout. Calling it more than once is a no-op.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released || w.path == "" {
		w.released = true
		return nil
	}
	w.released = true
	if err := os.RemoveAll(w.path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.path, err)
	}
	if w.logger != nil {
		w.logger.Debug("released workspace", "path", w.path, "revision", w.Revision)
	}
	return nil
}

// Provider hands out workspaces backed by a Checkouter.
type Provider struct {
	checkouter Checkouter
	tempDir    string
	logger     *slog.Logger
}

type Option func(*Provider)

// WithTempDir places checkouts under dir instead of os.TempDir.
func WithTempDir(dir string) Option {
	return func(p *Provider) { p.tempDir = dir }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProvider(c Checkouter, opts ...Option) *Provider {
	p := &Provider{checkouter: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire creates a fresh directory and checks revision out into it. On
// failure nothing is left on disk.
func (p *Provider) Acquire(ctx context.Context, revision string) (*Workspace, error) {
	dir, err := os.MkdirTemp(p.tempDir, "wbld-src-")
	if err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	hash, err := p.checkouter.Checkout(ctx, dir, revision)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.logger.Warn("remove failed workspace", "path", dir, "error", rmErr)
		}
		return nil, err
	}

	p.logger.Debug("acquired workspace", "path", dir, "revision", revision, "commit", hash)
	return &Workspace{
		Revision:   revision,
		path:       dir,
		commitHash: hash,
		logger:     p.logger,
	}, nil
}
