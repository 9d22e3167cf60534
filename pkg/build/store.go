package build

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

const maxIDAttempts = 8

// Store maps build ids to directories under a fixed root.
type Store struct {
	root     string
	observer Observer
	logger   *slog.Logger
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithObserver mirrors every record write to o.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the logger used by the store and its records.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates root if needed and returns a store bound to it.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	s := &Store{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var defaultStore atomic.Pointer[Store]

// Init installs the process-wide store. It may only be called once.
func Init(root string, opts ...StoreOption) (*Store, error) {
	s, err := NewStore(root, opts...)
	if err != nil {
		return nil, err
	}
	if !defaultStore.CompareAndSwap(nil, s) {
		return nil, ErrAlreadyInitialized
	}
	return s, nil
}

// Default returns the store installed by Init, or nil.
func Default() *Store {
	return defaultStore.Load()
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.root }

// Locate joins the root and id. It does not check that the directory exists.
func (s *Store) Locate(id string) string {
	return filepath.Join(s.root, id)
}

// GenerateID returns a fresh id whose directory has just been created.
func (s *Store) GenerateID() (string, error) {
	for range maxIDAttempts {
		id := NewID()
		err := os.Mkdir(s.Locate(id), 0o755)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return "", fmt.Errorf("create build directory: %w", err)
	}
	return "", errors.New("could not allocate a unique build id")
}

// Create allocates an id and writes the first version of the record.
// The state defaults to pending.
func (s *Store) Create(meta Metadata) (*Record, error) {
	if meta.State == 0 {
		meta.State = StatePending
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	id, err := s.GenerateID()
	if err != nil {
		return nil, err
	}
	dir := s.Locate(id)
	rec := &Record{
		id:       id,
		dir:      dir,
		meta:     meta.clone(),
		observer: s.observer,
		logger:   s.logger,
	}
	if err := writeMetadata(dir, rec.meta); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write build %s: %w", id, err)
	}
	rec.notify(Snapshot{ID: id, Metadata: rec.meta.clone()})

	s.logger.Debug("created build record", "build", id, "env", meta.Env, "kind", meta.Kind.String())
	return rec, nil
}

// Open loads the record stored under id and attaches the store's observer.
func (s *Store) Open(id string) (*Record, error) {
	rec, err := Load(s.Locate(id))
	if err != nil {
		return nil, err
	}
	rec.observer = s.observer
	rec.logger = s.logger
	return rec, nil
}
