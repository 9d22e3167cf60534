package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Files kept in every build directory.
const (
	MetadataFile = "build.json"
	LogFile      = "combined.txt"
	FirmwareFile = "firmware.bin"
)

// Metadata is the persisted form of a build record. The storage location and
// creation time are not stored; they are recomputed from the directory.
type Metadata struct {
	Author   *Author  `json:"author"`
	Duration *float64 `json:"duration"`
	Env      string   `json:"env"`
	Kind     Kind     `json:"kind"`
	SHA1     string   `json:"sha1"`
	Snippet  string   `json:"snippet,omitempty"`
	State    State    `json:"state"`
	Version  string   `json:"version"`
}

func (m Metadata) validate() error {
	if !m.Kind.Valid() {
		return invalidf("kind %d", int(m.Kind))
	}
	if !m.State.Valid() {
		return invalidf("state %d", int(m.State))
	}
	if m.Env == "" {
		return invalidf("env is required")
	}
	if m.Version == "" {
		return invalidf("version is required")
	}
	if !ValidCommitHash(m.SHA1) {
		return invalidf("sha1 %q is not a 40 character hex commit", m.SHA1)
	}
	if m.Snippet != "" && m.Kind != KindCustom {
		return invalidf("snippet is only allowed on custom builds")
	}
	if m.Duration != nil && *m.Duration < 0 {
		return invalidf("negative duration")
	}
	return nil
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Author != nil {
		a := *m.Author
		out.Author = &a
	}
	if m.Duration != nil {
		d := *m.Duration
		out.Duration = &d
	}
	return out
}

// Snapshot is handed to observers after every successful write.
type Snapshot struct {
	ID string
	Metadata
}

// Observer mirrors record writes somewhere else. Failures are logged and never
// undo the write to disk.
type Observer interface {
	RecordSaved(s Snapshot) error
}

// Record is one build attempt. Every mutation rewrites build.json before the
// in-memory copy is updated, so the two never diverge.
type Record struct {
	mu       sync.RWMutex
	id       string
	dir      string
	meta     Metadata
	observer Observer
	logger   *slog.Logger
}

// Load reconstructs the record stored in dir.
func Load(dir string) (*Record, error) {
	id := filepath.Base(dir)
	if !ValidID(id) {
		return nil, invalidf("build id %q", id)
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &Record{id: id, dir: dir, meta: meta, logger: slog.Default()}, nil
}

func readMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	return meta, nil
}

// writeMetadata replaces build.json atomically so readers never observe a
// partially written file.
func writeMetadata(dir string, meta Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MetadataFile)
	tmp, err := os.CreateTemp(dir, "."+MetadataFile+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// update is the single mutation path for a record.
func (r *Record) update(fn func(m *Metadata) error) error {
	r.mu.Lock()
	next := r.meta.clone()
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := next.validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := writeMetadata(r.dir, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("write build %s: %w", r.id, err)
	}
	r.meta = next
	snap := Snapshot{ID: r.id, Metadata: next.clone()}
	r.mu.Unlock()

	r.notify(snap)
	return nil
}

func (r *Record) notify(snap Snapshot) {
	if r.observer == nil {
		return
	}
	if err := r.observer.RecordSaved(snap); err != nil {
		r.logger.Warn("mirror build record failed", "build", r.id, "error", err)
	}
}

// SetState moves the record along its lifecycle.
func (r *Record) SetState(next State) error {
	return r.update(func(m *Metadata) error {
		if !m.State.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, next)
		}
		m.State = next
		return nil
	})
}

// SetDuration records the wall-clock time of the build.
func (r *Record) SetDuration(d time.Duration) error {
	return r.update(func(m *Metadata) error {
		seconds := d.Seconds()
		m.Duration = &seconds
		return nil
	})
}

// SetAuthor stores the requester identity.
func (r *Record) SetAuthor(a *Author) error {
	return r.update(func(m *Metadata) error {
		if a == nil {
			m.Author = nil
			return nil
		}
		copied := *a
		m.Author = &copied
		return nil
	})
}

// Reload refreshes the in-memory copy from disk, picking up writes made by
// another process.
func (r *Record) Reload() error {
	meta, err := readMetadata(r.dir)
	if err != nil {
		return err
	}
	if err := meta.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.meta = meta
	r.mu.Unlock()
	return nil
}

func (r *Record) ID() string  { return r.id }
func (r *Record) Dir() string { return r.dir }

// Metadata returns a copy of the persisted attributes.
func (r *Record) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.clone()
}

func (r *Record) Kind() Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.Kind
}

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.State
}

func (r *Record) Env() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.Env
}

func (r *Record) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.Version
}

func (r *Record) CommitHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.SHA1
}

func (r *Record) Snippet() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.Snippet
}

func (r *Record) Author() *Author {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.meta.Author == nil {
		return nil
	}
	a := *r.meta.Author
	return &a
}

// Duration reports the build time and whether it has been recorded yet.
func (r *Record) Duration() (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.meta.Duration == nil {
		return 0, false
	}
	return time.Duration(*r.meta.Duration * float64(time.Second)), true
}

// CreatedAt is the creation time of the build directory.
func (r *Record) CreatedAt() time.Time {
	t, err := createdAt(r.dir)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *Record) MetadataPath() string { return filepath.Join(r.dir, MetadataFile) }
func (r *Record) LogPath() string      { return filepath.Join(r.dir, LogFile) }
func (r *Record) FirmwarePath() string { return filepath.Join(r.dir, FirmwareFile) }

// DownloadName is the file name offered to users downloading the firmware.
func (r *Record) DownloadName() string {
	meta := r.Metadata()
	return fmt.Sprintf("wled_%s_%s_%s.bin", meta.Env, meta.Version, r.id)
}

// HasLog reports whether the combined log has been created.
func (r *Record) HasLog() bool {
	_, err := os.Stat(r.LogPath())
	return err == nil
}

// HasFirmware reports whether the firmware artifact has been gathered.
func (r *Record) HasFirmware() bool {
	_, err := os.Stat(r.FirmwarePath())
	return err == nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
