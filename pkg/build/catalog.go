package build

import (
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SortOrder controls the ordering of List.
type SortOrder int

const (
	SortCreatedDesc SortOrder = iota
	SortCreatedAsc
	SortNone
)

// ListOptions selects a page of records. Page is 1-based; a PageSize of zero
// returns every record.
type ListOptions struct {
	Sort     SortOrder
	Page     int
	PageSize int
}

// Catalog is the read-only view over a Store used by presentation layers.
type Catalog struct {
	store  *Store
	logger *slog.Logger
}

func NewCatalog(store *Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger}
}

type entry struct {
	dir     string
	created time.Time
}

// entries lists directories that look like finished-enough records: a valid
// id and a metadata file. Directories still being created are skipped.
func (c *Catalog) entries(order SortOrder) []entry {
	dirents, err := os.ReadDir(c.store.Root())
	if err != nil {
		c.logger.Error("list build directories", "root", c.store.Root(), "error", err)
		return nil
	}

	out := make([]entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(c.store.Root(), d.Name())
		if !ValidID(d.Name()) {
			c.logger.Debug("skipping directory with malformed build id", "dir", dir)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err != nil {
			c.logger.Debug("skipping build directory without metadata", "dir", dir)
			continue
		}
		created, err := createdAt(dir)
		if err != nil {
			continue
		}
		out = append(out, entry{dir: dir, created: created})
	}

	switch order {
	case SortCreatedDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].created.After(out[j].created) })
	case SortCreatedAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	}
	return out
}

func paginate(entries []entry, page, size int) []entry {
	if size <= 0 {
		return entries
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(entries) {
		return nil
	}
	end := min(start+size, len(entries))
	return entries[start:end]
}

// List yields the records of one page. The directory is re-read each time the
// sequence is ranged over, and records are decoded lazily.
func (c *Catalog) List(opts ListOptions) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for _, e := range paginate(c.entries(opts.Sort), opts.Page, opts.PageSize) {
			rec, err := Load(e.dir)
			if err != nil {
				c.logger.Debug("skipping unreadable build record", "dir", e.dir, "error", err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Count returns the number of listable records.
func (c *Catalog) Count() int {
	return len(c.entries(SortNone))
}

// Get loads one record by id.
func (c *Catalog) Get(id string) (*Record, error) {
	if !ValidID(id) {
		c.logger.Debug("malformed build id", "build", id)
		return nil, &NotFoundError{ID: id, Err: invalidf("build id %q", id)}
	}
	rec, err := c.store.Open(id)
	if err != nil {
		if isNotExist(err) {
			c.logger.Debug("build directory or metadata missing", "build", id)
		} else {
			c.logger.Warn("build metadata unreadable", "build", id, "error", err)
		}
		return nil, &NotFoundError{ID: id, Err: err}
	}
	return rec, nil
}

// IsNotFound reports whether err means the build does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBuildNotFound)
}
