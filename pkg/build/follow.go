package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

var followPollInterval = 250 * time.Millisecond

// Follow copies the combined log of rec to w as it grows and returns once the
// record reaches a terminal state and the log has been drained.
func Follow(ctx context.Context, rec *Record, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(rec.Dir()); err != nil {
		return fmt.Errorf("failed to watch build directory: %w", err)
	}

	var offset int64
	drain := func() error {
		f, err := os.Open(filepath.Join(rec.Dir(), LogFile))
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(w, f)
		offset += n
		return err
	}

	for {
		if err := drain(); err != nil {
			return err
		}
		if meta, err := readMetadata(rec.Dir()); err == nil && meta.State.Terminal() {
			return drain()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher error: %w", err)
		case <-time.After(followPollInterval):
		}
	}
}
