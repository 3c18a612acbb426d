package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/openapi"
)

const defaultDebounce = 500 * time.Millisecond

// ErrInvalidDefinitions is returned by Reload when validation rejects the
// files on disk. The registry keeps its previous snapshot.
var ErrInvalidDefinitions = errors.New("definition: invalid definitions")

// ReloadRecorder receives reload metrics. *observability.Metrics satisfies it.
type ReloadRecorder interface {
	RecordDefinitionReload(status string)
	SetDefinitionsLoaded(count float64)
}

// Reloader loads, validates and swaps definitions into a Registry.
type Reloader struct {
	Loader      *Loader
	Validator   *Validator
	Registry    *Registry
	Index       *openapi.Index
	Directories []string
	Logger      *zap.Logger
	Recorder    ReloadRecorder
	// OnChange receives the IDs of tables that changed on a successful reload.
	OnChange func(changed []string)

	mu sync.Mutex
}

// Reload rereads every directory. Invalid or unreadable definitions leave the
// current snapshot in place.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger()
	files, err := r.Loader.LoadAll(r.Directories)
	if err != nil {
		r.record("error")
		logger.Error("definition reload failed", zap.Error(err))
		return err
	}

	if errs := r.Validator.Validate(files, r.Index); len(errs) > 0 {
		r.record("invalid")
		for _, e := range errs {
			logger.Warn("definition rejected",
				zap.String("path", e.Path),
				zap.String("code", e.Code),
				zap.String("message", e.Message),
			)
		}
		return fmt.Errorf("%w: %d errors, first: %s", ErrInvalidDefinitions, len(errs), errs[0])
	}

	changed := r.Registry.Replace(files)
	r.record("success")
	if r.Recorder != nil {
		r.Recorder.SetDefinitionsLoaded(float64(r.Registry.Len()))
	}
	logger.Info("definitions loaded",
		zap.Int("files", len(files)),
		zap.Int("tables", r.Registry.Len()),
		zap.Strings("changed", changed),
		zap.String("checksum", r.Registry.Checksum()),
	)
	if len(changed) > 0 && r.OnChange != nil {
		r.OnChange(changed)
	}
	return nil
}

func (r *Reloader) record(status string) {
	if r.Recorder != nil {
		r.Recorder.RecordDefinitionReload(status)
	}
}

func (r *Reloader) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Watcher reloads definitions when YAML files under the watched directories
// change. Bursts of events within the debounce window collapse into one
// reload.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher watches every directory of r, recursively.
func NewWatcher(r *Reloader, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("definition: create watcher: %w", err)
	}
	w := &Watcher{reloader: r, debounce: debounce, fsw: fsw, logger: r.logger()}
	for _, dir := range r.Directories {
		if err := w.addRecursive(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("definition: watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes file events until ctx is done. It closes the underlying
// watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if !isDefinitionFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("definition file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definition watcher error", zap.Error(err))

		case <-timer.C:
			if pending {
				pending = false
				// Reload logs and records its own failures.
				_ = w.reloader.Reload()
			}
		}
	}
}
