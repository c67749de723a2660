// Package credentials reads the API token from a file and reloads it when
// the file changes, so a rotated token is picked up without a restart.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the burst of events editors and secret
// managers produce when rewriting a file.
const reloadDebounce = 200 * time.Millisecond

// ReadTokenFile returns the trimmed contents of path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", path, apperrors.ErrMissingToken)
	}

	return token, nil
}

// FileWatcher keeps the latest token read from a file.
type FileWatcher struct {
	path     string
	logger   *slog.Logger
	onChange func(token string)

	mu    sync.Mutex
	token string

	ready chan struct{}
}

// NewFileWatcher reads the token at path once. onChange, if non-nil, is
// called from the Watch goroutine whenever the token changes.
func NewFileWatcher(path string, logger *slog.Logger, onChange func(token string)) (*FileWatcher, error) {
	token, err := ReadTokenFile(path)
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
		token:    token,
		ready:    make(chan struct{}),
	}, nil
}

// Token returns the most recently read token.
func (w *FileWatcher) Token() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.token
}

// Ready is closed once Watch has registered its watch.
func (w *FileWatcher) Ready() <-chan struct{} { return w.ready }

// Watch blocks until ctx is cancelled, reloading the token whenever the
// file is written or replaced. The parent directory is watched because
// atomic replaces swap the inode.
func (w *FileWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	close(w.ready)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}

			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("token watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *FileWatcher) reload() {
	token, err := ReadTokenFile(w.path)
	if err != nil {
		// Mid-rewrite files can be briefly empty; keep the old token.
		w.logger.Warn("reloading token file", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	changed := token != w.token
	w.token = token
	w.mu.Unlock()

	if !changed {
		return
	}

	w.logger.Info("token file changed", slog.String("path", w.path))

	if w.onChange != nil {
		w.onChange(token)
	}
}
