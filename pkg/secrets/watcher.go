package secrets

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/rs/zerolog"
)

// Watcher holds the current client credential and signals when it changes.
// Changes are detected by polling the source and, for mounted files, by
// fsnotify events on the containing directories.
type Watcher struct {
	source   ClientSource
	files    []string
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	current     *ClientCredential
	fingerprint string

	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher. files may be empty for non-file sources.
func NewWatcher(source ClientSource, interval time.Duration, logger zerolog.Logger, m *metrics.Metrics, files ...string) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		source:   source,
		files:    files,
		interval: interval,
		logger:   logger.With().Str("component", "CredentialWatcher").Logger(),
		metrics:  m,
		changes:  make(chan struct{}, 1),
	}
}

// Start loads the initial credential and begins watching for rotation.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.reload(ctx); err != nil {
		return fmt.Errorf("initial credential load: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	var fsw *fsnotify.Watcher
	if len(w.files) > 0 {
		var err error
		fsw, err = fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only.")
		} else {
			dirs := map[string]bool{}
			for _, f := range w.files {
				dirs[filepath.Dir(f)] = true
			}
			for d := range dirs {
				if err := fsw.Add(d); err != nil {
					w.logger.Warn().Err(err).Str("dir", d).Msg("Cannot watch credential directory.")
				}
			}
		}
	}

	w.wg.Add(1)
	go w.loop(ctx, fsw)
	w.logger.Info().Dur("poll_interval", w.interval).Int("watched_files", len(w.files)).Msg("Credential watcher started.")
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if fsw != nil {
		defer fsw.Close()
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reloadAndLog(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.logger.Debug().Str("file", ev.Name).Msg("Credential file event.")
				w.reloadAndLog(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn().Err(err).Msg("fsnotify error.")
		}
	}
}

func (w *Watcher) reloadAndLog(ctx context.Context) {
	changed, err := w.reload(ctx)
	if err != nil {
		// Half-written files during a rotation land here; the next event
		// or tick retries.
		w.logger.Warn().Err(err).Msg("Failed to reload client credential.")
		return
	}
	if changed {
		w.logger.Info().Msg("Client credential rotated.")
	}
}

// reload fetches the credential and swaps it in if it differs from the
// current one.
func (w *Watcher) reload(ctx context.Context) (bool, error) {
	cc, err := w.source.ClientCredential(ctx)
	if err != nil {
		return false, err
	}
	if leaf, err := cc.Leaf(); err == nil {
		w.metrics.SetCredentialExpiry("kafka_client", leaf.NotAfter)
	}

	fp := cc.Fingerprint()
	w.mu.Lock()
	if fp == w.fingerprint {
		w.mu.Unlock()
		return false, nil
	}
	first := w.current == nil
	w.current = cc
	w.fingerprint = fp
	w.mu.Unlock()

	if !first {
		select {
		case w.changes <- struct{}{}:
		default:
		}
	}
	return !first, nil
}

// Current returns the most recently loaded credential.
func (w *Watcher) Current(ctx context.Context) (*ClientCredential, error) {
	w.mu.RLock()
	cc := w.current
	w.mu.RUnlock()
	if cc != nil {
		return cc, nil
	}
	if _, err := w.reload(ctx); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, nil
}

// Changes receives a value after each rotation. Rotations that happen
// before the previous one is observed are coalesced.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
