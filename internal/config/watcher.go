package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	secretReloadDebounce = 100 * time.Millisecond
	secretPollInterval   = 30 * time.Second
)

// StaticSecret is a webhook signing secret fixed at startup.
type StaticSecret string

// WebhookSecret returns the configured secret.
func (s StaticSecret) WebhookSecret(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// FileSecret serves a webhook signing secret read from a file and reloads it
// when the file changes, so the secret can be rotated without a restart.
type FileSecret struct {
	path string

	mu      sync.RWMutex
	value   string
	modTime time.Time
}

// NewFileSecret reads the secret at path. An empty file is not an error; the
// webhook route fails closed until a secret is written.
func NewFileSecret(path string) (*FileSecret, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("secret file path is required")
	}
	fs := &FileSecret{path: path}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// WebhookSecret returns the most recently loaded secret.
func (f *FileSecret) WebhookSecret(context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value, nil
}

// Run watches the secret file until ctx is canceled. If the directory cannot
// be watched it falls back to polling.
func (f *FileSecret) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create secret watcher; falling back to polling")
		return f.poll(ctx)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch secret directory; falling back to polling")
		return f.poll(ctx)
	}

	log.Info().Str("path", f.path).Msg("Watching webhook secret file for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Mounted secrets are swapped through symlinked siblings, so any
			// change in the directory triggers a re-read.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			time.Sleep(secretReloadDebounce)
			if err := f.reload(); err != nil {
				log.Warn().Err(err).Str("path", f.path).Msg("Failed to reload webhook secret")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Secret watcher error")
		}
	}
}

func (f *FileSecret) poll(ctx context.Context) error {
	ticker := time.NewTicker(secretPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stat, err := os.Stat(f.path)
			if err != nil {
				continue
			}
			f.mu.RLock()
			changed := stat.ModTime().After(f.modTime)
			f.mu.RUnlock()
			if !changed {
				continue
			}
			if err := f.reload(); err != nil {
				log.Warn().Err(err).Str("path", f.path).Msg("Failed to reload webhook secret")
			}
		}
	}
}

func (f *FileSecret) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.set("", time.Time{})
			return nil
		}
		return fmt.Errorf("read webhook secret file: %w", err)
	}
	var modTime time.Time
	if stat, err := os.Stat(f.path); err == nil {
		modTime = stat.ModTime()
	}

	next := strings.TrimSpace(string(data))
	f.mu.RLock()
	changed := next != f.value
	f.mu.RUnlock()

	f.set(next, modTime)
	if changed {
		log.Info().Str("path", f.path).Bool("configured", next != "").Msg("Webhook secret reloaded")
	}
	return nil
}

func (f *FileSecret) set(value string, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
	f.modTime = modTime
}
