package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "castbot/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	watchBackoffBase   = 250 * time.Millisecond
	watchBackoffMax    = 5 * time.Second
	validateTimeoutMax = 5 * time.Second
)

// errUnchanged is returned by reload when the file decodes to the committed
// config.
var errUnchanged = errors.New("config unchanged")

// ReloadStatus describes the latest reload attempt.
type ReloadStatus struct {
	At        time.Time `json:"at"`
	Published bool      `json:"published"`
	Error     string    `json:"error,omitempty"`
}

// Manager owns the current config and republishes it when the file changes.
type Manager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	hash      uint64
	last      ReloadStatus
	validator func(ctx context.Context, cfg *Config) error

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a hook that runs after Validate on every reload.
// A non-nil error keeps the committed config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and strictly decodes the file. Unknown fields and trailing
// data are errors.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

func decode(path string, raw []byte) (*Config, error) {
	jb, err := toJSON(path, expandEnv(raw))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Load parses, validates and commits the config file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LastReload reports the outcome of the latest file-triggered reload.
func (m *Manager) LastReload() ReloadStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Manager) commit(cfg *Config, hash uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, hash
	m.mu.Unlock()
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. A full buffer loses its oldest
// pending config; subscribers only care about the newest.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped, subscriber slow", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it when it changed and passes
// validation. errUnchanged means there was nothing to do.
func (m *Manager) reload(ctx context.Context) error {
	err := m.tryReload(ctx)
	m.mu.Lock()
	m.last = ReloadStatus{At: time.Now(), Published: err == nil}
	if err != nil && !errors.Is(err, errUnchanged) {
		m.last.Error = err.Error()
	}
	m.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, errUnchanged):
		m.log.Debug("config unchanged, nothing published", logx.String("path", m.path))
	default:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	}
	return err
}

func (m *Manager) tryReload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same, validator := h != 0 && h == m.hash, m.validator
	m.mu.RUnlock()
	if same {
		return errUnchanged
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeoutMax)
		defer cancel()
		if err := validator(vctx, cfg); err != nil {
			return fmt.Errorf("validator: %w", err)
		}
	}
	m.commit(cfg, h)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return nil
}

// Watch follows the config file's directory and reloads once writes settle.
// A broken watcher is recreated with jittered backoff. Watch returns nil
// when ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	deb := &debouncer{wait: reloadDebounce, fn: func() { _ = m.reload(ctx) }}
	defer deb.stop()

	delay := watchBackoffBase
	for {
		started, err := m.watchOnce(ctx, deb.trigger)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			delay = watchBackoffBase
		}
		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, watchBackoffMax)
		m.log.Warn("config watcher down, retrying",
			logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
// started reports whether the watcher came up at all.
func (m *Manager) watchOnce(ctx context.Context, changed func()) (started bool, err error) {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Some events were lost; one reload covers them.
				m.log.Warn("config watch overflow, forcing reload", logx.Err(werr))
				changed()
				continue
			}
			if werr != nil {
				m.log.Warn("config watch error", logx.Err(werr))
			}
		}
	}
}

// debouncer runs fn once no trigger arrived for wait.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		d.t = time.AfterFunc(d.wait, d.fn)
		return
	}
	d.t.Reset(d.wait)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
