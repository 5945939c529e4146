package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/models"
)

// Snapshot is one loaded policy generation.
type Snapshot struct {
	Policy     *Policy
	Hash       string
	Generation int
	LoadedAt   time.Time
}

// Store holds the current policy and swaps it atomically on reload.
type Store struct {
	path  string
	cur   atomic.Pointer[Snapshot]
	mu    sync.Mutex
	log   zerolog.Logger
	audit audit.Emitter

	hooksMu sync.Mutex
	hooks   []func(*Policy)
}

// NewStore loads path and returns a Store serving it.
func NewStore(path string, log zerolog.Logger, em audit.Emitter) (*Store, error) {
	p, hash, err := Load(path)
	if err != nil {
		return nil, err
	}
	if em == nil {
		em = audit.Nop{}
	}
	s := &Store{path: path, log: log, audit: em}
	s.cur.Store(&Snapshot{Policy: p, Hash: hash, Generation: 1, LoadedAt: time.Now().UTC()})
	return s, nil
}

// NewStaticStore serves a fixed policy. Reload is a no-op.
func NewStaticStore(p *Policy) *Store {
	s := &Store{log: zerolog.Nop(), audit: audit.Nop{}}
	s.cur.Store(&Snapshot{Policy: p, Generation: 1, LoadedAt: time.Now().UTC()})
	return s
}

// Current returns the active policy.
func (s *Store) Current() *Policy {
	return s.cur.Load().Policy
}

// Snapshot returns the active generation.
func (s *Store) Snapshot() Snapshot {
	return *s.cur.Load()
}

// OnReload registers fn to run after every successful swap.
func (s *Store) OnReload(fn func(*Policy)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// Reload re-reads the policy file. A failed reload keeps the previous
// policy. changed is false when the content hash is unchanged.
func (s *Store) Reload(ctx context.Context) (changed bool, err error) {
	if s.path == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	p, hash, err := Load(s.path)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("policy reload failed, keeping previous")
		s.audit.Emit(ctx, models.Envelope{
			Event:     "policy.reload",
			Severity:  models.SeverityError,
			Component: "policy",
			Details:   map[string]any{"ok": false, "error": err.Error(), "hash": prev.Hash},
		})
		return false, err
	}
	if hash == prev.Hash {
		return false, nil
	}

	next := &Snapshot{Policy: p, Hash: hash, Generation: prev.Generation + 1, LoadedAt: time.Now().UTC()}
	s.cur.Store(next)
	s.log.Info().Str("hash", hash).Int("generation", next.Generation).Msg("policy reloaded")
	s.audit.Emit(ctx, models.Envelope{
		Event:     "policy.reload",
		Component: "policy",
		Details:   map[string]any{"ok": true, "hash": hash, "previous_hash": prev.Hash, "generation": next.Generation},
	})

	s.hooksMu.Lock()
	hooks := slices.Clone(s.hooks)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(p)
	}
	return true, nil
}

// ReloadOn reloads on every value received from sig (typically SIGHUP)
// until ctx is done.
func (s *Store) ReloadOn(ctx context.Context, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			_, _ = s.Reload(ctx)
		}
	}
}

// Watch reloads when the policy file changes on disk. Editors that replace
// the file are handled by watching the parent directory. It blocks until ctx
// is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}

	const settle = 250 * time.Millisecond
	var pending bool
	var last time.Time
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = true
				last = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("policy watcher error")
		case <-ticker.C:
			if pending && time.Since(last) >= settle {
				pending = false
				_, _ = s.Reload(ctx)
			}
		}
	}
}
