package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"periscope/internal/artifacts"
	"periscope/internal/browser"
	"periscope/internal/config"
	"periscope/internal/metrics"
	"periscope/internal/models"
)

// CreateOptions configures a new session. Zero-value viewport falls back
// to the default.
type CreateOptions struct {
	Viewport  models.Viewport
	UserAgent string
	Locale    string
}

var defaultViewport = models.Viewport{Width: 1280, Height: 800}

// Registry owns every live session. It is created once by the server and
// injected into the handlers; there is no package-level session state.
type Registry struct {
	driver browser.Driver
	store  *artifacts.Store
	cfg    *config.Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry backed by the given driver.
func NewRegistry(driver browser.Driver, store *artifacts.Store, cfg *config.Config) *Registry {
	return &Registry{
		driver:   driver,
		store:    store,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create opens a browser context with one tab, wires its hooks and
// registers the session. A launch failure leaves the registry untouched.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	viewport := opts.Viewport
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = defaultViewport
	}

	bctx, err := r.driver.NewContext(ctx, browser.ContextOptions{
		Viewport:    viewport,
		UserAgent:   opts.UserAgent,
		Locale:      opts.Locale,
		DownloadDir: r.store.DownloadRoot(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open browser context: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		store:        r.store,
		bctx:         bctx,
		viewport:     viewport,
		streamFps:    r.cfg.StreamFps,
		streamQual:   r.cfg.StreamQuality,
		redaction:    true,
		lastActiveAt: now,
	}

	if _, err := sess.NewTab(ctx); err != nil {
		bctx.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	log.Printf("🆕 [REGISTRY] Session %s created (%dx%d, %d live)",
		sess.ID, viewport.Width, viewport.Height, count)
	return sess, nil
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns every live session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down the session's tabs, browser context and registry
// entry. Idempotent on unknown ids and safe to call concurrently with an
// in-flight action batch: operations against the closed browser fail and
// surface as per-action errors.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}

	sess.teardown()
	metrics.SessionsActive.Set(float64(count))
	log.Printf("🗑️  [REGISTRY] Session %s closed (%d live)", id, count)
}

// CloseAll shuts every session down; used on server shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		r.Close(s.ID)
	}
}

// teardown releases everything the session holds. Never panics even when
// the browser is already gone.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = nil
	sink := s.sink
	s.sink = nil
	bctx := s.bctx
	s.mu.Unlock()

	for _, t := range tabs {
		if err := t.Page.Close(); err != nil {
			log.Printf("⚠️  [SESSION] Tab close failed for %s: %v", t.ID, err)
		}
	}
	if bctx != nil {
		if err := bctx.Close(); err != nil {
			log.Printf("⚠️  [SESSION] Context close failed for %s: %v", s.ID, err)
		}
	}
	if sink != nil {
		sink.Close()
	}
}
