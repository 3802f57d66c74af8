package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound indicates that the document does not exist at the source.
var ErrNotFound = errors.New("session: document not found")

// Content is the persisted document payload used to seed an empty replica.
type Content struct {
	Content string
	Title   string
}

// ContentSource provides the persisted document payload, typically the REST
// API backed by the same database as the collaboration server.
type ContentSource interface {
	FetchDocument(ctx context.Context, documentID string) (Content, error)
}

const defaultCreationWindow = 5 * time.Second

// CreationTracker remembers which documents this process created moments ago.
// A freshly created document is legitimately empty, so hydration must not
// fetch and seed it.
type CreationTracker struct {
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	created map[string]time.Time
}

// NewCreationTracker constructs a tracker. A non-positive window falls back
// to the default.
func NewCreationTracker(window time.Duration) *CreationTracker {
	if window <= 0 {
		window = defaultCreationWindow
	}
	return &CreationTracker{
		window:  window,
		clock:   time.Now,
		created: make(map[string]time.Time),
	}
}

// MarkCreated records that the document was just created locally.
func (t *CreationTracker) MarkCreated(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created[documentID] = t.clock()
}

// JustCreated reports whether the document was created within the window.
func (t *CreationTracker) JustCreated(documentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	createdAt, ok := t.created[documentID]
	if !ok {
		return false
	}
	if t.clock().Sub(createdAt) > t.window {
		delete(t.created, documentID)
		return false
	}
	return true
}

// Hydrate seeds the replica from the content source when the initial sync
// produced an empty document. It decides at most once per session: any
// outcome other than a transient fetch failure consumes the attempt, so the
// shared document can never be seeded twice. A nil tracker disables the
// just-created exemption.
func (s *Session) Hydrate(ctx context.Context, source ContentSource, tracker *CreationTracker) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.status != StatusConnected || !s.synced {
		s.mu.Unlock()
		return ErrSessionNotReady
	}
	if s.hydrated {
		s.mu.Unlock()
		return nil
	}
	if s.doc.ContentLen() > 0 {
		s.hydrated = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if tracker != nil && tracker.JustCreated(s.documentID) {
		s.mu.Lock()
		s.hydrated = true
		s.mu.Unlock()
		return nil
	}

	payload, err := source.FetchDocument(ctx, s.documentID)
	if errors.Is(err, ErrNotFound) {
		s.mu.Lock()
		s.hydrated = true
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		// Transient failure: leave the attempt unconsumed so a retry can
		// still hydrate.
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated || s.doc.ContentLen() > 0 {
		s.hydrated = true
		return nil
	}
	if payload.Content != "" {
		if err := s.doc.SetContent(payload.Content); err != nil {
			return err
		}
	}
	if payload.Title != "" {
		if err := s.doc.SetTitle(payload.Title); err != nil {
			return err
		}
	}
	s.hydrated = true
	s.flushSyncLocked()
	s.logger.Info("hydrated empty document from source",
		zap.Int("content_bytes", len(payload.Content)))
	return nil
}
