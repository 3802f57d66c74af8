package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/pangeafate/ObsidianComments-sub004/internal/crdt"
)

// CommentOverlay exposes the shared comment map of a session's document. It
// withholds reads until the document has fully loaded so that consumers never
// render a half-synced comment set, while writes are accepted as soon as the
// replica exists and simply ride the next sync flush.
type CommentOverlay struct {
	session *Session
	newID   func() string
	clock   func() time.Time
}

// NewCommentOverlay constructs the overlay for a session.
func NewCommentOverlay(s *Session) *CommentOverlay {
	return &CommentOverlay{
		session: s,
		newID:   uuid.NewString,
		clock:   time.Now,
	}
}

// Comments returns the well-formed comment records ordered by creation time,
// or nil while the document is still loading.
func (o *CommentOverlay) Comments() []crdt.Comment {
	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced || !s.initialSyncComplete {
		return nil
	}
	return s.doc.Comments()
}

// Add stores a comment, stamping a fresh identifier and creation time when
// the caller left them zero, and returns the stored record.
func (o *CommentOverlay) Add(comment crdt.Comment) (crdt.Comment, error) {
	if comment.ID == "" {
		comment.ID = o.newID()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = o.clock().UTC()
	}

	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.AddComment(comment); err != nil {
		return crdt.Comment{}, err
	}
	s.flushSyncLocked()
	return comment, nil
}

// Resolve marks a comment resolved. Resolving an absent comment is a no-op.
func (o *CommentOverlay) Resolve(id string) error {
	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.ResolveComment(id); err != nil {
		return err
	}
	s.flushSyncLocked()
	return nil
}

// Delete removes a comment together with its replies.
func (o *CommentOverlay) Delete(id string) error {
	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.DeleteComment(id); err != nil {
		return err
	}
	s.flushSyncLocked()
	return nil
}
