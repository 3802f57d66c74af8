package crdt

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

const (
	keyContent  = "content"
	keyTitle    = "title"
	keyComments = "comments"
)

var (
	// ErrInvalidSnapshot indicates that a binary snapshot could not be decoded.
	ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")
)

// SharedDoc is the replicated document state: a rich-text body, a title and a
// comment map, all held in one automerge document so that replicas which have
// exchanged the same updates converge to identical state regardless of order.
//
// SharedDoc is not safe for concurrent use; callers serialize access.
type SharedDoc struct {
	doc *automerge.Doc
}

// New returns an empty shared document.
func New() *SharedDoc {
	return &SharedDoc{doc: automerge.New()}
}

// Decode reconstructs a shared document from its binary snapshot.
func Decode(raw []byte) (*SharedDoc, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &SharedDoc{doc: doc}, nil
}

// Encode serializes the full document state into its binary snapshot form.
// Decode(Encode(state)) is merge-equivalent to state.
func (s *SharedDoc) Encode() []byte {
	return s.doc.Save()
}

// Merge folds all changes from the other replica into this one.
func (s *SharedDoc) Merge(other *SharedDoc) error {
	_, err := s.doc.Merge(other.doc)
	return err
}

// Fork returns an independent replica sharing this document's history.
func (s *SharedDoc) Fork() (*SharedDoc, error) {
	doc, err := s.doc.Fork()
	if err != nil {
		return nil, err
	}
	return &SharedDoc{doc: doc}, nil
}

// NewSyncState returns a fresh per-peer sync state bound to this document.
func (s *SharedDoc) NewSyncState() *automerge.SyncState {
	return automerge.NewSyncState(s.doc)
}

// Heads returns the hashes identifying the current document version.
func (s *SharedDoc) Heads() []automerge.ChangeHash {
	return s.doc.Heads()
}

// Content returns the document body as plain text. An absent or malformed
// body reads as empty rather than failing.
func (s *SharedDoc) Content() string {
	return s.textValue(keyContent)
}

// ContentLen reports the length of the document body in bytes.
func (s *SharedDoc) ContentLen() int {
	return len(s.Content())
}

// SetContent replaces the entire document body in a single atomic change so
// observers never see an empty-then-repopulated intermediate state.
func (s *SharedDoc) SetContent(text string) error {
	if err := s.setTextValue(keyContent, text); err != nil {
		return err
	}
	_, err := s.doc.Commit("replace content")
	return err
}

// SpliceContent edits a range of the document body in place.
func (s *SharedDoc) SpliceContent(pos int, del int, text string) error {
	value, err := s.doc.Path(keyContent).Get()
	if err != nil {
		return err
	}
	if value.Kind() != automerge.KindText {
		if err := s.doc.Path(keyContent).Set(automerge.NewText(text)); err != nil {
			return err
		}
	} else if err := value.Text().Splice(pos, del, text); err != nil {
		return err
	}
	_, err = s.doc.Commit("splice content")
	return err
}

// Title returns the document title as plain text.
func (s *SharedDoc) Title() string {
	return s.textValue(keyTitle)
}

// SetTitle replaces the title atomically. Writing the current value is a
// no-op so callers echoing observed state do not trigger feedback loops.
func (s *SharedDoc) SetTitle(text string) error {
	if s.Title() == text {
		return nil
	}
	if err := s.setTextValue(keyTitle, text); err != nil {
		return err
	}
	_, err := s.doc.Commit("replace title")
	return err
}

func (s *SharedDoc) textValue(key string) string {
	value, err := s.doc.Path(key).Get()
	if err != nil || value.Kind() != automerge.KindText {
		return ""
	}
	text, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return text
}

func (s *SharedDoc) setTextValue(key string, text string) error {
	value, err := s.doc.Path(key).Get()
	if err != nil {
		return err
	}
	if value.Kind() == automerge.KindText {
		return value.Text().Set(text)
	}
	return s.doc.Path(key).Set(automerge.NewText(text))
}
