package crdt

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	fieldCommentID        = "id"
	fieldCommentContent   = "content"
	fieldCommentAuthor    = "author"
	fieldCommentPosition  = "position"
	fieldCommentFrom      = "from"
	fieldCommentTo        = "to"
	fieldCommentThreadID  = "threadId"
	fieldCommentResolved  = "resolved"
	fieldCommentCreatedAt = "createdAt"
)

// ErrInvalidComment indicates that a comment record is missing required fields.
var ErrInvalidComment = errors.New("crdt: invalid comment")

// Position anchors a comment to an offset range of the document body.
type Position struct {
	From int64
	To   int64
}

// Comment is one entry of the shared comment map. A non-empty ThreadID marks
// the record as a reply to the comment with that identifier.
type Comment struct {
	ID        string
	Content   string
	Author    string
	Position  *Position
	ThreadID  string
	Resolved  bool
	CreatedAt time.Time
}

func (c Comment) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidComment)
	}
	if c.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidComment)
	}
	if c.Author == "" {
		return fmt.Errorf("%w: empty author", ErrInvalidComment)
	}
	return nil
}

// AddComment writes a comment record into the shared comment map as one
// atomic change.
func (s *SharedDoc) AddComment(comment Comment) error {
	if err := comment.validate(); err != nil {
		return err
	}

	fields := map[string]any{
		fieldCommentID:        comment.ID,
		fieldCommentContent:   comment.Content,
		fieldCommentAuthor:    comment.Author,
		fieldCommentThreadID:  comment.ThreadID,
		fieldCommentResolved:  comment.Resolved,
		fieldCommentCreatedAt: comment.CreatedAt.UTC(),
	}
	if comment.Position != nil {
		fields[fieldCommentPosition] = map[string]any{
			fieldCommentFrom: comment.Position.From,
			fieldCommentTo:   comment.Position.To,
		}
	}

	if err := s.doc.Path(keyComments, comment.ID).Set(fields); err != nil {
		return err
	}
	_, err := s.doc.Commit("add comment")
	return err
}

// ResolveComment marks the comment resolved, preserving every other field.
// An absent identifier is a no-op.
func (s *SharedDoc) ResolveComment(id string) error {
	entry, err := s.commentEntry(id)
	if err != nil || entry == nil {
		return err
	}
	if err := entry.Set(fieldCommentResolved, true); err != nil {
		return err
	}
	_, err = s.doc.Commit("resolve comment")
	return err
}

// DeleteComment removes the comment and, in the same change, every comment
// whose threadId references it.
func (s *SharedDoc) DeleteComment(id string) error {
	comments, err := s.commentsMap()
	if err != nil || comments == nil {
		return err
	}

	keys, err := comments.Keys()
	if err != nil {
		return err
	}
	deleted := false
	for _, key := range keys {
		if key != id && !s.commentHasThread(comments, key, id) {
			continue
		}
		if err := comments.Delete(key); err != nil {
			return err
		}
		deleted = true
	}
	if !deleted {
		return nil
	}
	_, err = s.doc.Commit("delete comment thread")
	return err
}

// Comments returns every well-formed comment record ordered by creation time.
// Entries missing id, content or author are treated as corrupt and excluded.
func (s *SharedDoc) Comments() []Comment {
	comments, err := s.commentsMap()
	if err != nil || comments == nil {
		return nil
	}

	keys, err := comments.Keys()
	if err != nil {
		return nil
	}
	records := make([]Comment, 0, len(keys))
	for _, key := range keys {
		record, ok := s.readComment(comments, key)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func (s *SharedDoc) commentsMap() (*automerge.Map, error) {
	value, err := s.doc.Path(keyComments).Get()
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindMap {
		return nil, nil
	}
	return value.Map(), nil
}

func (s *SharedDoc) commentEntry(id string) (*automerge.Map, error) {
	comments, err := s.commentsMap()
	if err != nil || comments == nil {
		return nil, err
	}
	value, err := comments.Get(id)
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindMap {
		return nil, nil
	}
	return value.Map(), nil
}

func (s *SharedDoc) commentHasThread(comments *automerge.Map, key string, threadID string) bool {
	value, err := comments.Get(key)
	if err != nil || value.Kind() != automerge.KindMap {
		return false
	}
	thread, err := value.Map().Get(fieldCommentThreadID)
	if err != nil || thread.Kind() != automerge.KindStr {
		return false
	}
	return thread.Str() == threadID
}

func (s *SharedDoc) readComment(comments *automerge.Map, key string) (Comment, bool) {
	value, err := comments.Get(key)
	if err != nil || value.Kind() != automerge.KindMap {
		return Comment{}, false
	}
	entry := value.Map()

	record := Comment{
		ID:      stringField(entry, fieldCommentID),
		Content: stringField(entry, fieldCommentContent),
		Author:  stringField(entry, fieldCommentAuthor),
	}
	if record.ID == "" || record.Content == "" || record.Author == "" {
		return Comment{}, false
	}

	record.ThreadID = stringField(entry, fieldCommentThreadID)
	if resolved, err := entry.Get(fieldCommentResolved); err == nil && resolved.Kind() == automerge.KindBool {
		record.Resolved = resolved.Bool()
	}
	if createdAt, err := entry.Get(fieldCommentCreatedAt); err == nil && createdAt.Kind() == automerge.KindTime {
		record.CreatedAt = createdAt.Time().UTC()
	}
	if position, err := entry.Get(fieldCommentPosition); err == nil && position.Kind() == automerge.KindMap {
		record.Position = readPosition(position.Map())
	}
	return record, true
}

func readPosition(entry *automerge.Map) *Position {
	from, err := entry.Get(fieldCommentFrom)
	if err != nil || from.Kind() != automerge.KindInt64 {
		return nil
	}
	to, err := entry.Get(fieldCommentTo)
	if err != nil || to.Kind() != automerge.KindInt64 {
		return nil
	}
	return &Position{From: from.Int64(), To: to.Int64()}
}

func stringField(entry *automerge.Map, field string) string {
	value, err := entry.Get(field)
	if err != nil || value.Kind() != automerge.KindStr {
		return ""
	}
	return value.Str()
}
