package crdt

import (
	"testing"
	"time"
)

func mustAddComment(t *testing.T, doc *SharedDoc, comment Comment) {
	t.Helper()
	if err := doc.AddComment(comment); err != nil {
		t.Fatalf("add comment failed: %v", err)
	}
}

func TestAddCommentRejectsMissingFields(t *testing.T) {
	doc := New()
	if err := doc.AddComment(Comment{ID: "c1", Author: "ada"}); err == nil {
		t.Fatal("expected error for comment without content")
	}
	if err := doc.AddComment(Comment{Content: "hi", Author: "ada"}); err == nil {
		t.Fatal("expected error for comment without id")
	}
}

func TestDeleteCommentCascadesToReplies(t *testing.T) {
	doc := New()
	now := time.Unix(1700000000, 0).UTC()
	mustAddComment(t, doc, Comment{ID: "root", Content: "root comment", Author: "ada", CreatedAt: now})
	mustAddComment(t, doc, Comment{ID: "reply", Content: "a reply", Author: "bob", ThreadID: "root", CreatedAt: now.Add(time.Minute)})
	mustAddComment(t, doc, Comment{ID: "other", Content: "unrelated", Author: "cyd", CreatedAt: now.Add(2 * time.Minute)})

	if err := doc.DeleteComment("root"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	remaining := doc.Comments()
	if len(remaining) != 1 {
		t.Fatalf("expected one surviving comment, got %d", len(remaining))
	}
	if remaining[0].ID != "other" {
		t.Fatalf("wrong comment survived cascade: %q", remaining[0].ID)
	}
}

func TestResolveCommentPreservesFields(t *testing.T) {
	doc := New()
	position := &Position{From: 4, To: 9}
	mustAddComment(t, doc, Comment{
		ID:        "c1",
		Content:   "anchored",
		Author:    "ada",
		Position:  position,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	})

	if err := doc.ResolveComment("c1"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := doc.ResolveComment("missing"); err != nil {
		t.Fatalf("resolving absent id must be a no-op: %v", err)
	}

	comments := doc.Comments()
	if len(comments) != 1 {
		t.Fatalf("expected one comment, got %d", len(comments))
	}
	got := comments[0]
	if !got.Resolved {
		t.Fatal("expected comment to be resolved")
	}
	if got.Content != "anchored" || got.Author != "ada" {
		t.Fatalf("resolve mutated unrelated fields: %#v", got)
	}
	if got.Position == nil || got.Position.From != 4 || got.Position.To != 9 {
		t.Fatalf("resolve lost the anchor: %#v", got.Position)
	}
}

func TestCommentsExcludeCorruptEntries(t *testing.T) {
	doc := New()
	mustAddComment(t, doc, Comment{ID: "good", Content: "fine", Author: "ada", CreatedAt: time.Unix(1700000000, 0).UTC()})

	// Simulate a corrupt replica writing a partial record.
	if err := doc.doc.Path(keyComments, "bad").Set(map[string]any{fieldCommentID: "bad"}); err != nil {
		t.Fatalf("failed to write corrupt entry: %v", err)
	}
	if _, err := doc.doc.Commit("corrupt entry"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	comments := doc.Comments()
	if len(comments) != 1 || comments[0].ID != "good" {
		t.Fatalf("corrupt entry leaked into the comment list: %#v", comments)
	}
}

func TestCommentsOrderedByCreation(t *testing.T) {
	doc := New()
	base := time.Unix(1700000000, 0).UTC()
	mustAddComment(t, doc, Comment{ID: "late", Content: "later", Author: "bob", CreatedAt: base.Add(time.Hour)})
	mustAddComment(t, doc, Comment{ID: "early", Content: "earlier", Author: "ada", CreatedAt: base})

	comments := doc.Comments()
	if len(comments) != 2 {
		t.Fatalf("expected two comments, got %d", len(comments))
	}
	if comments[0].ID != "early" || comments[1].ID != "late" {
		t.Fatalf("comments out of order: %q, %q", comments[0].ID, comments[1].ID)
	}
}

func TestCommentsSurviveMerge(t *testing.T) {
	replicaA := New()
	replicaB, err := replicaA.Fork()
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	mustAddComment(t, replicaA, Comment{ID: "from-a", Content: "a says", Author: "ada", CreatedAt: now})
	mustAddComment(t, replicaB, Comment{ID: "from-b", Content: "b says", Author: "bob", CreatedAt: now.Add(time.Second)})

	if err := replicaA.Merge(replicaB); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	comments := replicaA.Comments()
	if len(comments) != 2 {
		t.Fatalf("expected both comments after merge, got %d", len(comments))
	}
}
