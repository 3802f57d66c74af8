package session

import (
	"testing"
	"time"

	"github.com/pangeafate/ObsidianComments-sub004/internal/crdt"
)

func findComment(t *testing.T, comments []crdt.Comment, id string) crdt.Comment {
	t.Helper()
	for _, comment := range comments {
		if comment.ID == id {
			return comment
		}
	}
	t.Fatalf("comment %q not found", id)
	return crdt.Comment{}
}

func TestCommentsHiddenUntilLoaded(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
		ServerURL:      "ws://127.0.0.1:1",
		ReconnectDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	t.Cleanup(manager.Close)

	sess, err := manager.Open("doc-loading")
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	overlay := NewCommentOverlay(sess)

	if overlay.Comments() != nil {
		t.Fatal("expected nil comments while the document is loading")
	}

	// Writes are accepted even before the document finished loading.
	stored, err := overlay.Add(crdt.Comment{Content: "early note", Author: "ada"})
	if err != nil {
		t.Fatalf("failed to add comment: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected a generated comment id")
	}
	if overlay.Comments() != nil {
		t.Fatal("expected reads to stay hidden until loaded")
	}
}

func TestCommentOverlayLifecycle(t *testing.T) {
	fixture := newCollabFixture(t)
	manager := newTestManager(t, fixture)
	sess := openLoadedSession(t, manager, "doc-comments")
	overlay := NewCommentOverlay(sess)

	stored, err := overlay.Add(crdt.Comment{
		Content:  "needs a citation",
		Author:   "grace",
		Position: &crdt.Position{From: 4, To: 19},
	})
	if err != nil {
		t.Fatalf("failed to add comment: %v", err)
	}
	if stored.ID == "" || stored.CreatedAt.IsZero() {
		t.Fatalf("expected stamped id and creation time, got %+v", stored)
	}

	reply, err := overlay.Add(crdt.Comment{
		Content:  "added in the appendix",
		Author:   "ada",
		ThreadID: stored.ID,
	})
	if err != nil {
		t.Fatalf("failed to add reply: %v", err)
	}

	comments := overlay.Comments()
	if len(comments) != 2 {
		t.Fatalf("expected two comments, got %d", len(comments))
	}

	if err := overlay.Resolve(stored.ID); err != nil {
		t.Fatalf("failed to resolve comment: %v", err)
	}
	resolved := findComment(t, overlay.Comments(), stored.ID)
	if !resolved.Resolved {
		t.Fatalf("expected comment resolved, got %+v", resolved)
	}
	if resolved.Position == nil || resolved.Position.From != 4 {
		t.Fatal("expected resolution to preserve the anchor")
	}

	if err := overlay.Delete(stored.ID); err != nil {
		t.Fatalf("failed to delete comment: %v", err)
	}
	if remaining := overlay.Comments(); len(remaining) != 0 {
		t.Fatalf("expected thread delete to remove the reply %q too, got %d left", reply.ID, len(remaining))
	}
}
