package database

import (
	"testing"

	"go.uber.org/zap"

	"github.com/pangeafate/ObsidianComments-sub004/internal/documents"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"documents", "document_versions", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	var applied migrationRecord
	if err := db.Where("name = ?", migrationDedupeDocumentVersions).Take(&applied).Error; err != nil {
		t.Fatalf("expected dedupe migration to be recorded: %v", err)
	}
}

func TestDedupeDocumentVersionsKeepsEarliestRow(t *testing.T) {
	db, err := OpenSQLite("file::memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	rows := []documents.DocumentVersion{
		{ID: "v-a", DocumentID: "doc-1", Version: 1, Snapshot: []byte{1}, CreatedAtSeconds: 10},
		{ID: "v-b", DocumentID: "doc-1", Version: 1, Snapshot: []byte{2}, CreatedAtSeconds: 20},
		{ID: "v-c", DocumentID: "doc-1", Version: 2, Snapshot: []byte{3}, CreatedAtSeconds: 30},
	}
	for _, row := range rows {
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed version row: %v", err)
		}
	}

	if err := dedupeDocumentVersions(db); err != nil {
		t.Fatalf("dedupe migration failed: %v", err)
	}

	var remaining []documents.DocumentVersion
	if err := db.Order("version ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected two rows after dedupe, got %d", len(remaining))
	}
	if remaining[0].ID != "v-a" || remaining[1].ID != "v-c" {
		t.Fatalf("unexpected survivors: %q, %q", remaining[0].ID, remaining[1].ID)
	}
}
