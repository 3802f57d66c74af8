package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidDocumentID indicates that a document identifier is empty or
// exceeds storage bounds.
var ErrInvalidDocumentID = errors.New("documents: invalid document id")

// DocumentID represents a validated document identifier. Identifiers are
// URL-safe opaque strings; clients embed them in share links and frontmatter,
// so the format must stay stable.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document models the durable document row. The row itself is owned by the
// CRUD collaborator; this core only reads and writes the shared-state column
// and its bookkeeping fields.
type Document struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Title            string  `gorm:"column:title;type:text;not null;default:''"`
	Content          string  `gorm:"column:content;type:text;not null;default:''"`
	HTMLContent      *string `gorm:"column:html_content;type:text"`
	YjsState         []byte  `gorm:"column:yjs_state;type:blob"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
	AccessCount      int64   `gorm:"column:access_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentVersion stores an immutable point-in-time archive of the binary
// shared state. Rows are created, never mutated; pruning is out of scope.
type DocumentVersion struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_document_versions_doc,priority:1"`
	Version          int64  `gorm:"column:version;not null;index:idx_document_versions_doc,priority:2"`
	Snapshot         []byte `gorm:"column:snapshot;type:blob;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentVersion) TableName() string {
	return "document_versions"
}
