package documents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFetchState     = "documents.fetch_state"
	opSaveState      = "documents.save_state"
	opArchiveVersion = "documents.archive_version"

	fieldDocumentID = "document_id"

	reasonMissingDatabase    = "missing_database"
	reasonQueryFailed        = "query_failed"
	reasonEmptyState         = "empty_state"
	reasonUpsertFailed       = "upsert_failed"
	reasonAccessBumpFailed   = "access_bump_failed"
	reasonVersionCountFailed = "version_count_failed"
	reasonVersionIDFailed    = "version_id_failed"
	reasonVersionSaveFailed  = "version_save_failed"

	defaultVersionInterval = 100
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for archived version rows.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the persistence adapter.
type StoreConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	VersionInterval int
}

// Store bridges the collaboration process to durable storage. Fetch and
// SaveState never surface storage failures to the caller: a failed fetch
// degrades to "no state" and a failed save waits for the next debounced
// attempt, which carries the latest state anyway.
type Store struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	versionInterval int64
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := int64(cfg.VersionInterval)
	if interval <= 0 {
		interval = defaultVersionInterval
	}

	return &Store{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		logger:          logger,
		versionInterval: interval,
	}, nil
}

// Fetch returns the stored binary shared state for the document, or false
// when no state exists. A row without state reads as "no state" rather than
// an empty-but-present state, so clients can distinguish "never
// collaboratively edited" from "edited but empty". Storage errors degrade to
// "no state".
func (s *Store) Fetch(ctx context.Context, documentID DocumentID) ([]byte, bool) {
	var row Document
	err := s.db.WithContext(ctx).
		Where("id = ?", documentID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		s.logFailure(opFetchState, reasonQueryFailed, err, documentID)
		return nil, false
	}
	if len(row.YjsState) == 0 {
		return nil, false
	}

	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID.String()).
		UpdateColumn("access_count", gorm.Expr("access_count + 1")).Error; err != nil {
		s.logFailure(opFetchState, reasonAccessBumpFailed, err, documentID)
	}

	return row.YjsState, true
}

// SaveState persists the binary shared state, bumping the row version and
// updatedAt. Safe to call repeatedly and rapidly for the same document.
// Failures are logged and swallowed; every Nth successful save additionally
// archives an immutable version record on a best-effort basis.
func (s *Store) SaveState(ctx context.Context, documentID DocumentID, state []byte) {
	if len(state) == 0 {
		s.logFailure(opSaveState, reasonEmptyState, nil, documentID)
		return
	}

	nowSeconds := s.clock().UTC().Unix()
	row := Document{
		ID:               documentID.String(),
		YjsState:         state,
		Version:          1,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"yjs_state":    state,
			"version":      gorm.Expr("documents.version + 1"),
			"updated_at_s": nowSeconds,
		}),
	}).Create(&row).Error
	if err != nil {
		s.logFailure(opSaveState, reasonUpsertFailed, err, documentID)
		return
	}

	if version := s.savedVersion(ctx, documentID); version > 0 && version%s.versionInterval == 0 {
		s.archiveVersion(ctx, documentID, state)
	}
}

// savedVersion reads back the row's save counter. The cadence rides the
// durable version column rather than in-process state, so restarts neither
// delay nor repeat the next archive.
func (s *Store) savedVersion(ctx context.Context, documentID DocumentID) int64 {
	var row Document
	if err := s.db.WithContext(ctx).Select("version").
		Where("id = ?", documentID.String()).
		Take(&row).Error; err != nil {
		s.logFailure(opSaveState, reasonQueryFailed, err, documentID)
		return 0
	}
	return row.Version
}

// archiveVersion writes an immutable snapshot record. It is a side channel of
// SaveState: any failure here is logged and never fails the primary write.
func (s *Store) archiveVersion(ctx context.Context, documentID DocumentID, state []byte) {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("document_id = ?", documentID.String()).
		Count(&existing).Error; err != nil {
		s.logFailure(opArchiveVersion, reasonVersionCountFailed, err, documentID)
		return
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logFailure(opArchiveVersion, reasonVersionIDFailed, err, documentID)
		return
	}

	archivedAt := s.clock().UTC()
	metadata, _ := json.Marshal(map[string]interface{}{
		"reason":        "periodic",
		"intervalSaves": s.versionInterval,
		"archivedAt":    archivedAt.Format(time.RFC3339),
	})

	record := DocumentVersion{
		ID:               versionID,
		DocumentID:       documentID.String(),
		Version:          existing + 1,
		Snapshot:         state,
		MetadataJSON:     string(metadata),
		CreatedAtSeconds: archivedAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logFailure(opArchiveVersion, reasonVersionSaveFailed, err, documentID)
		return
	}

	s.logger.Info("archived document version",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64("version", record.Version))
}

// Versions lists the archived version records for a document, newest first.
func (s *Store) Versions(ctx context.Context, documentID DocumentID) ([]DocumentVersion, error) {
	var records []DocumentVersion
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("version DESC").
		Find(&records).Error; err != nil {
		s.logFailure(opArchiveVersion, reasonQueryFailed, err, documentID)
		return nil, err
	}
	return records, nil
}

func (s *Store) logFailure(operation, reason string, err error, documentID DocumentID) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldDocumentID, documentID.String()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("document store failure", fields...)
}
