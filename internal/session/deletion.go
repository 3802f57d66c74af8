package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthorized indicates that the remote refused the caller's credentials.
var ErrUnauthorized = errors.New("session: unauthorized")

var errMissingMetadata = errors.New("session: share metadata dependency required")

const (
	defaultDeleteRetries  = 2
	defaultInitialBackoff = time.Second
)

// RemoteDeleter removes the document record on the server.
type RemoteDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// ShareMetadata is the local bookkeeping that marks a document as shared.
type ShareMetadata interface {
	Strip(documentID string) error
}

// ReconcilerConfig configures the deletion reconciler.
type ReconcilerConfig struct {
	// Remote may be nil when the document was never shared to a server.
	Remote   RemoteDeleter
	Metadata ShareMetadata
	Logger   *zap.Logger
	// MaxRetries bounds the retries after the first failed remote attempt.
	MaxRetries int
	// InitialBackoff is the delay before the first retry; it doubles on each
	// subsequent one.
	InitialBackoff time.Duration
	// Sleep is swapped in tests. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Reconciler removes a document's server copy and its local share metadata.
// The remote delete is best-effort and only its retry loop can be cut short;
// the local metadata is stripped on every path, so the document always ends
// up unshared locally no matter what the server answered.
type Reconciler struct {
	remote         RemoteDeleter
	metadata       ShareMetadata
	logger         *zap.Logger
	maxRetries     int
	initialBackoff time.Duration
	sleep          func(time.Duration)
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Metadata == nil {
		return nil, errMissingMetadata
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultDeleteRetries
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Reconciler{
		remote:         cfg.Remote,
		metadata:       cfg.Metadata,
		logger:         logger,
		maxRetries:     retries,
		initialBackoff: backoff,
		sleep:          sleep,
	}, nil
}

// Reconcile deletes the server copy of the document and strips the local
// share metadata. An already-deleted server copy counts as success. Transient
// remote failures are retried with doubling backoff and, once exhausted,
// logged and forgiven. ErrUnauthorized stops the retries and is surfaced to
// the caller, but the local strip runs regardless of the remote outcome.
func (r *Reconciler) Reconcile(ctx context.Context, documentID string) error {
	var remoteErr error
	if r.remote != nil {
		remoteErr = r.deleteRemote(ctx, documentID)
	}
	if err := r.metadata.Strip(documentID); err != nil {
		return err
	}
	return remoteErr
}

func (r *Reconciler) deleteRemote(ctx context.Context, documentID string) error {
	backoff := r.initialBackoff
	attempts := r.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.remote.DeleteDocument(ctx, documentID)
		if err == nil || errors.Is(err, ErrNotFound) {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return ErrUnauthorized
		}
		if attempt == attempts {
			r.logger.Warn("remote delete failed, stripping local metadata anyway",
				zap.String("document_id", documentID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return nil
		}
		r.logger.Warn("remote delete failed, retrying",
			zap.String("document_id", documentID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		r.sleep(backoff)
		backoff *= 2
	}
	return nil
}
