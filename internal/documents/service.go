package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/ordering"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrPersistenceFailure indicates that a log or snapshot read or write
	// failed. Callers may retry.
	ErrPersistenceFailure = errors.New("documents: persistence failure")
	// ErrPermissionDenied indicates that the caller does not own the document.
	ErrPermissionDenied = errors.New("documents: permission denied")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrDocumentDeleted indicates that the document has been soft-deleted.
	ErrDocumentDeleted = errors.New("documents: document deleted")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "documents.service.new"

	fieldDocumentID = "document_id"
	fieldUserID     = "user_id"
	fieldSequence   = "sequence"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonDeleted         = "deleted"
	reasonPermission      = "permission_denied"
	reasonQueryFailed     = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// newPersistenceError marks cause as retryable storage trouble.
func newPersistenceError(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %w", ErrPersistenceFailure, cause))
}

// IDProvider issues document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	KeyGenerator *ordering.Generator
	// ReadPageSize bounds how many update records ReadFrom loads per query.
	ReadPageSize int
	Logger       *zap.Logger
}

const defaultReadPageSize = 500

// Service owns the document table, the update log and the snapshot store.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	keys         *ordering.Generator
	readPageSize int
	logger       *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	keys := cfg.KeyGenerator
	if keys == nil {
		keys = ordering.NewRandomGenerator()
	}
	pageSize := cfg.ReadPageSize
	if pageSize <= 0 {
		pageSize = defaultReadPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		keys:         keys,
		readPageSize: pageSize,
		logger:       logger,
	}, nil
}

// AssertOwnership fails with ErrPermissionDenied unless userID owns the document.
func AssertOwnership(userID, ownerID UserID) error {
	if userID == "" || userID != ownerID {
		return fmt.Errorf("%w: user %q does not own the document", ErrPermissionDenied, userID)
	}
	return nil
}

// loadDocument reads the document row inside tx.
func (s *Service) loadDocument(ctx context.Context, tx *gorm.DB, operation string, documentID DocumentID) (DocumentRow, error) {
	var row DocumentRow
	err := tx.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentRow{}, newServiceError(operation, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return DocumentRow{}, newPersistenceError(operation, reasonQueryFailed, err)
	}
	return row, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
