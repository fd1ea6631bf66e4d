package store

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingAccount  = errors.New("account identifier is required")
	errMissingServer   = errors.New("server identifier is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew          = "store.service.new"
	reasonMissingDatabase = "missing_database"
	reasonMissingAccount  = "missing_account"
	reasonMissingServer   = "missing_server"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	fieldAccountID        = "account_id"
	fieldNode             = "node"
	fieldNamespace        = "namespace"
	fieldHash             = "hash"
	fieldServer           = "server"
	fieldRoom             = "room"
)

// ServiceError carries an operation.reason code alongside the underlying cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists sync bookkeeping: cursors, seen hashes, flags, dumps and community watermarks.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("store operation failed", allFields...)
}
