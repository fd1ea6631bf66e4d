package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPreference         = "store.preference"
	opSetPreference      = "store.set_preference"
	opSaveConfigDump     = "store.save_config_dump"
	opLoadConfigDump     = "store.load_config_dump"
	reasonMissingName    = "missing_name"
	fieldPreference      = "preference"
	fieldKind            = "kind"
	queryName            = "name = ?"
	queryAccountKind     = "account_id = ? AND kind = ?"
	columnEnabled        = "enabled"
	columnPayload        = "payload"
	columnDumpedAtSecond = "dumped_at_s"
)

var errMissingName = errors.New("name is required")

// Preference returns the flag value; unset flags read as false.
func (s *Service) Preference(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, newServiceError(opPreference, reasonMissingName, errMissingName)
	}
	var record PreferenceFlag
	err := s.db.WithContext(ctx).Where(queryName, name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opPreference, reasonQueryFailed, err, zap.String(fieldPreference, name))
		return false, newServiceError(opPreference, reasonQueryFailed, err)
	}
	return record.Enabled, nil
}

func (s *Service) SetPreference(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return newServiceError(opSetPreference, reasonMissingName, errMissingName)
	}
	record := PreferenceFlag{Name: name, Enabled: enabled, UpdatedAtSeconds: s.nowSeconds()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{columnEnabled, columnUpdatedAtSecs}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSetPreference, reasonWriteFailed, err, zap.String(fieldPreference, name))
		return newServiceError(opSetPreference, reasonWriteFailed, err)
	}
	return nil
}

// SaveConfigDump replaces the stored snapshot for (accountID, kind).
func (s *Service) SaveConfigDump(ctx context.Context, accountID string, kind string, payload []byte) error {
	if accountID == "" {
		return newServiceError(opSaveConfigDump, reasonMissingAccount, errMissingAccount)
	}
	if kind == "" {
		return newServiceError(opSaveConfigDump, reasonMissingName, errMissingName)
	}
	record := ConfigDump{
		AccountID:       accountID,
		Kind:            kind,
		Payload:         append([]byte{}, payload...),
		DumpedAtSeconds: s.nowSeconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{columnPayload, columnDumpedAtSecond}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSaveConfigDump, reasonWriteFailed, err,
			zap.String(fieldAccountID, accountID),
			zap.String(fieldKind, kind))
		return newServiceError(opSaveConfigDump, reasonWriteFailed, err)
	}
	return nil
}

// LoadConfigDump returns the stored snapshot and whether one exists.
func (s *Service) LoadConfigDump(ctx context.Context, accountID string, kind string) ([]byte, bool, error) {
	var record ConfigDump
	err := s.db.WithContext(ctx).Where(queryAccountKind, accountID, kind).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opLoadConfigDump, reasonQueryFailed, err,
			zap.String(fieldAccountID, accountID),
			zap.String(fieldKind, kind))
		return nil, false, newServiceError(opLoadConfigDump, reasonQueryFailed, err)
	}
	return record.Payload, true, nil
}
