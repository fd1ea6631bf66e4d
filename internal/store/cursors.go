package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLastHash          = "store.last_hash"
	opSetLastHash       = "store.set_last_hash"
	opClearLastHashes   = "store.clear_last_hashes"
	opMarkSeen          = "store.mark_seen"
	opHasSeen           = "store.has_seen"
	opClearSeen         = "store.clear_seen"
	queryLastHashKey    = "node = ? AND account_id = ? AND namespace = ?"
	queryAccountInNs    = "account_id = ? AND namespace IN ?"
	querySeenHashKey    = "account_id = ? AND namespace = ? AND hash = ?"
	columnHash          = "hash"
	columnUpdatedAtSecs = "updated_at_s"
)

// LastHash returns the stored cursor, or an empty string when nothing has been retrieved yet.
func (s *Service) LastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace) (string, error) {
	if accountID == "" {
		return "", newServiceError(opLastHash, reasonMissingAccount, errMissingAccount)
	}
	var record LastHash
	err := s.db.WithContext(ctx).
		Where(queryLastHashKey, node, accountID, namespace.Int()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logError(opLastHash, reasonQueryFailed, err,
			zap.String(fieldNode, node),
			zap.String(fieldAccountID, accountID),
			zap.Int(fieldNamespace, namespace.Int()))
		return "", newServiceError(opLastHash, reasonQueryFailed, err)
	}
	return record.Hash, nil
}

// SetLastHash upserts the cursor. Empty hashes are ignored so a cursor never rewinds to the start.
func (s *Service) SetLastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace, hash string) error {
	if accountID == "" {
		return newServiceError(opSetLastHash, reasonMissingAccount, errMissingAccount)
	}
	if hash == "" {
		return nil
	}
	record := LastHash{
		Node:             node,
		AccountID:        accountID,
		Namespace:        namespace.Int(),
		Hash:             hash,
		UpdatedAtSeconds: s.nowSeconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node"}, {Name: "account_id"}, {Name: "namespace"}},
		DoUpdates: clause.AssignmentColumns([]string{columnHash, columnUpdatedAtSecs}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSetLastHash, reasonWriteFailed, err,
			zap.String(fieldNode, node),
			zap.String(fieldAccountID, accountID),
			zap.Int(fieldNamespace, namespace.Int()))
		return newServiceError(opSetLastHash, reasonWriteFailed, err)
	}
	return nil
}

// ClearLastHashes drops every node's cursor for the given namespaces of accountID.
func (s *Service) ClearLastHashes(ctx context.Context, accountID string, namespaces []swarm.Namespace) error {
	if accountID == "" {
		return newServiceError(opClearLastHashes, reasonMissingAccount, errMissingAccount)
	}
	if len(namespaces) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where(queryAccountInNs, accountID, namespaceInts(namespaces)).
		Delete(&LastHash{}).Error; err != nil {
		s.logError(opClearLastHashes, reasonWriteFailed, err, zap.String(fieldAccountID, accountID))
		return newServiceError(opClearLastHashes, reasonWriteFailed, err)
	}
	return nil
}

// MarkSeen records hash and reports whether it was new. A false result means the message was already applied.
func (s *Service) MarkSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error) {
	if accountID == "" {
		return false, newServiceError(opMarkSeen, reasonMissingAccount, errMissingAccount)
	}
	record := SeenHash{
		AccountID:     accountID,
		Namespace:     namespace.Int(),
		Hash:          hash,
		SeenAtSeconds: s.nowSeconds(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logError(opMarkSeen, reasonWriteFailed, result.Error,
			zap.String(fieldAccountID, accountID),
			zap.Int(fieldNamespace, namespace.Int()),
			zap.String(fieldHash, hash))
		return false, newServiceError(opMarkSeen, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// HasSeen reports whether hash was already recorded.
func (s *Service) HasSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SeenHash{}).
		Where(querySeenHashKey, accountID, namespace.Int(), hash).
		Count(&count).Error; err != nil {
		s.logError(opHasSeen, reasonQueryFailed, err,
			zap.String(fieldAccountID, accountID),
			zap.Int(fieldNamespace, namespace.Int()))
		return false, newServiceError(opHasSeen, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// ClearSeen forgets applied hashes for the given namespaces of accountID.
func (s *Service) ClearSeen(ctx context.Context, accountID string, namespaces []swarm.Namespace) error {
	if accountID == "" {
		return newServiceError(opClearSeen, reasonMissingAccount, errMissingAccount)
	}
	if len(namespaces) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where(queryAccountInNs, accountID, namespaceInts(namespaces)).
		Delete(&SeenHash{}).Error; err != nil {
		s.logError(opClearSeen, reasonWriteFailed, err, zap.String(fieldAccountID, accountID))
		return newServiceError(opClearSeen, reasonWriteFailed, err)
	}
	return nil
}

func namespaceInts(namespaces []swarm.Namespace) []int {
	values := make([]int, 0, len(namespaces))
	for _, namespace := range namespaces {
		values = append(values, namespace.Int())
	}
	return values
}
