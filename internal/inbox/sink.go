// Package inbox stores what the pollers deliver and announces it to listeners.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/community"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/groups"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventMessagesAdded   = "messages-added"
	EventMessagesDeleted = "messages-deleted"
	EventRoomInfo        = "room-info"
	EventGroupKicked     = "group-kicked"
	EventPushRequested   = "push-requested"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidHash     = errors.New("hash is empty or too long")
	noOpLogger         = zap.NewNop()
)

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

const (
	opSinkNew       = "inbox.sink.new"
	opStore         = "inbox.store"
	opDelete        = "inbox.delete"
	opPurge         = "inbox.purge"
	opRoomInfo      = "inbox.room_info"
	opList          = "inbox.list"
	reasonWrite     = "write_failed"
	reasonQuery     = "query_failed"
	reasonScope     = "invalid_scope"
	reasonHash      = "invalid_hash"
	fieldScope      = "scope"
	fieldSource     = "source"
	defaultPageSize = 100
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Event announces a change to the stored entries.
type Event struct {
	Type      string    `json:"type"`
	Source    Source    `json:"source"`
	Scope     string    `json:"scope"`
	Hashes    []string  `json:"hashes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives inbox events.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event Event)

func (f PublisherFunc) Publish(event Event) {
	f(event)
}

type SinkConfig struct {
	Database  *gorm.DB
	Publisher Publisher
	// OnKicked runs after a removed group's entries are purged.
	OnKicked func(groupID string)
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Sink persists delivered messages with dedupe by source, scope and hash.
type Sink struct {
	db        *gorm.DB
	publisher Publisher
	onKicked  func(groupID string)
	clock     func() time.Time
	logger    *zap.Logger
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSinkNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = PublisherFunc(func(Event) {})
	}
	onKicked := cfg.OnKicked
	if onKicked == nil {
		onKicked = func(string) {}
	}
	return &Sink{
		db:        cfg.Database,
		publisher: publisher,
		onKicked:  onKicked,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Store inserts entries, skipping any already stored, and returns the hashes that were new.
func (s *Sink) Store(ctx context.Context, source Source, scope string, entries []Entry) ([]string, error) {
	if err := validateScope(scope); err != nil {
		return nil, newServiceError(opStore, reasonScope, err)
	}
	receivedAt := s.clock().Unix()
	var added []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range entries {
			entry := entries[index]
			if entry.Hash == "" || len(entry.Hash) > maxIdentifierSize {
				return newServiceError(opStore, reasonHash, errInvalidHash)
			}
			entry.ID = 0
			entry.Source = source
			entry.Scope = scope
			entry.ReceivedAtSeconds = receivedAt
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
			if result.Error != nil {
				s.logError(opStore, reasonWrite, result.Error,
					zap.String(fieldSource, string(source)),
					zap.String(fieldScope, scope))
				return newServiceError(opStore, reasonWrite, result.Error)
			}
			if result.RowsAffected > 0 {
				added = append(added, entry.Hash)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.publish(EventMessagesAdded, source, scope, added)
	}
	return added, nil
}

// MarkDeleted flags stored entries as deleted and returns how many changed.
func (s *Sink) MarkDeleted(ctx context.Context, source Source, scope string, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&Entry{}).
		Where("source = ? AND scope = ? AND hash IN ? AND is_deleted = ?", source, scope, hashes, false).
		Update("is_deleted", true)
	if result.Error != nil {
		s.logError(opDelete, reasonWrite, result.Error, zap.String(fieldScope, scope))
		return 0, newServiceError(opDelete, reasonWrite, result.Error)
	}
	if result.RowsAffected > 0 {
		s.publish(EventMessagesDeleted, source, scope, hashes)
	}
	return result.RowsAffected, nil
}

// Purge removes every entry in a scope.
func (s *Sink) Purge(ctx context.Context, source Source, scope string) error {
	err := s.db.WithContext(ctx).Where("source = ? AND scope = ?", source, scope).Delete(&Entry{}).Error
	if err != nil {
		s.logError(opPurge, reasonWrite, err, zap.String(fieldScope, scope))
		return newServiceError(opPurge, reasonWrite, err)
	}
	return nil
}

// List returns the newest entries of a scope, newest first.
func (s *Sink) List(ctx context.Context, source Source, scope string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("source = ? AND scope = ?", source, scope).
		Order("timestamp_ms DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opList, reasonQuery, err, zap.String(fieldScope, scope))
		return nil, newServiceError(opList, reasonQuery, err)
	}
	return entries, nil
}

// RoomSnapshot returns the last stored info for a community room.
func (s *Sink) RoomSnapshot(ctx context.Context, server string, room string) (RoomSnapshot, bool, error) {
	var snapshot RoomSnapshot
	err := s.db.WithContext(ctx).Where("scope = ?", CommunityScope(server, room)).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomSnapshot{}, false, nil
	}
	if err != nil {
		return RoomSnapshot{}, false, newServiceError(opRoomInfo, reasonQuery, err)
	}
	return snapshot, true, nil
}

// ProcessPersonalMessage stores a message from the user's own swarm.
func (s *Sink) ProcessPersonalMessage(ctx context.Context, message swarm.Message, auth swarm.Auth) error {
	_, err := s.Store(ctx, SourcePersonal, auth.AccountID(), []Entry{{
		Hash:        message.Hash,
		Body:        message.Data,
		TimestampMs: message.Timestamp,
	}})
	return err
}

// SchedulePush announces user configs with local changes.
func (s *Sink) SchedulePush(_ context.Context, accountID string, kinds []sharedconfig.Kind) {
	hashes := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		hashes = append(hashes, string(kind))
	}
	s.logger.Info("config push requested", zap.String("account_id", accountID), zap.Strings("kinds", hashes))
	s.publish(EventPushRequested, SourcePersonal, accountID, hashes)
}

// ProcessGroupMessages stores one decrypted chunk of group messages.
func (s *Sink) ProcessGroupMessages(ctx context.Context, groupID string, messages []groups.Message) error {
	entries := make([]Entry, 0, len(messages))
	for _, message := range messages {
		entries = append(entries, Entry{
			Hash:        message.Hash,
			Sender:      message.Sender,
			Body:        message.Plaintext,
			TimestampMs: message.Timestamp,
		})
	}
	_, err := s.Store(ctx, SourceGroup, groupID, entries)
	return err
}

// HandleKicked purges a group the user was removed from.
func (s *Sink) HandleKicked(ctx context.Context, groupID string) error {
	if err := s.Purge(ctx, SourceGroup, groupID); err != nil {
		return err
	}
	s.logger.Info("removed from group", zap.String("group_id", groupID))
	s.publish(EventGroupKicked, SourceGroup, groupID, nil)
	s.onKicked(groupID)
	return nil
}

// ScheduleGroupPush announces group configs with local changes.
func (s *Sink) ScheduleGroupPush(_ context.Context, groupID string) {
	s.logger.Info("group config push requested", zap.String("group_id", groupID))
	s.publish(EventPushRequested, SourceGroup, groupID, nil)
}

// ProcessCommunityMessage stores one room post keyed by its server id.
func (s *Sink) ProcessCommunityMessage(ctx context.Context, server string, room string, message community.RoomMessage) error {
	_, err := s.Store(ctx, SourceCommunity, CommunityScope(server, room), []Entry{{
		Hash:        strconv.FormatInt(message.ID, 10),
		Sender:      message.SessionID,
		Body:        []byte(message.Data),
		TimestampMs: int64(message.Posted * 1000),
	}})
	return err
}

// ProcessRoomInfo keeps the latest room metadata.
func (s *Sink) ProcessRoomInfo(ctx context.Context, server string, room string, info community.RoomInfo) error {
	scope := CommunityScope(server, room)
	snapshot := RoomSnapshot{
		Scope:            scope,
		ActiveUsers:      info.ActiveUsers,
		InfoUpdates:      info.InfoUpdates,
		DetailsJSON:      string(info.Details),
		UpdatedAtSeconds: s.clock().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"active_users", "info_updates", "details_json", "updated_at_s"}),
	}).Create(&snapshot).Error
	if err != nil {
		s.logError(opRoomInfo, reasonWrite, err, zap.String(fieldScope, scope))
		return newServiceError(opRoomInfo, reasonWrite, err)
	}
	s.publish(EventRoomInfo, SourceCommunity, scope, nil)
	return nil
}

// ProcessDirectMessage stores a blinded inbox or outbox message.
func (s *Sink) ProcessDirectMessage(ctx context.Context, server string, message community.DirectMessage, outgoing bool) error {
	source := SourceDirectIn
	if outgoing {
		source = SourceDirectOut
	}
	_, err := s.Store(ctx, source, CommunityScope(server, ""), []Entry{{
		Hash:        strconv.FormatInt(message.ID, 10),
		Sender:      message.Sender,
		Body:        []byte(message.Message),
		TimestampMs: int64(message.PostedAt * 1000),
	}})
	return err
}

// DeleteCommunityMessages flags room posts removed on the server.
func (s *Sink) DeleteCommunityMessages(ctx context.Context, server string, room string, ids []int64) error {
	hashes := make([]string, 0, len(ids))
	for _, id := range ids {
		hashes = append(hashes, strconv.FormatInt(id, 10))
	}
	_, err := s.MarkDeleted(ctx, SourceCommunity, CommunityScope(server, room), hashes)
	return err
}

func (s *Sink) publish(eventType string, source Source, scope string, hashes []string) {
	s.publisher.Publish(Event{
		Type:      eventType,
		Source:    source,
		Scope:     scope,
		Hashes:    hashes,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Sink) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("inbox sink error", attrs...)
}
