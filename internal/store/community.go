package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRoomCursor         = "store.room_cursor"
	opSetRoomInfoUpdates = "store.set_room_info_updates"
	opSetRoomLastSeqNo   = "store.set_room_last_seqno"
	opServerCursor       = "store.server_cursor"
	opSetInboxWatermark  = "store.set_inbox_watermark"
	opSetOutboxWatermark = "store.set_outbox_watermark"
	opCapabilities       = "store.capabilities"
	opSaveCapabilities   = "store.save_capabilities"
	queryServerRoom      = "server = ? AND room = ?"
	queryServer          = "server = ?"
	capabilitySeparator  = ","
)

// RoomCursor returns the stored watermarks for a room, zero-valued when unknown.
func (s *Service) RoomCursor(ctx context.Context, server string, room string) (RoomCursor, error) {
	cursor := RoomCursor{Server: server, Room: room}
	if server == "" {
		return cursor, newServiceError(opRoomCursor, reasonMissingServer, errMissingServer)
	}
	err := s.db.WithContext(ctx).Where(queryServerRoom, server, room).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomCursor{Server: server, Room: room}, nil
	}
	if err != nil {
		s.logError(opRoomCursor, reasonQueryFailed, err, zap.String(fieldServer, server), zap.String(fieldRoom, room))
		return RoomCursor{Server: server, Room: room}, newServiceError(opRoomCursor, reasonQueryFailed, err)
	}
	return cursor, nil
}

// SetRoomInfoUpdates stores the room's info-update counter.
func (s *Service) SetRoomInfoUpdates(ctx context.Context, server string, room string, infoUpdates int64) error {
	return s.upsertRoomColumn(ctx, opSetRoomInfoUpdates, RoomCursor{Server: server, Room: room, InfoUpdates: infoUpdates}, "info_updates")
}

// SetRoomLastSeqNo stores the last processed message sequence number of a room.
func (s *Service) SetRoomLastSeqNo(ctx context.Context, server string, room string, seqNo int64) error {
	return s.upsertRoomColumn(ctx, opSetRoomLastSeqNo, RoomCursor{Server: server, Room: room, LastSeqNo: seqNo}, "last_seqno")
}

func (s *Service) upsertRoomColumn(ctx context.Context, operation string, record RoomCursor, column string) error {
	if record.Server == "" {
		return newServiceError(operation, reasonMissingServer, errMissingServer)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server"}, {Name: "room"}},
		DoUpdates: clause.AssignmentColumns([]string{column}),
	}).Create(&record).Error
	if err != nil {
		s.logError(operation, reasonWriteFailed, err, zap.String(fieldServer, record.Server), zap.String(fieldRoom, record.Room))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

// ServerCursor returns the direct-message watermarks for server.
func (s *Service) ServerCursor(ctx context.Context, server string) (ServerCursor, error) {
	cursor := ServerCursor{Server: server}
	if server == "" {
		return cursor, newServiceError(opServerCursor, reasonMissingServer, errMissingServer)
	}
	err := s.db.WithContext(ctx).Where(queryServer, server).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ServerCursor{Server: server}, nil
	}
	if err != nil {
		s.logError(opServerCursor, reasonQueryFailed, err, zap.String(fieldServer, server))
		return ServerCursor{Server: server}, newServiceError(opServerCursor, reasonQueryFailed, err)
	}
	return cursor, nil
}

// SetInboxWatermark stores the last processed inbox message id.
func (s *Service) SetInboxWatermark(ctx context.Context, server string, id int64) error {
	return s.upsertServerColumn(ctx, opSetInboxWatermark, ServerCursor{Server: server, LastInboxID: id}, "last_inbox_id")
}

// SetOutboxWatermark stores the last processed outbox message id.
func (s *Service) SetOutboxWatermark(ctx context.Context, server string, id int64) error {
	return s.upsertServerColumn(ctx, opSetOutboxWatermark, ServerCursor{Server: server, LastOutboxID: id}, "last_outbox_id")
}

func (s *Service) upsertServerColumn(ctx context.Context, operation string, record ServerCursor, column string) error {
	if record.Server == "" {
		return newServiceError(operation, reasonMissingServer, errMissingServer)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server"}},
		DoUpdates: clause.AssignmentColumns([]string{column}),
	}).Create(&record).Error
	if err != nil {
		s.logError(operation, reasonWriteFailed, err, zap.String(fieldServer, record.Server))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

// Capabilities returns the cached capability set and whether the cache holds an entry.
func (s *Service) Capabilities(ctx context.Context, server string) ([]string, bool, error) {
	var record ServerCapabilities
	err := s.db.WithContext(ctx).Where(queryServer, server).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opCapabilities, reasonQueryFailed, err, zap.String(fieldServer, server))
		return nil, false, newServiceError(opCapabilities, reasonQueryFailed, err)
	}
	if record.Capabilities == "" {
		return []string{}, true, nil
	}
	return strings.Split(record.Capabilities, capabilitySeparator), true, nil
}

// SaveCapabilities replaces the cached capability set for server.
func (s *Service) SaveCapabilities(ctx context.Context, server string, capabilities []string) error {
	if server == "" {
		return newServiceError(opSaveCapabilities, reasonMissingServer, errMissingServer)
	}
	sorted := append([]string(nil), capabilities...)
	sort.Strings(sorted)
	record := ServerCapabilities{
		Server:           server,
		Capabilities:     strings.Join(sorted, capabilitySeparator),
		FetchedAtSeconds: s.nowSeconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server"}},
		DoUpdates: clause.AssignmentColumns([]string{"capabilities", "fetched_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSaveCapabilities, reasonWriteFailed, err, zap.String(fieldServer, server))
		return newServiceError(opSaveCapabilities, reasonWriteFailed, err)
	}
	return nil
}
