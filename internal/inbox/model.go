package inbox

import (
	"errors"
	"fmt"
	"strings"
)

// Source names where an entry was received from.
type Source string

const (
	SourcePersonal  Source = "personal"
	SourceGroup     Source = "group"
	SourceCommunity Source = "community"
	SourceDirectIn  Source = "direct_in"
	SourceDirectOut Source = "direct_out"
)

const (
	maxScopeLength    = 400
	maxIdentifierSize = 190
)

var (
	// ErrInvalidSource indicates an unknown entry source.
	ErrInvalidSource = errors.New("inbox: invalid source")
	// ErrInvalidScope indicates that a scope is empty or exceeds storage bounds.
	ErrInvalidScope = errors.New("inbox: invalid scope")
)

// NewSource validates raw input and returns a Source.
func NewSource(raw string) (Source, error) {
	switch source := Source(strings.TrimSpace(raw)); source {
	case SourcePersonal, SourceGroup, SourceCommunity, SourceDirectIn, SourceDirectOut:
		return source, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
}

// CommunityScope joins a server and room into one scope key.
func CommunityScope(server string, room string) string {
	return strings.TrimRight(server, "/") + "/" + room
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidScope)
	}
	if len(scope) > maxScopeLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidScope, maxScopeLength)
	}
	return nil
}

// Entry is one delivered message, unique per source, scope and hash.
type Entry struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Source            Source `gorm:"column:source;size:32;not null;uniqueIndex:idx_inbox_entry,priority:1;index:idx_inbox_scope_time,priority:1"`
	Scope             string `gorm:"column:scope;size:400;not null;uniqueIndex:idx_inbox_entry,priority:2;index:idx_inbox_scope_time,priority:2"`
	Hash              string `gorm:"column:hash;size:190;not null;uniqueIndex:idx_inbox_entry,priority:3"`
	Sender            string `gorm:"column:sender;size:190;not null;default:''"`
	Body              []byte `gorm:"column:body;type:blob"`
	TimestampMs       int64  `gorm:"column:timestamp_ms;not null;index:idx_inbox_scope_time,priority:3"`
	IsDeleted         bool   `gorm:"column:is_deleted;not null;default:false"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "inbox_entries"
}

// RoomSnapshot keeps the latest info published for a community room.
type RoomSnapshot struct {
	Scope            string `gorm:"column:scope;primaryKey;size:400"`
	ActiveUsers      int64  `gorm:"column:active_users;not null;default:0"`
	InfoUpdates      int64  `gorm:"column:info_updates;not null;default:0"`
	DetailsJSON      string `gorm:"column:details_json;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (RoomSnapshot) TableName() string {
	return "inbox_room_snapshots"
}

// Models lists the inbox tables for AutoMigrate.
func Models() []any {
	return []any{&Entry{}, &RoomSnapshot{}}
}
