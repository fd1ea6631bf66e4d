package store

// LastHash stores the retrieval cursor for one namespace on one storage node.
type LastHash struct {
	Node             string `gorm:"column:node;primaryKey;size:255;not null"`
	AccountID        string `gorm:"column:account_id;primaryKey;size:190;not null;index:idx_last_hash_account_namespace,priority:1"`
	Namespace        int    `gorm:"column:namespace;primaryKey;not null;index:idx_last_hash_account_namespace,priority:2"`
	Hash             string `gorm:"column:hash;size:190;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LastHash) TableName() string {
	return "swarm_last_hashes"
}

// SeenHash records a message hash already applied for an account namespace.
type SeenHash struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID     string `gorm:"column:account_id;size:190;not null;uniqueIndex:idx_seen_hash_dedupe,priority:1"`
	Namespace     int    `gorm:"column:namespace;not null;uniqueIndex:idx_seen_hash_dedupe,priority:2"`
	Hash          string `gorm:"column:hash;size:190;not null;uniqueIndex:idx_seen_hash_dedupe,priority:3"`
	SeenAtSeconds int64  `gorm:"column:seen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SeenHash) TableName() string {
	return "swarm_seen_hashes"
}

// PreferenceFlag is a named boolean switch, used for one-shot guarded actions.
type PreferenceFlag struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	Enabled          bool   `gorm:"column:enabled;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PreferenceFlag) TableName() string {
	return "preference_flags"
}

// ConfigDump stores the latest persisted snapshot of one shared config.
type ConfigDump struct {
	AccountID       string `gorm:"column:account_id;primaryKey;size:190;not null"`
	Kind            string `gorm:"column:kind;primaryKey;size:64;not null"`
	Payload         []byte `gorm:"column:payload;type:blob;not null"`
	DumpedAtSeconds int64  `gorm:"column:dumped_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConfigDump) TableName() string {
	return "config_dumps"
}

// RoomCursor holds the incremental watermarks for one community room.
type RoomCursor struct {
	Server      string `gorm:"column:server;primaryKey;size:255;not null"`
	Room        string `gorm:"column:room;primaryKey;size:190;not null"`
	InfoUpdates int64  `gorm:"column:info_updates;not null;default:0"`
	LastSeqNo   int64  `gorm:"column:last_seqno;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomCursor) TableName() string {
	return "community_room_cursors"
}

// ServerCursor holds the direct-message watermarks for one community server.
type ServerCursor struct {
	Server       string `gorm:"column:server;primaryKey;size:255;not null"`
	LastInboxID  int64  `gorm:"column:last_inbox_id;not null;default:0"`
	LastOutboxID int64  `gorm:"column:last_outbox_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ServerCursor) TableName() string {
	return "community_server_cursors"
}

// ServerCapabilities caches the capability set a community server advertised.
type ServerCapabilities struct {
	Server           string `gorm:"column:server;primaryKey;size:255;not null"`
	Capabilities     string `gorm:"column:capabilities;type:text;not null"`
	FetchedAtSeconds int64  `gorm:"column:fetched_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ServerCapabilities) TableName() string {
	return "community_server_capabilities"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{
		&LastHash{},
		&SeenHash{},
		&PreferenceFlag{},
		&ConfigDump{},
		&RoomCursor{},
		&ServerCursor{},
		&ServerCapabilities{},
	}
}
