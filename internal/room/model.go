package room

import (
	"time"

	"github.com/parlorchat/parlor/internal/perms"
)

// Room is an open group. The two counters drive client synchronization:
// info_updates moves on metadata changes, message_sequence on content changes.
// Both only ever increase.
type Room struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Token             string    `gorm:"column:token;size:64;not null;uniqueIndex:idx_rooms_token"`
	Name              string    `gorm:"column:name;size:64;not null"`
	Description       string    `gorm:"column:description;size:1000"`
	DefaultRead       bool      `gorm:"column:default_read;not null;default:true"`
	DefaultWrite      bool      `gorm:"column:default_write;not null;default:true"`
	DefaultUpload     bool      `gorm:"column:default_upload;not null;default:true"`
	DefaultAccessible bool      `gorm:"column:default_accessible;not null;default:true"`
	InfoUpdates       int64     `gorm:"column:info_updates;not null;default:0"`
	MessageSequence   int64     `gorm:"column:message_sequence;not null;default:0"`
	ActiveUsers       int64     `gorm:"column:active_users;not null;default:0"`
	RateLimitSize     int       `gorm:"column:rate_limit_size;not null;default:5"`
	RateLimitInterval int       `gorm:"column:rate_limit_interval_s;not null;default:16"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing rooms.
func (Room) TableName() string {
	return "rooms"
}

// Defaults returns the room's default permission bits for resolution.
func (r Room) Defaults() perms.Defaults {
	return perms.Defaults{
		Read:       r.DefaultRead,
		Write:      r.DefaultWrite,
		Upload:     r.DefaultUpload,
		Accessible: r.DefaultAccessible,
	}
}

// Message is a post. A deleted post keeps its row as a tombstone: data and
// signature cleared, id and seqno preserved so polling clients learn of the
// deletion. Seqno is re-stamped on every content or reaction change;
// data_seqno and reaction_seqno record which kind of change moved it last.
type Message struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID        int64      `gorm:"column:room_id;not null;index:idx_messages_room_seqno,priority:1"`
	AuthorID      int64      `gorm:"column:author_id;not null;index:idx_messages_author"`
	Data          []byte     `gorm:"column:data"`
	Signature     []byte     `gorm:"column:signature"`
	PostedAt      time.Time  `gorm:"column:posted_at;not null;index:idx_messages_posted"`
	Seqno         int64      `gorm:"column:seqno;not null;index:idx_messages_room_seqno,priority:2"`
	DataSeqno     int64      `gorm:"column:data_seqno;not null"`
	ReactionSeqno int64      `gorm:"column:reaction_seqno;not null;default:0"`
	WhisperTo     *int64     `gorm:"column:whisper_to"`
	WhisperMods   bool       `gorm:"column:whisper_mods;not null;default:false"`
	Filtered      bool       `gorm:"column:filtered;not null;default:false"`
	DeletedAt     *time.Time `gorm:"column:deleted_at"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

// Deleted reports whether the row is a tombstone.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// MessageHistory retains replaced or deleted content for auditing until the
// retention window lapses.
type MessageHistory struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID  int64     `gorm:"column:message_id;not null;index:idx_history_message"`
	Data       []byte    `gorm:"column:data"`
	Signature  []byte    `gorm:"column:signature"`
	ReplacedAt time.Time `gorm:"column:replaced_at;not null;index:idx_history_replaced"`
}

// TableName exposes the table backing message history.
func (MessageHistory) TableName() string {
	return "message_history"
}

// Pin marks a post as pinned; ordering and manual re-ordering derive from the
// pin timestamp.
type Pin struct {
	RoomID    int64     `gorm:"column:room_id;primaryKey;autoIncrement:false"`
	MessageID int64     `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	PinnedBy  int64     `gorm:"column:pinned_by;not null"`
	PinnedAt  time.Time `gorm:"column:pinned_at;not null"`
}

// TableName exposes the table backing pins.
func (Pin) TableName() string {
	return "room_pins"
}

// Activity is the last-seen marker behind the rolling active-user count.
type Activity struct {
	RoomID     int64     `gorm:"column:room_id;primaryKey;autoIncrement:false"`
	IdentityID int64     `gorm:"column:identity_id;primaryKey;autoIncrement:false"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;not null;index:idx_activity_seen"`
}

// TableName exposes the table backing room activity.
func (Activity) TableName() string {
	return "room_activity"
}

// ReactionSummary is the per-reaction aggregate attached to served posts.
type ReactionSummary struct {
	Count    int64    `json:"count"`
	You      bool     `json:"you,omitempty"`
	Reactors []string `json:"reactors,omitempty"`
}

// Post is a served message together with its reaction aggregates. A
// reaction-only delta row carries just id and seqno: the post's content did
// not change since the client's last poll, only its reactions did.
type Post struct {
	ID            int64
	RoomID        int64
	AuthorID      int64
	AuthorSession string
	Data          []byte
	Signature     []byte
	PostedAt      time.Time
	Seqno         int64
	DataSeqno     int64
	ReactionSeqno int64
	WhisperTo     *int64
	WhisperMods   bool
	Deleted       bool
	ReactionOnly  bool
	Reactions     map[string]ReactionSummary
}
