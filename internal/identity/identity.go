package identity

import (
	"time"
)

// Identity maps an external session identifier (raw or blinded) to a stable
// numeric id. Rows are created on first sight and never deleted, only flagged.
type Identity struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID        string    `gorm:"column:session_id;size:66;not null;uniqueIndex:idx_identities_session"`
	Banned           bool      `gorm:"column:banned;not null;default:false"`
	GlobalAdmin      bool      `gorm:"column:global_admin;not null;default:false"`
	GlobalModerator  bool      `gorm:"column:global_moderator;not null;default:false"`
	VisibleModerator bool      `gorm:"column:visible_moderator;not null;default:true"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	LastActiveAt     time.Time `gorm:"column:last_active_at"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "identities"
}

// IsModerator reports whether the identity holds a global moderator or admin
// role; admin always implies moderator.
func (i Identity) IsModerator() bool {
	return i.GlobalModerator || i.GlobalAdmin
}
