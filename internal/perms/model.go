package perms

import (
	"time"
)

// Override stores per-(room, identity) permission adjustments. The four
// permission pointers are tri-state: nil inherits the room default. Absence of
// a row is equivalent to an all-nil row.
type Override struct {
	RoomID           int64     `gorm:"column:room_id;primaryKey;autoIncrement:false"`
	IdentityID       int64     `gorm:"column:identity_id;primaryKey;autoIncrement:false"`
	Read             *bool     `gorm:"column:read"`
	Write            *bool     `gorm:"column:write"`
	Upload           *bool     `gorm:"column:upload"`
	Accessible       *bool     `gorm:"column:accessible"`
	Banned           bool      `gorm:"column:banned;not null;default:false"`
	Moderator        bool      `gorm:"column:moderator;not null;default:false"`
	Admin            bool      `gorm:"column:admin;not null;default:false"`
	VisibleModerator bool      `gorm:"column:visible_moderator;not null;default:true"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing permission overrides.
func (Override) TableName() string {
	return "room_permission_overrides"
}

// Future change kinds.
const (
	FutureKindPermission = "permission"
	FutureKindBan        = "ban"
)

// Future is a scheduled permission or ban change, applied by the background
// reconciler once apply_at passes and deleted on consumption. A nil RoomID on
// a ban future targets the global ban flag.
type Future struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID     *int64    `gorm:"column:room_id;index:idx_futures_room"`
	IdentityID int64     `gorm:"column:identity_id;not null;index:idx_futures_identity"`
	Kind       string    `gorm:"column:kind;size:16;not null"`
	Read       *bool     `gorm:"column:read"`
	Write      *bool     `gorm:"column:write"`
	Upload     *bool     `gorm:"column:upload"`
	Banned     *bool     `gorm:"column:banned"`
	ApplyAt    time.Time `gorm:"column:apply_at;not null;index:idx_futures_apply_at"`
}

// TableName exposes the table backing scheduled changes.
func (Future) TableName() string {
	return "scheduled_changes"
}

// Defaults carries a room's four default permission bits into resolution
// without coupling this package to the room model.
type Defaults struct {
	Read       bool
	Write      bool
	Upload     bool
	Accessible bool
}

// Effective is the resolved permission set for a (room, identity) pair.
type Effective struct {
	Read       bool
	Write      bool
	Upload     bool
	Accessible bool
	Banned     bool
	Moderator  bool
	Admin      bool
}

// CanRead reports read access; moderators and admins bypass the bit.
func (e Effective) CanRead() bool {
	return e.Moderator || e.Admin || e.Read
}

// CanWrite reports write access; moderators and admins bypass the bit.
func (e Effective) CanWrite() bool {
	return e.Moderator || e.Admin || e.Write
}

// CanUpload reports upload access; moderators and admins bypass the bit.
func (e Effective) CanUpload() bool {
	return e.Moderator || e.Admin || e.Upload
}

// CanAccess reports whether the room is visible at all. A room is accessible
// only when the caller can also read it.
func (e Effective) CanAccess() bool {
	return e.Moderator || e.Admin || (e.Accessible && e.Read)
}

// Setting is a tri-state permission assignment used when mutating overrides.
type Setting int

const (
	// Unchanged leaves the stored value as is.
	Unchanged Setting = iota
	// Inherit clears the override so the room default applies.
	Inherit
	// Grant sets the permission to true.
	Grant
	// Deny sets the permission to false.
	Deny
)

func (s Setting) apply(current *bool) *bool {
	switch s {
	case Inherit:
		return nil
	case Grant:
		v := true
		return &v
	case Deny:
		v := false
		return &v
	default:
		return current
	}
}

// OverrideUpdate describes a tri-state update of the four permission bits.
type OverrideUpdate struct {
	Read       Setting
	Write      Setting
	Upload     Setting
	Accessible Setting
}
