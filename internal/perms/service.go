package perms

import (
	"context"
	"errors"
	"time"

	"github.com/parlorchat/parlor/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCacheTTL = 2 * time.Second

var errMissingDatabase = errors.New("perms: database handle is required")

// ServiceConfig describes the dependencies of the permission model.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// CacheTTL bounds staleness of resolved permission sets; zero uses the
	// default, negative disables caching.
	CacheTTL time.Duration
}

// Service resolves effective permissions and owns override rows, ban state,
// and scheduled future changes.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  *permCache
}

// NewService constructs the permission service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  newPermCache(ttl),
	}, nil
}

// Effective resolves the permission set for a caller in a room. A nil caller
// is anonymous: room defaults apply and no roles are held. Results for known
// identities are cached for a short TTL.
func (s *Service) Effective(ctx context.Context, roomID int64, defaults Defaults, caller *identity.Identity) (Effective, error) {
	if caller == nil {
		return Effective{
			Read:       defaults.Read,
			Write:      defaults.Write,
			Upload:     defaults.Upload,
			Accessible: defaults.Accessible,
		}, nil
	}

	now := s.now()
	if cached, ok := s.cache.get(roomID, caller.ID, now); ok {
		return cached, nil
	}

	resolved := Effective{
		Read:       defaults.Read,
		Write:      defaults.Write,
		Upload:     defaults.Upload,
		Accessible: defaults.Accessible,
		Banned:     caller.Banned,
		Moderator:  caller.GlobalModerator || caller.GlobalAdmin,
		Admin:      caller.GlobalAdmin,
	}

	var override Override
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND identity_id = ?", roomID, caller.ID).
		First(&override).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Effective{}, err
	}
	if err == nil {
		if override.Read != nil {
			resolved.Read = *override.Read
		}
		if override.Write != nil {
			resolved.Write = *override.Write
		}
		if override.Upload != nil {
			resolved.Upload = *override.Upload
		}
		if override.Accessible != nil {
			resolved.Accessible = *override.Accessible
		}
		resolved.Banned = resolved.Banned || override.Banned
		resolved.Moderator = resolved.Moderator || override.Moderator || override.Admin
		resolved.Admin = resolved.Admin || override.Admin
	}

	s.cache.put(roomID, caller.ID, resolved, now)
	return resolved, nil
}

// loadOverride fetches the override row for update inside tx, returning a
// zero-valued row when absent.
func loadOverride(tx *gorm.DB, roomID, identityID int64) (Override, bool, error) {
	var row Override
	err := tx.Where("room_id = ? AND identity_id = ?", roomID, identityID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Override{RoomID: roomID, IdentityID: identityID, VisibleModerator: true}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	return row, true, nil
}

func saveOverride(tx *gorm.DB, row Override, existed bool) error {
	if existed {
		return tx.Model(&Override{}).
			Where("room_id = ? AND identity_id = ?", row.RoomID, row.IdentityID).
			Select("read", "write", "upload", "accessible", "banned", "moderator", "admin", "visible_moderator").
			Updates(map[string]interface{}{
				"read":              row.Read,
				"write":             row.Write,
				"upload":            row.Upload,
				"accessible":        row.Accessible,
				"banned":            row.Banned,
				"moderator":         row.Moderator,
				"admin":             row.Admin,
				"visible_moderator": row.VisibleModerator,
			}).Error
	}
	return tx.Create(&row).Error
}

// SetOverride applies a tri-state update to the four permission bits of a
// (room, identity) pair.
func (s *Service) SetOverride(ctx context.Context, roomID, identityID int64, update OverrideUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil {
			return err
		}
		row.Read = update.Read.apply(row.Read)
		row.Write = update.Write.apply(row.Write)
		row.Upload = update.Upload.apply(row.Upload)
		row.Accessible = update.Accessible.apply(row.Accessible)

		s.cache.invalidate(roomID, identityID)
		return saveOverride(tx, row, existed)
	})
}

// bumpRoomInfo advances the room's info_updates counter. The moderator list
// is room metadata, so membership changes must be observable to polling
// clients the same way name or default changes are.
func bumpRoomInfo(tx *gorm.DB, roomID int64) error {
	return tx.Table("rooms").Where("id = ?", roomID).
		UpdateColumn("info_updates", gorm.Expr("info_updates + 1")).Error
}

// SetRoomModerator grants the room moderator role, optionally with admin.
func (s *Service) SetRoomModerator(ctx context.Context, roomID, identityID int64, admin, visible bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil {
			return err
		}
		changed := !row.Moderator || (admin && !row.Admin) || row.VisibleModerator != visible
		row.Moderator = true
		row.Admin = row.Admin || admin
		row.VisibleModerator = visible

		s.cache.invalidate(roomID, identityID)
		if err := saveOverride(tx, row, existed); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return bumpRoomInfo(tx, roomID)
	})
}

// RemoveRoomAdmin clears only the room admin bit.
func (s *Service) RemoveRoomAdmin(ctx context.Context, roomID, identityID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil || !existed {
			return err
		}
		changed := row.Admin
		row.Admin = false
		s.cache.invalidate(roomID, identityID)
		if err := saveOverride(tx, row, existed); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return bumpRoomInfo(tx, roomID)
	})
}

// RemoveRoomModerator clears both the room moderator and admin bits.
func (s *Service) RemoveRoomModerator(ctx context.Context, roomID, identityID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil || !existed {
			return err
		}
		changed := row.Moderator || row.Admin
		row.Moderator = false
		row.Admin = false
		s.cache.invalidate(roomID, identityID)
		if err := saveOverride(tx, row, existed); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return bumpRoomInfo(tx, roomID)
	})
}
