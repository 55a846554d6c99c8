package perms

import (
	"context"
	"time"

	"github.com/parlorchat/parlor/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BanFromRoom sets the room ban flag. A timeout schedules a future that lifts
// the ban at now+timeout, replacing any pending ban future for the pair.
func (s *Service) BanFromRoom(ctx context.Context, roomID, identityID int64, timeout *time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil {
			return err
		}
		row.Banned = true

		if err := tx.Where("room_id = ? AND identity_id = ? AND kind = ?", roomID, identityID, FutureKindBan).
			Delete(&Future{}).Error; err != nil {
			return err
		}
		if timeout != nil {
			unban := false
			future := Future{
				RoomID:     &roomID,
				IdentityID: identityID,
				Kind:       FutureKindBan,
				Banned:     &unban,
				ApplyAt:    s.now().UTC().Add(*timeout),
			}
			if err := tx.Create(&future).Error; err != nil {
				return err
			}
		}

		s.cache.invalidate(roomID, identityID)
		return saveOverride(tx, row, existed)
	})
}

// UnbanFromRoom clears the room ban flag and any pending ban future.
func (s *Service) UnbanFromRoom(ctx context.Context, roomID, identityID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, existed, err := loadOverride(tx, roomID, identityID)
		if err != nil {
			return err
		}
		row.Banned = false

		if err := tx.Where("room_id = ? AND identity_id = ? AND kind = ?", roomID, identityID, FutureKindBan).
			Delete(&Future{}).Error; err != nil {
			return err
		}

		s.cache.invalidate(roomID, identityID)
		return saveOverride(tx, row, existed)
	})
}

// BanGlobal sets the server-wide ban flag on the identity. A timeout schedules
// a global future that lifts the ban, replacing any pending global ban future.
func (s *Service) BanGlobal(ctx context.Context, identityID int64, timeout *time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&identity.Identity{}).Where("id = ?", identityID).
			Update("banned", true).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id IS NULL AND identity_id = ? AND kind = ?", identityID, FutureKindBan).
			Delete(&Future{}).Error; err != nil {
			return err
		}
		if timeout != nil {
			unban := false
			future := Future{
				IdentityID: identityID,
				Kind:       FutureKindBan,
				Banned:     &unban,
				ApplyAt:    s.now().UTC().Add(*timeout),
			}
			if err := tx.Create(&future).Error; err != nil {
				return err
			}
		}
		s.cache.invalidateIdentity(identityID)
		return nil
	})
}

// UnbanGlobal clears the server-wide ban flag and any pending global ban
// future. Unbanning an identity that is not banned is a no-op, not an error.
func (s *Service) UnbanGlobal(ctx context.Context, identityID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&identity.Identity{}).Where("id = ?", identityID).
			Update("banned", false).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id IS NULL AND identity_id = ? AND kind = ?", identityID, FutureKindBan).
			Delete(&Future{}).Error; err != nil {
			return err
		}
		s.cache.invalidateIdentity(identityID)
		return nil
	})
}

// SchedulePermissionChange records a permission future for a (room, identity)
// pair; nil fields leave the corresponding bit untouched when applied.
func (s *Service) SchedulePermissionChange(ctx context.Context, roomID, identityID int64, read, write, upload *bool, applyAt time.Time) error {
	future := Future{
		RoomID:     &roomID,
		IdentityID: identityID,
		Kind:       FutureKindPermission,
		Read:       read,
		Write:      write,
		Upload:     upload,
		ApplyAt:    applyAt.UTC(),
	}
	return s.db.WithContext(ctx).Create(&future).Error
}

// PendingFutures lists scheduled changes for an identity, soonest first.
func (s *Service) PendingFutures(ctx context.Context, identityID int64) ([]Future, error) {
	var futures []Future
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("apply_at ASC").
		Find(&futures).Error
	return futures, err
}

// ApplyDue applies every scheduled change whose apply time has passed, in
// apply_at order so that overlapping futures resolve last-write-wins, and
// deletes the consumed rows. Called by the background reconciler only; request
// handling never applies futures synchronously.
func (s *Service) ApplyDue(ctx context.Context, now time.Time) (int, error) {
	applied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []Future
		if err := tx.Where("apply_at <= ?", now.UTC()).Order("apply_at ASC, id ASC").Find(&due).Error; err != nil {
			return err
		}
		for _, future := range due {
			if err := s.applyFuture(tx, future); err != nil {
				return err
			}
			if err := tx.Delete(&Future{}, future.ID).Error; err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if applied > 0 {
		s.logger.Info("applied scheduled changes", zap.Int("count", applied))
	}
	return applied, nil
}

func (s *Service) applyFuture(tx *gorm.DB, future Future) error {
	switch future.Kind {
	case FutureKindBan:
		if future.Banned == nil {
			return nil
		}
		if future.RoomID == nil {
			s.cache.invalidateIdentity(future.IdentityID)
			return tx.Model(&identity.Identity{}).
				Where("id = ?", future.IdentityID).
				Update("banned", *future.Banned).Error
		}
		row, existed, err := loadOverride(tx, *future.RoomID, future.IdentityID)
		if err != nil {
			return err
		}
		row.Banned = *future.Banned
		s.cache.invalidate(*future.RoomID, future.IdentityID)
		return saveOverride(tx, row, existed)

	case FutureKindPermission:
		if future.RoomID == nil {
			return nil
		}
		row, existed, err := loadOverride(tx, *future.RoomID, future.IdentityID)
		if err != nil {
			return err
		}
		if future.Read != nil {
			row.Read = future.Read
		}
		if future.Write != nil {
			row.Write = future.Write
		}
		if future.Upload != nil {
			row.Upload = future.Upload
		}
		s.cache.invalidate(*future.RoomID, future.IdentityID)
		return saveOverride(tx, row, existed)

	default:
		s.logger.Warn("skipping unknown scheduled change kind", zap.String("kind", future.Kind), zap.Int64("id", future.ID))
		return nil
	}
}
