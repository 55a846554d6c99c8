package room

import (
	"context"
	"errors"
	"time"

	"github.com/parlorchat/parlor/internal/identity"
	"gorm.io/gorm"
)

// unpinFileGrace is how long files attached to an unpinned post outlive the
// unpin before normal expiry resumes.
const unpinFileGrace = 24 * time.Hour

// PinPost pins a post; admin only. Pinning an already pinned post re-stamps
// its pin time and pinner, which clients use for manual ordering, but
// info_updates moves only when the pinned set actually changes.
func (s *Service) PinPost(ctx context.Context, r Room, actor identity.Identity, messageID int64) error {
	effective, err := s.Effective(ctx, r, &actor)
	if err != nil {
		return err
	}
	if !effective.Admin {
		return ErrBadPermission
	}

	var message Message
	err = s.db.WithContext(ctx).
		Where("id = ? AND room_id = ? AND deleted_at IS NULL", messageID, r.ID).
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Pin{}).
			Where("room_id = ? AND message_id = ?", r.ID, messageID).
			Updates(map[string]interface{}{"pinned_by": actor.ID, "pinned_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			// Re-pin: ordering changed but the set did not.
			return nil
		}
		pin := Pin{RoomID: r.ID, MessageID: messageID, PinnedBy: actor.ID, PinnedAt: now}
		if err := tx.Create(&pin).Error; err != nil {
			return err
		}
		return bumpInfoUpdates(tx, r.ID)
	})
}

// UnpinPost removes one pin; admin only. Files attached to the post get an
// expiry extension so they are not collected the moment the pin drops.
func (s *Service) UnpinPost(ctx context.Context, r Room, actor identity.Identity, messageID int64) error {
	effective, err := s.Effective(ctx, r, &actor)
	if err != nil {
		return err
	}
	if !effective.Admin {
		return ErrBadPermission
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("room_id = ? AND message_id = ?", r.ID, messageID).Delete(&Pin{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return bumpInfoUpdates(tx, r.ID)
	})
	if err != nil {
		return err
	}
	if s.files != nil {
		if err := s.files.ExtendExpiryForMessage(ctx, messageID, unpinFileGrace); err != nil {
			return err
		}
	}
	return nil
}

// UnpinAll clears the room's pinned set; admin only.
func (s *Service) UnpinAll(ctx context.Context, r Room, actor identity.Identity) (int64, error) {
	effective, err := s.Effective(ctx, r, &actor)
	if err != nil {
		return 0, err
	}
	if !effective.Admin {
		return 0, ErrBadPermission
	}

	var removed int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("room_id = ?", r.ID).Delete(&Pin{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		if removed == 0 {
			return nil
		}
		return bumpInfoUpdates(tx, r.ID)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Pins lists the room's pinned posts in pin-time order.
func (s *Service) Pins(ctx context.Context, roomID int64) ([]Pin, error) {
	var pins []Pin
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("pinned_at ASC").
		Find(&pins).Error
	return pins, err
}
