// Package room owns the per-room synchronization engine: the monotonic
// counters, post admission and deletion, pinning, and the seqno-based change
// feed disconnected clients poll to resynchronize.
package room

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/parlorchat/parlor/internal/extension"
	"github.com/parlorchat/parlor/internal/files"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound covers a missing room or post, and deliberately also a room
	// the caller may not access, so existence does not leak.
	ErrNotFound = errors.New("room: not found")
	// ErrBadPermission indicates an authenticated caller without sufficient
	// rights, including the mixed-ownership batch delete case.
	ErrBadPermission = errors.New("room: permission denied")
	// ErrPostRejected indicates content admission failed; filter rejections
	// are not retryable.
	ErrPostRejected = errors.New("room: post rejected")
	// ErrPostRateLimited is the retryable admission failure: the author
	// exhausted the room's posting window.
	ErrPostRateLimited = fmt.Errorf("%w: rate limited", ErrPostRejected)
	// ErrInvalidInput indicates malformed request data.
	ErrInvalidInput = errors.New("room: invalid input")

	errMissingDatabase = errors.New("room: database handle is required")
	errMissingPerms    = errors.New("room: permission service is required")

	tokenPattern = regexp.MustCompile(`^[\w-]{1,64}$`)
)

// ReactionProvider is the reaction engine surface the sync engine consults
// when serving change feeds and cascading deletions.
type ReactionProvider interface {
	Summaries(ctx context.Context, caller *identity.Identity, messageIDs []int64, reactorLimit int) (map[int64]map[string]ReactionSummary, error)
	PurgeMessages(tx *gorm.DB, messageIDs []int64) error
	PurgeRoom(tx *gorm.DB, roomID int64) error
}

// ServiceConfig describes sync engine dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Perms     *perms.Service
	Files     *files.Service
	Filter    *extension.FilterClient
	Reactions ReactionProvider
	Clock     func() time.Time
	Logger    *zap.Logger
	// FilteredVisibleToAuthor lets an author see their own filter-rejected
	// posts in change feeds; hidden by default.
	FilteredVisibleToAuthor bool
}

// Service is the room synchronization engine.
type Service struct {
	db               *gorm.DB
	perms            *perms.Service
	files            *files.Service
	filter           *extension.FilterClient
	reactions        ReactionProvider
	now              func() time.Time
	logger           *zap.Logger
	filteredToAuthor bool
}

// NewService constructs the sync engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Perms == nil {
		return nil, errMissingPerms
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	filter := cfg.Filter
	if filter == nil {
		filter = extension.NewFilterClient(nil, 0, logger)
	}
	return &Service{
		db:               cfg.Database,
		perms:            cfg.Perms,
		files:            cfg.Files,
		filter:           filter,
		reactions:        cfg.Reactions,
		now:              clock,
		logger:           logger,
		filteredToAuthor: cfg.FilteredVisibleToAuthor,
	}, nil
}

// NextSeqno atomically advances a room's message sequence inside tx and
// returns the new value. Every content-affecting mutation allocates exactly
// one value through here; transaction isolation makes concurrent allocations
// distinct and order-consistent.
func NextSeqno(tx *gorm.DB, roomID int64) (int64, error) {
	if err := tx.Model(&Room{}).Where("id = ?", roomID).
		UpdateColumn("message_sequence", gorm.Expr("message_sequence + 1")).Error; err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.Model(&Room{}).Where("id = ?", roomID).
		Pluck("message_sequence", &seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

func bumpInfoUpdates(tx *gorm.DB, roomID int64) error {
	return tx.Model(&Room{}).Where("id = ?", roomID).
		UpdateColumn("info_updates", gorm.Expr("info_updates + 1")).Error
}

// StampReactionChange re-stamps a message with a fresh room seqno recording a
// reaction-only change, returning the new value. Used by the reaction engine.
func StampReactionChange(tx *gorm.DB, roomID, messageID int64) (int64, error) {
	seq, err := NextSeqno(tx, roomID)
	if err != nil {
		return 0, err
	}
	err = tx.Model(&Message{}).Where("id = ?", messageID).
		Updates(map[string]interface{}{"seqno": seq, "reaction_seqno": seq}).Error
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// CreateRoom registers a new room.
func (s *Service) CreateRoom(ctx context.Context, token, name, description string) (Room, error) {
	if !tokenPattern.MatchString(token) {
		return Room{}, fmt.Errorf("%w: bad room token", ErrInvalidInput)
	}
	created := Room{
		Token:             token,
		Name:              name,
		Description:       description,
		DefaultRead:       true,
		DefaultWrite:      true,
		DefaultUpload:     true,
		DefaultAccessible: true,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		return Room{}, err
	}
	s.logger.Info("room created", zap.String("token", token), zap.Int64("id", created.ID))
	return created, nil
}

// GetRoomByToken fetches a room row without any access filtering; callers
// gate visibility through Effective.
func (s *Service) GetRoomByToken(ctx context.Context, token string) (Room, error) {
	var found Room
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return found, nil
}

// RoomUpdate carries a partial metadata update; nil fields stay untouched.
type RoomUpdate struct {
	Name              *string
	Description       *string
	DefaultRead       *bool
	DefaultWrite      *bool
	DefaultUpload     *bool
	DefaultAccessible *bool
	RateLimitSize     *int
	RateLimitInterval *int
}

// UpdateRoomInfo applies a metadata change and bumps info_updates once.
func (s *Service) UpdateRoomInfo(ctx context.Context, roomID int64, update RoomUpdate) error {
	changes := map[string]interface{}{}
	if update.Name != nil {
		changes["name"] = *update.Name
	}
	if update.Description != nil {
		changes["description"] = *update.Description
	}
	if update.DefaultRead != nil {
		changes["default_read"] = *update.DefaultRead
	}
	if update.DefaultWrite != nil {
		changes["default_write"] = *update.DefaultWrite
	}
	if update.DefaultUpload != nil {
		changes["default_upload"] = *update.DefaultUpload
	}
	if update.DefaultAccessible != nil {
		changes["default_accessible"] = *update.DefaultAccessible
	}
	if update.RateLimitSize != nil {
		changes["rate_limit_size"] = *update.RateLimitSize
	}
	if update.RateLimitInterval != nil {
		changes["rate_limit_interval_s"] = *update.RateLimitInterval
	}
	if len(changes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Room{}).Where("id = ?", roomID).Updates(changes)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return bumpInfoUpdates(tx, roomID)
	})
}

// DeleteRoom removes a room and cascades to its posts, pins, activity, and
// reactions.
func (s *Service) DeleteRoom(ctx context.Context, roomID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.reactions != nil {
			if err := s.reactions.PurgeRoom(tx, roomID); err != nil {
				return err
			}
		}
		for _, model := range []interface{}{&Message{}, &Pin{}, &Activity{}} {
			if err := tx.Where("room_id = ?", roomID).Delete(model).Error; err != nil {
				return err
			}
		}
		result := tx.Delete(&Room{}, roomID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Effective resolves the caller's permissions in the room.
func (s *Service) Effective(ctx context.Context, r Room, caller *identity.Identity) (perms.Effective, error) {
	return s.perms.Effective(ctx, r.ID, r.Defaults(), caller)
}

// UpdateActivity upserts the caller's last-seen marker. It never fails the
// surrounding request; errors are logged and dropped.
func (s *Service) UpdateActivity(ctx context.Context, roomID, identityID int64) {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Activity{}).
			Where("room_id = ? AND identity_id = ?", roomID, identityID).
			Update("last_seen_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Create(&Activity{RoomID: roomID, IdentityID: identityID, LastSeenAt: now}).Error
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("room activity update failed",
			zap.Int64("room_id", roomID),
			zap.Int64("identity_id", identityID),
			zap.Error(err))
	}
}

// RefreshActiveUsers purges activity rows older than cutoff and recomputes
// every room's rolling active-user count. Called by the background reconciler.
func (s *Service) RefreshActiveUsers(ctx context.Context, cutoff time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("last_seen_at < ?", cutoff.UTC()).Delete(&Activity{}).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE rooms SET active_users = (
			SELECT COUNT(*) FROM room_activity WHERE room_activity.room_id = rooms.id
		)`).Error
	})
}

// PurgeHistory drops audit rows older than the retention window. Called by
// the background reconciler.
func (s *Service) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("replaced_at < ?", before.UTC()).
		Delete(&MessageHistory{})
	return result.RowsAffected, result.Error
}
